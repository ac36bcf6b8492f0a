package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	cachekey "github.com/always-cache/transcache/pkg/cache-key"
)

// SQLiteStore keeps serialized entries in a SQLite table.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens (or creates) the database in filename.
// If filename is empty, a new in-memory db is opened.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", filename, err)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			key TEXT PRIMARY KEY,
			expires INTEGER,
			stored_at INTEGER,
			bytes BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS expires_idx ON entries (expires)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing sqlite %s: %w", filename, err)
		}
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key cachekey.Key) (*Entry, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT bytes FROM entries WHERE key = ?", key.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry, err := decodeEntry(data)
	if err != nil {
		s.Remove(ctx, key)
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key cachekey.Key, entry *Entry) error {
	data, err := entry.MarshalBinary()
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (key, expires, stored_at, bytes) VALUES (?, ?, ?, ?)",
		key.String(), unixOrZero(entry.Expires), unixOrZero(entry.StoredAt), data)
	return err
}

func (s *SQLiteStore) Remove(ctx context.Context, key cachekey.Key) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", key.String())
	return err
}

func (s *SQLiteStore) Purge(ctx context.Context) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries")
	return err
}

// PurgeExpired removes entries that expired before the given time.
// Entries without expiry are kept.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE expires > 0 AND expires < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
