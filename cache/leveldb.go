package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	cachekey "github.com/always-cache/transcache/pkg/cache-key"
)

const levelDBPrefix = "e:"

// LevelDBStore keeps serialized entries in a LevelDB database.
type LevelDBStore struct {
	db *leveldb.DB
	// purge must not interleave with writes
	mu sync.RWMutex
}

// NewLevelDBStore opens the database at path. An empty path keeps the
// database in memory.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("opening leveldb %q: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func levelDBKey(key cachekey.Key) []byte {
	return []byte(levelDBPrefix + key.String())
}

func (d *LevelDBStore) Get(_ context.Context, key cachekey.Key) (*Entry, error) {
	d.mu.RLock()
	data, err := d.db.Get(levelDBKey(key), nil)
	d.mu.RUnlock()
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry, err := decodeEntry(data)
	if err != nil {
		d.db.Delete(levelDBKey(key), nil)
		return nil, ErrNotFound
	}
	return entry, nil
}

func (d *LevelDBStore) Put(_ context.Context, key cachekey.Key, entry *Entry) error {
	data, err := entry.MarshalBinary()
	if err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.Put(levelDBKey(key), data, nil)
}

func (d *LevelDBStore) Remove(_ context.Context, key cachekey.Key) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.Delete(levelDBKey(key), nil)
}

func (d *LevelDBStore) Purge(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	it := d.db.NewIterator(util.BytesPrefix([]byte(levelDBPrefix)), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	return d.db.Write(batch, nil)
}

func (d *LevelDBStore) Close() error {
	return d.db.Close()
}
