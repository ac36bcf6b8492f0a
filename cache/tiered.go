package cache

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	cachekey "github.com/always-cache/transcache/pkg/cache-key"
)

// TieredStore consults first, then next. Entries found only in next are
// copied into first. Writes and removals go to both tiers.
type TieredStore struct {
	first Store
	next  Store
	log   zerolog.Logger
}

// NewTieredStore layers first over next. Failed backfills are logged to
// logger, which may be nil.
func NewTieredStore(first, next Store, logger *zerolog.Logger) *TieredStore {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "tiered-store").Logger()
	}
	return &TieredStore{first: first, next: next, log: log}
}

func (t *TieredStore) Get(ctx context.Context, key cachekey.Key) (*Entry, error) {
	entry, err := t.first.Get(ctx, key)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	entry, err = t.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := t.first.Put(ctx, key, entry); err != nil {
		t.log.Warn().Err(err).Str("key", key.String()).Msg("Could not copy entry to first tier")
	}
	return entry, nil
}

func (t *TieredStore) Put(ctx context.Context, key cachekey.Key, entry *Entry) error {
	return errors.Join(t.first.Put(ctx, key, entry), t.next.Put(ctx, key, entry))
}

func (t *TieredStore) Remove(ctx context.Context, key cachekey.Key) error {
	return errors.Join(t.first.Remove(ctx, key), t.next.Remove(ctx, key))
}

// Purge purges every tier that supports it.
func (t *TieredStore) Purge(ctx context.Context) error {
	var errs []error
	for _, s := range []Store{t.first, t.next} {
		if p, ok := s.(Purger); ok {
			errs = append(errs, p.Purge(ctx))
		}
	}
	return errors.Join(errs...)
}
