package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/always-cache/transcache/cache"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// expiredPurger is implemented by stores that can delete expired entries in bulk.
type expiredPurger interface {
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

type openedStore struct {
	cache.Store
	// expired is set when the backend needs periodic purging
	expired       expiredPurger
	purgeInterval time.Duration
	retainStale   time.Duration
	closers       []io.Closer
}

func (s *openedStore) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// openStore builds the configured store. reg may be nil when metrics are off.
func openStore(ctx context.Context, config StoreConfig, reg prometheus.Registerer) (*openedStore, error) {
	memory := cache.NewMemoryStore(int64(config.Memory.MaxSize), config.Memory.MaxEntries)
	opened := &openedStore{}

	var backend cache.Store
	switch config.Type {
	case "memory":
		backend = memory
	case "sqlite":
		s, err := cache.NewSQLiteStore(config.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		backend = s
		opened.closers = append(opened.closers, s)
		opened.expired = s
		opened.purgeInterval = config.SQLite.PurgeInterval
		opened.retainStale = config.SQLite.RetainStale
	case "leveldb":
		s, err := cache.NewLevelDBStore(config.LevelDB.Path)
		if err != nil {
			return nil, fmt.Errorf("opening leveldb store: %w", err)
		}
		backend = s
		opened.closers = append(opened.closers, s)
	case "redis":
		s, err := cache.NewRedisStore(ctx, *config.Redis)
		if err != nil {
			return nil, fmt.Errorf("opening redis store: %w", err)
		}
		backend = s
		opened.closers = append(opened.closers, s)
	default:
		return nil, fmt.Errorf("%w: unsupported store type %q", errConfig, config.Type)
	}

	if config.Instrumented && reg != nil {
		instrumented, err := cache.Instrumented(backend, reg, config.Type)
		if err != nil {
			opened.Close()
			return nil, fmt.Errorf("instrumenting store: %w", err)
		}
		backend = instrumented
	}
	if config.Tiered && config.Type != "memory" {
		backend = cache.NewTieredStore(memory, backend, &log.Logger)
	}
	opened.Store = backend
	log.Info().Str("type", config.Type).Bool("tiered", config.Tiered).Msg("Cache store ready")
	return opened, nil
}

// purgeExpired deletes expired entries every interval until ctx is done.
// Entries stay retainStale past their expiry so that they can still be revalidated.
func purgeExpired(ctx context.Context, store expiredPurger, interval, retainStale time.Duration) {
	log.Info().Msgf("Starting expired entry purge loop with interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.PurgeExpired(ctx, now.Add(-retainStale))
			if err != nil {
				log.Error().Err(err).Msg("Could not purge expired entries")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("Purged expired entries")
			} else {
				log.Trace().Msg("No expired entries")
			}
		}
	}
}
