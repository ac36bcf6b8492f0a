package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	cachekey "github.com/always-cache/transcache/pkg/cache-key"
)

type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
	// RetainStale keeps expired entries this long so they can be revalidated.
	RetainStale time.Duration `yaml:"retain_stale"`
}

// DefaultRedisConfig returns the configuration used for unset fields.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "transcache",
		RetainStale:  time.Hour,
	}
}

// RedisStore keeps serialized entries in Redis under KeyPrefix.
type RedisStore struct {
	client *redis.Client
	config RedisConfig
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, config RedisConfig) (*RedisStore, error) {
	defaults := DefaultRedisConfig()
	if config.Host == "" {
		config.Host = defaults.Host
	}
	if config.Port == 0 {
		config.Port = defaults.Port
	}
	if config.PoolSize == 0 {
		config.PoolSize = defaults.PoolSize
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})
	return newRedisStore(ctx, client, config)
}

// NewRedisStoreWithClient uses an existing client.
func NewRedisStoreWithClient(ctx context.Context, client *redis.Client, keyPrefix string, retainStale time.Duration) (*RedisStore, error) {
	return newRedisStore(ctx, client, RedisConfig{KeyPrefix: keyPrefix, RetainStale: retainStale})
}

func newRedisStore(ctx context.Context, client *redis.Client, config RedisConfig) (*RedisStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client, config: config}, nil
}

func (r *RedisStore) buildFullKey(key cachekey.Key) string {
	return r.config.KeyPrefix + ":" + key.String()
}

func (r *RedisStore) Get(ctx context.Context, key cachekey.Key) (*Entry, error) {
	fullKey := r.buildFullKey(key)
	data, err := r.client.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry, err := decodeEntry(data)
	if err != nil {
		r.client.Del(ctx, fullKey)
		return nil, ErrNotFound
	}
	return entry, nil
}

func (r *RedisStore) Put(ctx context.Context, key cachekey.Key, entry *Entry) error {
	data, err := entry.MarshalBinary()
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !entry.Expires.IsZero() {
		ttl = time.Until(entry.Expires) + r.config.RetainStale
		if ttl <= 0 {
			return r.Remove(ctx, key)
		}
	}
	return r.client.Set(ctx, r.buildFullKey(key), data, ttl).Err()
}

func (r *RedisStore) Remove(ctx context.Context, key cachekey.Key) error {
	return r.client.Del(ctx, r.buildFullKey(key)).Err()
}

// Purge deletes every key under the store's prefix.
func (r *RedisStore) Purge(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.config.KeyPrefix+":*", 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
