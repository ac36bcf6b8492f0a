package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/always-cache/transcache"
	"github.com/always-cache/transcache/cache"
	"github.com/always-cache/transcache/pkg/codec"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var errConfig = errors.New("invalid configuration")

type Config struct {
	Listen string `yaml:"listen" validate:"required"`
	// Origin URL to proxy to
	Origin string `yaml:"origin" validate:"required,url"`
	// Host header and TLS server name sent to the origin, if not the origin's
	Host string `yaml:"host"`

	Log     LogConfig     `yaml:"log"`
	Cache   CacheConfig   `yaml:"cache"`
	Store   StoreConfig   `yaml:"store"`
	Metrics MetricsConfig `yaml:"metrics"`
	// ResetPath accepts POST requests that drop every cached entry. Empty disables it.
	ResetPath       string        `yaml:"reset_path" validate:"omitempty,startswith=/"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
	// File receives the log in addition to stdout.
	File string `yaml:"file"`
}

type CacheConfig struct {
	Name                 string         `yaml:"name"`
	Namespace            string         `yaml:"namespace"`
	Encodings            []string       `yaml:"encodings" validate:"dive,oneof=br gzip deflate zstd"`
	CompressionLevels    map[string]int `yaml:"compression_levels" validate:"dive,keys,oneof=br gzip deflate zstd,endkeys"`
	TranscodeSources     []string       `yaml:"transcode_sources" validate:"dive,oneof=identity br gzip deflate zstd"`
	MaxRepresentations   int            `yaml:"max_representations" validate:"min=0"`
	DropIdentity         bool           `yaml:"drop_identity"`
	StrongValidation     bool           `yaml:"strong_validation"`
	CacheErrorResponses  bool           `yaml:"cache_error_responses"`
	MinCacheableSize     byteSize       `yaml:"min_cacheable_size" validate:"min=0"`
	MaxCacheableSize     byteSize       `yaml:"max_cacheable_size"`
	MinEncodableSize     byteSize       `yaml:"min_encodable_size" validate:"min=0"`
	DefaultTTL           time.Duration  `yaml:"default_ttl" validate:"min=0"`
	NotCacheableDefault  bool           `yaml:"not_cacheable_by_default"`
	NotEncodableDefault  bool           `yaml:"not_encodable_by_default"`
	WriteBackConcurrency int            `yaml:"write_back_concurrency" validate:"min=0"`
}

type StoreConfig struct {
	Type string `yaml:"type" validate:"oneof=memory sqlite redis leveldb"`
	// Tiered puts a memory store in front of a persistent one.
	Tiered bool `yaml:"tiered"`
	// Instrumented records store metrics.
	Instrumented bool `yaml:"instrumented"`

	Memory  MemoryConfig       `yaml:"memory"`
	SQLite  *SQLiteConfig      `yaml:"sqlite" validate:"required_if=Type sqlite"`
	LevelDB *LevelDBConfig     `yaml:"leveldb" validate:"required_if=Type leveldb"`
	Redis   *cache.RedisConfig `yaml:"redis" validate:"required_if=Type redis"`
}

type MemoryConfig struct {
	MaxSize    byteSize `yaml:"max_size" validate:"min=0"`
	MaxEntries int      `yaml:"max_entries" validate:"min=0"`
}

type SQLiteConfig struct {
	Path string `yaml:"path" validate:"required"`
	// PurgeInterval is how often expired rows are deleted. 0 disables purging.
	PurgeInterval time.Duration `yaml:"purge_interval" validate:"min=0"`
	// RetainStale keeps expired rows this long so they can be revalidated.
	RetainStale time.Duration `yaml:"retain_stale" validate:"min=0"`
}

type LevelDBConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"omitempty,startswith=/"`
}

// byteSize is a size in bytes that may be written as "64m" or "1MiB" in YAML.
// "unlimited" is -1.
type byteSize int64

func (b *byteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", node.Line)
	}
	size, err := parseBytes(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = size
	return nil
}

func parseBytes(s string) (byteSize, error) {
	s = strings.TrimSpace(s)
	if s == "unlimited" || s == "-1" {
		return -1, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("byte size %q: %w", s, err)
	}
	return byteSize(n), nil
}

func defaultConfig() Config {
	return Config{
		Listen: ":8080",
		Log: LogConfig{
			Level:  "debug",
			Format: "console",
		},
		Store: StoreConfig{
			Type: "memory",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		ResetPath:       "/.transcache/reset",
		ShutdownTimeout: 10 * time.Second,
	}
}

// loadConfig reads a YAML file over the defaults. An empty path returns the defaults.
func loadConfig(path string) (Config, error) {
	config := defaultConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parsing config file: %w", err)
	}
	return config, nil
}

func (c Config) validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", errConfig, err)
	}
	return nil
}

func parseEncodings(tokens []string) ([]codec.Encoding, error) {
	encodings := make([]codec.Encoding, 0, len(tokens))
	for _, token := range tokens {
		e, err := codec.Parse(token)
		if err != nil {
			return nil, err
		}
		encodings = append(encodings, e)
	}
	return encodings, nil
}

// transcacheConfig maps the file settings onto the middleware configuration.
func (c CacheConfig) transcacheConfig() (transcache.Config, error) {
	encodings, err := parseEncodings(c.Encodings)
	if err != nil {
		return transcache.Config{}, fmt.Errorf("%w: encodings: %w", errConfig, err)
	}
	sources, err := parseEncodings(c.TranscodeSources)
	if err != nil {
		return transcache.Config{}, fmt.Errorf("%w: transcode sources: %w", errConfig, err)
	}
	var levels map[codec.Encoding]int
	if len(c.CompressionLevels) > 0 {
		levels = make(map[codec.Encoding]int, len(c.CompressionLevels))
		for token, level := range c.CompressionLevels {
			e, err := codec.Parse(token)
			if err != nil {
				return transcache.Config{}, fmt.Errorf("%w: compression levels: %w", errConfig, err)
			}
			levels[e] = level
		}
	}
	return transcache.Config{
		Namespace:             c.Namespace,
		Encodings:             encodings,
		CompressionLevels:     levels,
		TranscodeSources:      sources,
		MaxRepresentations:    c.MaxRepresentations,
		DropIdentity:          c.DropIdentity,
		StrongValidation:      c.StrongValidation,
		CacheErrorResponses:   c.CacheErrorResponses,
		MinCacheableSize:      int64(c.MinCacheableSize),
		MaxCacheableSize:      int64(c.MaxCacheableSize),
		MinEncodableSize:      int64(c.MinEncodableSize),
		DefaultTTL:            c.DefaultTTL,
		NotCacheableByDefault: c.NotCacheableDefault,
		NotEncodableByDefault: c.NotEncodableDefault,
		WriteBackConcurrency:  c.WriteBackConcurrency,
		CacheName:             c.Name,
	}, nil
}
