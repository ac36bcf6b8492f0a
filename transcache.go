// Package transcache is net/http middleware that caches upstream responses
// and negotiates their Content-Encoding in one layer.
//
// A resource is cached once per Vary-derived key and may hold several
// representations, one per content coding. A request for a coding that is
// not stored is served by transcoding a stored representation, without
// calling the upstream handler again.
package transcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/transcache/cache"
	cachekey "github.com/always-cache/transcache/pkg/cache-key"
	"github.com/always-cache/transcache/pkg/codec"
	"github.com/always-cache/transcache/pkg/negotiate"
	tee "github.com/always-cache/transcache/pkg/response-writer-tee"
	"github.com/always-cache/transcache/rfc9111"
	"github.com/always-cache/transcache/rfc9211"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNotPurgeable is returned by InvalidateAll when the store cannot purge.
	ErrNotPurgeable = cache.ErrNotPurgeable
	// ErrInvalidConfig is returned by New for inconsistent settings.
	ErrInvalidConfig = errors.New("invalid configuration")
)

const (
	defaultMaxCacheableSize     = 1 << 20
	defaultWriteBackConcurrency = 16
	defaultCacheName            = "transcache"
	// a waiter whose Vary-derived key differs from the fill it joined
	// looks the resource up again, at most this many times
	maxLookupRounds = 3
)

type Config struct {
	// Storage for cache entries. An in-memory LRU store is used if nil.
	Store cache.Store
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Namespace is copied into every cache key.
	// Use it to share one store between several caches.
	Namespace string

	// Encodings enabled for negotiation, in server preference order.
	// Defaults to br, gzip, deflate, zstd.
	Encodings []codec.Encoding
	// Optional compression level per encoding.
	CompressionLevels map[codec.Encoding]int
	// TranscodeSources orders the stored representations tried as the source
	// of a transcode. Defaults to the cheapest to decode first, identity first.
	TranscodeSources []codec.Encoding
	// MaxRepresentations caps the representations stored per entry.
	// The least recently negotiated one is evicted first. 0 means no cap.
	MaxRepresentations int
	// DropIdentity stops storing the identity representation next to an encoded one.
	DropIdentity bool

	// StrongValidation uses strong ETag comparison for If-None-Match.
	StrongValidation bool
	// CacheErrorResponses allows storing non-2xx responses.
	CacheErrorResponses bool
	// Body size bounds, in bytes. MaxCacheableSize defaults to 1 MiB and a
	// negative value removes the bound. Larger bodies are streamed through.
	MinCacheableSize int64
	MaxCacheableSize int64
	// Bodies smaller than this are stored and served as identity only.
	MinEncodableSize int64
	// DefaultTTL applies to responses without explicit freshness.
	// 0 means such responses never go stale.
	DefaultTTL time.Duration
	// Responses are cacheable and encodable unless these are set.
	// The XX-Cache and XX-Encode response headers override them.
	NotCacheableByDefault bool
	NotEncodableByDefault bool

	// Optional hooks.
	CacheableByRequest  func(r *http.Request) bool
	CacheableByResponse func(r *http.Request, status int, header http.Header) bool
	EncodableByRequest  func(r *http.Request) bool
	EncodableByResponse func(r *http.Request, status int, header http.Header) bool
	// CacheKey may amend the key derived for a request.
	CacheKey func(r *http.Request, key *cachekey.Key)
	// CacheDuration may set the freshness lifetime of a response.
	// A negative value leaves the decision to the response headers.
	CacheDuration func(r *http.Request, status int, header http.Header) time.Duration

	// WriteBackConcurrency bounds the transcoded representations being
	// stored at once. Defaults to 16.
	WriteBackConcurrency int
	// CacheName is used in the Cache-Status header. Defaults to "transcache".
	CacheName string
	// Metrics are registered here if set.
	Metrics prometheus.Registerer
}

type Cache struct {
	config       Config
	store        cache.Store
	codecs       *codec.Registry
	keyer        cachekey.Keyer
	log          zerolog.Logger
	fills        *fillRegistry
	recency      *recencyTracker
	writeBacks   *semaphore.Weighted
	pendingBacks sync.WaitGroup
	metrics      *metrics
	sources      []codec.Encoding
	keepIdentity bool
	now          func() time.Time
}

// New initializes the cache middleware.
func New(config Config) (*Cache, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("component", "transcache").Logger()

	if err := normalize(&config); err != nil {
		return nil, err
	}

	codecs, err := codec.NewRegistry(config.Encodings...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	for e, level := range config.CompressionLevels {
		if err := codecs.SetLevel(e, level); err != nil {
			return nil, fmt.Errorf("%w: compression level: %w", ErrInvalidConfig, err)
		}
	}

	m, err := newMetrics(config.Metrics)
	if err != nil {
		return nil, err
	}

	if config.Store == nil {
		config.Store = cache.NewMemoryStore(0, 0)
	}

	return &Cache{
		config:       config,
		store:        config.Store,
		codecs:       codecs,
		keyer:        cachekey.NewKeyer(config.Namespace),
		log:          logger,
		fills:        newFillRegistry(logger),
		recency:      newRecencyTracker(),
		writeBacks:   semaphore.NewWeighted(int64(config.WriteBackConcurrency)),
		metrics:      m,
		sources:      config.TranscodeSources,
		keepIdentity: !config.DropIdentity,
		now:          time.Now,
	}, nil
}

func normalize(config *Config) error {
	if config.MinCacheableSize < 0 || config.MinEncodableSize < 0 || config.MaxRepresentations < 0 || config.WriteBackConcurrency < 0 {
		return fmt.Errorf("%w: negative size or count", ErrInvalidConfig)
	}
	switch {
	case config.MaxCacheableSize == 0:
		config.MaxCacheableSize = defaultMaxCacheableSize
	case config.MaxCacheableSize < 0:
		config.MaxCacheableSize = 0
	}
	if config.MaxCacheableSize > 0 && config.MinCacheableSize > config.MaxCacheableSize {
		return fmt.Errorf("%w: MinCacheableSize exceeds MaxCacheableSize", ErrInvalidConfig)
	}
	if config.WriteBackConcurrency == 0 {
		config.WriteBackConcurrency = defaultWriteBackConcurrency
	}
	if config.CacheName == "" {
		config.CacheName = defaultCacheName
	}
	sources := make([]codec.Encoding, 0, len(codec.ByDecodeCost))
	for _, e := range config.TranscodeSources {
		if !e.Valid() {
			return fmt.Errorf("%w: transcode source: %w", ErrInvalidConfig, codec.ErrUnsupportedEncoding)
		}
		if !slices.Contains(sources, e) {
			sources = append(sources, e)
		}
	}
	// every stored encoding can serve as a source, configured ones first
	for _, e := range codec.ByDecodeCost {
		if !slices.Contains(sources, e) {
			sources = append(sources, e)
		}
	}
	config.TranscodeSources = sources
	return nil
}

// Middleware wraps next with the cache. It can be passed to chi's Use.
func (c *Cache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.serve(w, r, next)
	})
}

// Handler is an alias of Middleware.
func (c *Cache) Handler(next http.Handler) http.Handler {
	return c.Middleware(next)
}

// Invalidate removes the cached entry a request would be served from.
func (c *Cache) Invalidate(ctx context.Context, r *http.Request) error {
	base := c.deriveKey(r, nil)
	var errs []error
	if entry, ok := c.get(ctx, base); ok && entry.IsMarker() {
		key := c.deriveKey(r, entry.VaryHeaders)
		errs = append(errs, c.store.Remove(ctx, key))
		c.recency.forget(key)
	}
	errs = append(errs, c.store.Remove(ctx, base))
	c.recency.forget(base)
	return errors.Join(errs...)
}

// invalidateAfter removes the entries an unsafe request may have changed.
func (c *Cache) invalidateAfter(r *http.Request, status int, header http.Header) {
	for _, u := range rfc9111.InvalidatedURIs(r, status, header) {
		get, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u.String(), nil)
		if err != nil {
			continue
		}
		// the request headers select the variant behind a Vary marker
		get.Header = r.Header
		if err := c.Invalidate(r.Context(), get); err != nil {
			c.log.Warn().Err(err).Str("url", u.String()).Msg("Could not invalidate after unsafe request")
			continue
		}
		c.log.Trace().Str("url", u.String()).Str("method", r.Method).Msg("Invalidated")
	}
}

// InvalidateAll drops every cached entry.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	purger, ok := c.store.(cache.Purger)
	if !ok {
		return ErrNotPurgeable
	}
	if err := purger.Purge(ctx); err != nil {
		return fmt.Errorf("purging cache: %w", err)
	}
	c.recency.reset()
	return nil
}

// ResetHandler responds 204 after dropping every cached entry, or 500 if that fails.
func (c *Cache) ResetHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := c.InvalidateAll(r.Context()); err != nil {
			c.log.Error().Err(err).Msg("Could not reset cache")
			http.Error(w, "could not reset cache", http.StatusInternalServerError)
			return
		}
		c.log.Info().Msg("Cache reset")
		w.WriteHeader(http.StatusNoContent)
	})
}

type request struct {
	r         *http.Request
	next      http.Handler
	accept    negotiate.Accept
	encodable bool
}

// serve is the main entry point for the caching middleware.
func (c *Cache) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		status := c.forward(w, r, next, c.status(rfc9211.FwdReasonMethod))
		c.invalidateAfter(r, status, w.Header())
		return
	}
	if c.config.CacheableByRequest != nil && !c.config.CacheableByRequest(r) {
		c.forward(w, r, next, c.status(rfc9211.FwdReasonBypass))
		return
	}
	req := request{
		r:         r,
		next:      next,
		accept:    negotiate.ParseRequest(r),
		encodable: c.encodableByRequest(r),
	}
	for round := 0; round < maxLookupRounds; round++ {
		if c.serveRound(w, req) {
			return
		}
		c.log.Trace().Str("url", r.URL.String()).Int("round", round).Msg("Looking up again")
	}
	c.forward(w, r, next, c.status(rfc9211.FwdReasonMiss))
}

// serveRound serves the request from the cache or through a fill.
// It returns false when the lookup has to be repeated.
func (c *Cache) serveRound(w http.ResponseWriter, req request) bool {
	ctx := req.r.Context()
	key, entry, reason := c.lookup(ctx, req.r)
	cs := c.status(reason)

	if entry != nil {
		if entry.Fresh(c.now()) {
			if c.serveEntry(w, req, key, entry, &cs, false) {
				return true
			}
			// the entry was unusable and has been removed
			entry = nil
			cs.Forward(rfc9211.FwdReasonMiss)
		} else {
			cs.Forward(rfc9211.FwdReasonStale)
		}
	}

	// the initiator negotiates before going upstream so that it can be refused early
	negotiated, err := negotiate.Negotiate(req.accept, c.supported(req.encodable), nil)
	if err != nil {
		c.notAcceptable(w, req.r, cs)
		return true
	}

	prepare := func(h http.Header) {
		stripControlHeaders(h)
		cs.Append(h)
	}
	capture := tee.NewResponseSaver(w, c.config.MaxCacheableSize, prepare)
	fill := fillRequest{
		r:         req.r,
		next:      req.next,
		key:       key,
		stale:     entry,
		capture:   capture,
		encoding:  negotiated.Encoding,
		encodable: req.encodable,
	}
	result, initiator, err := c.fills.do(ctx, key, func(ctx context.Context) *fillResult {
		return c.fill(ctx, fill)
	}, func() {
		capture.Detach()
	})
	if err != nil {
		c.log.Debug().Err(err).Str("url", req.r.URL.String()).Msg("Client went away while waiting for upstream")
		return true
	}
	if result.panicValue != nil {
		if result.panicValue != http.ErrAbortHandler {
			c.log.Error().Interface("error", result.panicValue).Bytes("stack", result.stack).Msg("Panic in upstream handler")
		}
		panic(result.panicValue)
	}
	if result.retry {
		return false
	}
	if !initiator {
		cs.Collapsed = true
	}

	switch {
	case result.streamed || (result.private && !initiator):
		if initiator {
			c.logRequest(req.r, cs, capture.StatusCode(), codec.Identity)
			return true
		}
		c.forward(w, req.r, req.next, cs)
		return true
	case result.response != nil:
		if !initiator && c.deriveKey(req.r, result.varyNames) != result.key {
			return false
		}
		c.replay(w, req, result.response, cs)
		return true
	}

	if !initiator && c.deriveKey(req.r, result.entry.VaryHeaders) != result.key {
		return false
	}
	cs.Stored = result.stored
	return c.serveEntry(w, req, result.key, result.entry, &cs, true)
}

// lookup finds the entry for a request, following a marker to the Vary-derived key.
func (c *Cache) lookup(ctx context.Context, r *http.Request) (cachekey.Key, *cache.Entry, rfc9211.FwdReason) {
	base := c.deriveKey(r, nil)
	entry, ok := c.get(ctx, base)
	if !ok {
		return base, nil, rfc9211.FwdReasonUriMiss
	}
	if !entry.IsMarker() {
		return base, entry, ""
	}
	key := c.deriveKey(r, entry.VaryHeaders)
	variant, ok := c.get(ctx, key)
	if !ok || variant.IsMarker() {
		return key, nil, rfc9211.FwdReasonVaryMiss
	}
	return key, variant, ""
}

// get reads from the store. Read failures count as misses.
func (c *Cache) get(ctx context.Context, key cachekey.Key) (*cache.Entry, bool) {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.log.Warn().Err(err).Str("key", key.String()).Msg("Could not read from cache")
		}
		return nil, false
	}
	return entry, true
}

func (c *Cache) remove(ctx context.Context, key cachekey.Key) {
	if err := c.store.Remove(ctx, key); err != nil {
		c.log.Warn().Err(err).Str("key", key.String()).Msg("Could not remove from cache")
	}
	c.recency.forget(key)
}

func (c *Cache) deriveKey(r *http.Request, varyNames []string) cachekey.Key {
	key := c.keyer.WithVary(r, varyNames)
	if c.config.CacheKey != nil {
		c.config.CacheKey(r, &key)
	}
	return key
}

// supported returns the encodings a response may be negotiated to.
func (c *Cache) supported(encodable bool) []codec.Encoding {
	if !encodable {
		return nil
	}
	return c.codecs.Supported()
}

func (c *Cache) encodableByRequest(r *http.Request) bool {
	return c.config.EncodableByRequest == nil || c.config.EncodableByRequest(r)
}

func (c *Cache) status(reason rfc9211.FwdReason) rfc9211.CacheStatus {
	cs := rfc9211.CacheStatus{Name: c.config.CacheName}
	if reason != "" {
		cs.Forward(reason)
	}
	return cs
}

func (c *Cache) notAcceptable(w http.ResponseWriter, r *http.Request, cs rfc9211.CacheStatus) {
	cs.Append(w.Header())
	addVary(w.Header(), "Accept-Encoding")
	http.Error(w, "no acceptable content coding", http.StatusNotAcceptable)
	c.logRequest(r, cs, http.StatusNotAcceptable, codec.Identity)
}

func (c *Cache) logRequest(r *http.Request, cs rfc9211.CacheStatus, status int, encoding codec.Encoding) {
	c.metrics.responses.WithLabelValues(cs.Label()).Inc()
	c.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", status).
		Str("cacheStatus", cs.Label()).
		Str("encoding", encoding.String()).
		Bool("stored", cs.Stored).
		Bool("collapsed", cs.Collapsed).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
