package transcache

import (
	"context"
	"maps"
	"net/http"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/transcache/cache"
	cachekey "github.com/always-cache/transcache/pkg/cache-key"
	"github.com/always-cache/transcache/pkg/codec"
	tee "github.com/always-cache/transcache/pkg/response-writer-tee"
	"github.com/always-cache/transcache/rfc9110"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const fillShards = 64

// pendingFill is an upstream call in flight for one key.
type pendingFill struct {
	id          uuid.UUID
	key         cachekey.Key
	startedAt   time.Time
	subscribers atomic.Int32
	done        chan struct{}
	// result is written before done is closed
	result *fillResult
}

type fillResult struct {
	// entry is set when the response could be served from a cache entry.
	entry *cache.Entry
	// key is the key derived from the initiating request.
	key    cachekey.Key
	stored bool
	// response is set for responses that were not stored.
	response  *bufferedResponse
	varyNames []string
	// private responses are only delivered to the initiator.
	private bool
	// streamed means the body was too large and went straight to the initiator.
	streamed bool
	// retry asks waiters to look the resource up again.
	retry      bool
	panicValue any
	stack      []byte
}

type bufferedResponse struct {
	status    int
	header    http.Header
	body      []byte
	encodable bool
}

// fillRegistry collapses concurrent misses for the same key into one upstream call.
type fillRegistry struct {
	shards [fillShards]fillShard
	log    zerolog.Logger
}

type fillShard struct {
	mu      sync.Mutex
	pending map[cachekey.Key]*pendingFill
}

func newFillRegistry(log zerolog.Logger) *fillRegistry {
	f := &fillRegistry{log: log}
	for i := range f.shards {
		f.shards[i].pending = make(map[cachekey.Key]*pendingFill)
	}
	return f
}

func (f *fillRegistry) shard(key cachekey.Key) *fillShard {
	return &f.shards[xxhash.Sum64String(key.String())%fillShards]
}

// start returns the pending fill for key, creating it if there is none.
func (s *fillShard) start(key cachekey.Key) (*pendingFill, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[key]; ok {
		return p, false
	}
	p := &pendingFill{
		id:        uuid.New(),
		key:       key,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.pending[key] = p
	return p, true
}

func (s *fillShard) finish(p *pendingFill) {
	s.mu.Lock()
	if s.pending[p.key] == p {
		delete(s.pending, p.key)
	}
	s.mu.Unlock()
	close(p.done)
}

// do runs fn once for all concurrent callers with the same key and returns its result.
// The first caller is the initiator; fn runs detached from its cancellation.
// A caller whose ctx ends stops waiting; if it is the initiator, abandon is called.
func (f *fillRegistry) do(ctx context.Context, key cachekey.Key, fn func(context.Context) *fillResult, abandon func()) (*fillResult, bool, error) {
	s := f.shard(key)
	p, initiator := s.start(key)
	p.subscribers.Add(1)
	if initiator {
		go f.run(context.WithoutCancel(ctx), s, p, fn)
	}
	select {
	case <-p.done:
		return p.result, initiator, nil
	case <-ctx.Done():
		p.subscribers.Add(-1)
		if initiator && abandon != nil {
			abandon()
		}
		return nil, initiator, ctx.Err()
	}
}

func (f *fillRegistry) run(ctx context.Context, s *fillShard, p *pendingFill, fn func(context.Context) *fillResult) {
	defer func() {
		if v := recover(); v != nil {
			p.result = &fillResult{panicValue: v, stack: debug.Stack()}
		}
		if p.result == nil {
			p.result = &fillResult{retry: true}
		}
		f.log.Trace().
			Str("fill", p.id.String()).
			Str("key", p.key.String()).
			Int32("subscribers", p.subscribers.Load()).
			Dur("duration", time.Since(p.startedAt)).
			Msg("Fill complete")
		s.finish(p)
	}()
	p.result = fn(ctx)
}

// tryDo runs fn while holding the slot for key, unless a fill is already pending.
// Callers that join the slot meanwhile are asked to retry.
func (f *fillRegistry) tryDo(key cachekey.Key, fn func()) bool {
	s := f.shard(key)
	p, ok := s.start(key)
	if !ok {
		return false
	}
	p.result = &fillResult{retry: true}
	defer s.finish(p)
	fn()
	return true
}

// waiting returns the number of callers waiting for the fill of key.
func (f *fillRegistry) waiting(key cachekey.Key) int {
	s := f.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[key]; ok {
		return int(p.subscribers.Load())
	}
	return 0
}

type fillRequest struct {
	r       *http.Request
	next    http.Handler
	key     cachekey.Key
	stale   *cache.Entry
	capture *tee.ResponseSaver
	// encoding is what the initiator negotiated
	encoding  codec.Encoding
	encodable bool
}

// fill calls upstream and stores what it can of the response.
func (c *Cache) fill(ctx context.Context, f fillRequest) *fillResult {
	log := c.log.With().Str("key", f.key.String()).Logger()
	begin := time.Now()
	log.Trace().Msg("Forwarding to upstream")
	f.next.ServeHTTP(f.capture, c.upstreamRequest(ctx, f.r, f.stale))
	f.capture.Finish()
	c.metrics.fillDuration.Observe(time.Since(begin).Seconds())

	if f.capture.Overflowed() {
		log.Debug().Msg("Response too large to cache, streamed to client")
		return &fillResult{streamed: true}
	}

	status := f.capture.StatusCode()
	header := f.capture.Header()
	body := f.capture.Body()
	now := c.now()

	if f.stale != nil && status == http.StatusNotModified {
		return c.revalidated(ctx, f, header, now)
	}

	varyNames, star := cachekey.VaryNames(header)
	buffered := &bufferedResponse{
		status:    status,
		header:    header,
		body:      body,
		encodable: header.Get("Content-Encoding") == "" && c.responseEncodable(f.r, status, header, len(body)),
	}
	uncached := &fillResult{
		response:  buffered,
		varyNames: varyNames,
		key:       c.deriveKey(f.r, varyNames),
		private:   star,
	}

	policy := c.policyFor(f.r, status, header, len(body), now)
	if !policy.store {
		log.Trace().Str("reason", policy.reason).Msg("Not storing response")
		if f.stale != nil {
			c.remove(ctx, f.key)
		}
		return uncached
	}

	identity, err := c.identityBody(header, body)
	if err != nil {
		log.Warn().Err(err).Msg("Could not decode upstream response")
		if f.stale != nil {
			c.remove(ctx, f.key)
		}
		return uncached
	}

	entry, upstreamLastModified := c.newEntry(f.r, status, header, identity, now, policy)
	targets := c.fillTargets(entry, f)
	reps, err := c.encodeAll(entry, identity, targets)
	if err != nil {
		log.Warn().Err(err).Msg("Could not encode upstream response")
		return uncached
	}
	if f.stale != nil && !f.stale.IsMarker() && sameResourceState(f.stale, entry, upstreamLastModified) {
		// keep the representations of the unchanged resource, restamped
		kept := f.stale.Refreshed(entry.StoredAt, entry.Expires, nil)
		entry = entry.With(slices.Collect(maps.Values(kept.Representations))...)
		log.Trace().Msg("Merging with stale entry")
	} else {
		c.recency.forget(f.key)
	}
	entry = entry.With(reps...)
	entry = c.enforceCap(f.key, entry, targets[0])

	key, stored := c.persist(ctx, f, entry)
	return &fillResult{entry: entry, key: key, stored: stored}
}

// upstreamRequest strips the client's conditionals and asks for identity.
// With a stale entry the request validates it instead.
func (c *Cache) upstreamRequest(ctx context.Context, r *http.Request, stale *cache.Entry) *http.Request {
	up := r.Clone(ctx)
	up.Method = http.MethodGet
	rfc9110.StripConditionals(up.Header)
	up.Header.Set("Accept-Encoding", "identity")
	if stale != nil && !stale.IsMarker() {
		if stale.ETag != "" {
			up.Header.Set("If-None-Match", stale.ETag)
		}
		if !stale.LastModified.IsZero() {
			up.Header.Set("If-Modified-Since", rfc9110.FormatHttpDate(stale.LastModified))
		}
	}
	return up
}

// revalidated refreshes a stale entry after upstream answered 304.
func (c *Cache) revalidated(ctx context.Context, f fillRequest, header http.Header, now time.Time) *fillResult {
	combined := f.stale.Header.Clone()
	if combined == nil {
		combined = http.Header{}
	}
	for name, values := range header {
		combined[name] = values
	}
	size := 0
	for _, rep := range f.stale.Representations {
		size = max(size, rep.ContentLength())
	}
	policy := c.policyFor(f.r, f.stale.Status, combined, size, now)
	if !policy.store {
		c.remove(ctx, f.key)
		return &fillResult{entry: f.stale, key: f.key}
	}
	refreshed := f.stale.Refreshed(now, policy.expiresAt(now), storedHeader(combined))
	stored := true
	if err := c.store.Put(ctx, f.key, refreshed); err != nil {
		c.log.Warn().Err(err).Str("key", f.key.String()).Msg("Could not write to cache")
		stored = false
	}
	c.log.Trace().Str("key", f.key.String()).Msg("Stale entry revalidated")
	return &fillResult{entry: refreshed, key: f.key, stored: stored}
}

// identityBody undoes the content coding upstream applied, if any.
func (c *Cache) identityBody(header http.Header, body []byte) ([]byte, error) {
	ce := header.Get("Content-Encoding")
	if ce == "" {
		return body, nil
	}
	e, err := codec.Parse(ce)
	if err != nil {
		return nil, err
	}
	return c.codecs.Decode(e, body)
}

func (c *Cache) newEntry(r *http.Request, status int, header http.Header, identity []byte, now time.Time, policy storagePolicy) (*cache.Entry, bool) {
	varyNames, _ := cachekey.VaryNames(header)
	lastModified, err := rfc9110.HttpDate(header.Get("Last-Modified"))
	upstreamLastModified := err == nil
	if !upstreamLastModified {
		lastModified = now.UTC().Truncate(time.Second)
	}
	var etag string
	if tag, ok := rfc9110.ParseETag(header.Get("ETag")); ok {
		etag = tag.String()
	}
	return &cache.Entry{
		VaryHeaders:     varyNames,
		Representations: map[codec.Encoding]*cache.Representation{},
		ETag:            etag,
		LastModified:    lastModified,
		StoredAt:        now,
		Expires:         policy.expiresAt(now),
		Status:          status,
		Header:          storedHeader(header),
		Encodable:       c.responseEncodable(r, status, header, len(identity)),
	}, upstreamLastModified
}

// fillTargets lists the encodings stored by a fill.
func (c *Cache) fillTargets(entry *cache.Entry, f fillRequest) []codec.Encoding {
	target := f.encoding
	if !entry.Encodable || !f.encodable {
		target = codec.Identity
	}
	targets := []codec.Encoding{target}
	if target != codec.Identity && c.keepIdentity {
		targets = append(targets, codec.Identity)
	}
	return targets
}

// encodeAll produces the representations for targets in parallel.
func (c *Cache) encodeAll(entry *cache.Entry, identity []byte, targets []codec.Encoding) ([]*cache.Representation, error) {
	reps := make([]*cache.Representation, len(targets))
	var g errgroup.Group
	for i, e := range targets {
		g.Go(func() error {
			body, err := c.codecs.Encode(e, identity)
			if err != nil {
				return err
			}
			reps[i] = newRepresentation(entry, e, body)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reps, nil
}

// sameResourceState reports whether a fresh response describes the same
// resource state as a stale entry, so their representations can be merged.
func sameResourceState(stale, fresh *cache.Entry, upstreamLastModified bool) bool {
	if stale.Encodable != fresh.Encodable || !slices.Equal(stale.VaryHeaders, fresh.VaryHeaders) {
		return false
	}
	if stale.ETag != "" || fresh.ETag != "" {
		a, okA := rfc9110.ParseETag(stale.ETag)
		b, okB := rfc9110.ParseETag(fresh.ETag)
		return okA && okB && rfc9110.StrongMatch(a, b)
	}
	return upstreamLastModified && stale.LastModified.Equal(fresh.LastModified)
}

// persist stores the entry under its Vary-derived key, with a marker under
// the base key when the resource varies.
func (c *Cache) persist(ctx context.Context, f fillRequest, entry *cache.Entry) (cachekey.Key, bool) {
	base := c.deriveKey(f.r, nil)
	key := c.deriveKey(f.r, entry.VaryHeaders)
	stored := true
	if len(entry.VaryHeaders) > 0 {
		if err := c.store.Put(ctx, base, cache.NewMarker(entry.VaryHeaders, entry.StoredAt, entry.Expires)); err != nil {
			c.log.Warn().Err(err).Str("key", base.String()).Msg("Could not write to cache")
			stored = false
		}
	}
	if err := c.store.Put(ctx, key, entry); err != nil {
		c.log.Warn().Err(err).Str("key", key.String()).Msg("Could not write to cache")
		stored = false
	}
	// the Vary set changed since the lookup
	if f.key != key && f.key != base {
		c.remove(ctx, f.key)
	}
	c.log.Trace().Str("key", key.String()).Strs("encodings", encodingNames(entry.Encodings())).Msg("Stored entry")
	return key, stored
}

func encodingNames(encodings []codec.Encoding) []string {
	names := make([]string, len(encodings))
	for i, e := range encodings {
		names[i] = e.String()
	}
	return names
}
