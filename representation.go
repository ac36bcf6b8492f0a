package transcache

import (
	"context"
	"net/http"

	"github.com/always-cache/transcache/cache"
	cachekey "github.com/always-cache/transcache/pkg/cache-key"
	"github.com/always-cache/transcache/pkg/codec"
	"github.com/always-cache/transcache/pkg/negotiate"
	"github.com/always-cache/transcache/rfc9211"
)

type decisionKind int

const (
	decisionMiss decisionKind = iota
	decisionHit
	decisionTranscode
)

type decision struct {
	kind decisionKind
	// encoding is what the client gets
	encoding codec.Encoding
	// source is the stored representation a transcode starts from
	source codec.Encoding
}

// decide picks between serving a stored representation, transcoding one, or
// going upstream.
func (c *Cache) decide(entry *cache.Entry, negotiated negotiate.Result) decision {
	if entry == nil || entry.IsMarker() {
		return decision{kind: decisionMiss}
	}
	target := negotiated.Encoding
	if !entry.Encodable {
		target = codec.Identity
	}
	if entry.Has(target) {
		return decision{kind: decisionHit, encoding: target}
	}
	for _, source := range c.sources {
		if entry.Has(source) && c.codecs.Enabled(source) {
			return decision{kind: decisionTranscode, encoding: target, source: source}
		}
	}
	return decision{kind: decisionMiss}
}

func newRepresentation(entry *cache.Entry, e codec.Encoding, body []byte) *cache.Representation {
	return &cache.Representation{
		Encoding:     e,
		Body:         body,
		ETag:         entry.ETag,
		LastModified: entry.LastModified,
		StoredAt:     entry.StoredAt,
		Expires:      entry.Expires,
	}
}

// serveEntry writes the response for a cached entry, transcoding if needed.
// It returns false if the entry could not be used; the entry is removed then.
func (c *Cache) serveEntry(w http.ResponseWriter, req request, key cachekey.Key, entry *cache.Entry, cs *rfc9211.CacheStatus, filled bool) bool {
	var supported []codec.Encoding
	if entry.Encodable {
		supported = c.supported(req.encodable)
	}
	negotiated, err := negotiate.Negotiate(req.accept, supported, entry.Encodings())
	if err != nil {
		c.notAcceptable(w, req.r, *cs)
		return true
	}

	d := c.decide(entry, negotiated)
	var rep *cache.Representation
	switch d.kind {
	case decisionHit:
		rep = entry.Representations[d.encoding]
	case decisionTranscode:
		var reps []*cache.Representation
		rep, reps, err = c.transcode(entry, d)
		if err != nil {
			c.log.Warn().Err(err).
				Str("key", key.String()).
				Str("from", d.source.String()).
				Str("to", d.encoding.String()).
				Msg("Could not transcode cached representation")
			c.metrics.transcodes.WithLabelValues(d.source.String(), d.encoding.String(), "error").Inc()
			c.remove(req.r.Context(), key)
			return false
		}
		c.metrics.transcodes.WithLabelValues(d.source.String(), d.encoding.String(), "ok").Inc()
		cs.Detail = "transcoded"
		c.log.Trace().Str("key", key.String()).Str("from", d.source.String()).Str("to", d.encoding.String()).Msg("Transcoded")
		c.scheduleWriteBack(key, entry, reps...)
	default:
		c.remove(req.r.Context(), key)
		return false
	}

	if !filled {
		cs.Hit()
	}
	c.recency.touch(key, rep.Encoding)
	status := c.writeEntry(w, req.r, entry, rep, *cs)
	c.logRequest(req.r, *cs, status, rep.Encoding)
	return true
}

// transcode produces the representation for d from the stored source.
// reps are the representations worth writing back.
func (c *Cache) transcode(entry *cache.Entry, d decision) (*cache.Representation, []*cache.Representation, error) {
	source := entry.Representations[d.source]
	body, identity, err := c.codecs.Transcode(d.source, d.encoding, source.Body)
	if err != nil {
		return nil, nil, err
	}
	rep := newRepresentation(entry, d.encoding, body)
	reps := []*cache.Representation{rep}
	if c.keepIdentity && d.encoding != codec.Identity && !entry.Has(codec.Identity) {
		reps = append(reps, newRepresentation(entry, codec.Identity, identity))
	}
	return rep, reps, nil
}

// scheduleWriteBack stores transcoded representations in the background.
// It is skipped when all write-back slots are busy.
func (c *Cache) scheduleWriteBack(key cachekey.Key, base *cache.Entry, reps ...*cache.Representation) {
	if !c.writeBacks.TryAcquire(1) {
		c.metrics.writeBacks.WithLabelValues("skipped").Inc()
		return
	}
	c.pendingBacks.Add(1)
	go func() {
		defer c.pendingBacks.Done()
		defer c.writeBacks.Release(1)
		if !c.fills.tryDo(key, func() { c.writeBack(key, base, reps) }) {
			c.metrics.writeBacks.WithLabelValues("busy").Inc()
		}
	}()
}

// writeBack adds reps to the stored entry if it still is the one they were made from.
func (c *Cache) writeBack(key cachekey.Key, base *cache.Entry, reps []*cache.Representation) {
	ctx := context.Background()
	current, err := c.store.Get(ctx, key)
	if err != nil || !current.SameState(base) {
		c.metrics.writeBacks.WithLabelValues("conflict").Inc()
		return
	}
	updated := c.enforceCap(key, current.With(reps...), reps[0].Encoding)
	if err := c.store.Put(ctx, key, updated); err != nil {
		c.log.Warn().Err(err).Str("key", key.String()).Msg("Could not write back representation")
		c.metrics.writeBacks.WithLabelValues("error").Inc()
		return
	}
	c.metrics.writeBacks.WithLabelValues("stored").Inc()
}

// enforceCap evicts the least recently negotiated representations beyond
// MaxRepresentations. keep is never evicted.
func (c *Cache) enforceCap(key cachekey.Key, entry *cache.Entry, keep codec.Encoding) *cache.Entry {
	limit := c.config.MaxRepresentations
	for limit > 0 && len(entry.Representations) > limit {
		victim, ok := c.recency.leastRecent(key, entry, keep)
		if !ok {
			break
		}
		c.log.Trace().Str("key", key.String()).Str("encoding", victim.String()).Msg("Evicting representation")
		entry = entry.Without(victim)
	}
	return entry
}
