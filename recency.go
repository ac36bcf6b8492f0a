package transcache

import (
	"sync"
	"sync/atomic"

	"github.com/always-cache/transcache/cache"
	cachekey "github.com/always-cache/transcache/pkg/cache-key"
	"github.com/always-cache/transcache/pkg/codec"

	"github.com/cespare/xxhash/v2"
)

const (
	recencyShards = 32
	// a shard that tracks more keys than this starts over
	recencyKeysPerShard = 4096
)

// recencyTracker remembers when each representation of a key was last negotiated.
// It lives in process memory only; after a restart every representation ties
// and eviction falls back to the oldest StoredAt.
type recencyTracker struct {
	clock  atomic.Uint64
	shards [recencyShards]recencyShard
}

type recencyShard struct {
	mu   sync.Mutex
	keys map[cachekey.Key]*[len(codec.All)]uint64
}

func newRecencyTracker() *recencyTracker {
	t := &recencyTracker{}
	for i := range t.shards {
		t.shards[i].keys = make(map[cachekey.Key]*[len(codec.All)]uint64)
	}
	return t
}

func (t *recencyTracker) shard(key cachekey.Key) *recencyShard {
	return &t.shards[xxhash.Sum64String(key.String())%recencyShards]
}

// touch records that e was negotiated for key.
func (t *recencyTracker) touch(key cachekey.Key, e codec.Encoding) {
	if !e.Valid() {
		return
	}
	tick := t.clock.Add(1)
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.keys[key]
	if !ok {
		if len(s.keys) >= recencyKeysPerShard {
			clear(s.keys)
		}
		seen = new([len(codec.All)]uint64)
		s.keys[key] = seen
	}
	seen[e] = tick
}

// leastRecent returns the stored encoding of entry, other than keep, that was
// negotiated longest ago.
func (t *recencyTracker) leastRecent(key cachekey.Key, entry *cache.Entry, keep codec.Encoding) (codec.Encoding, bool) {
	s := t.shard(key)
	s.mu.Lock()
	var seen [len(codec.All)]uint64
	if tracked, ok := s.keys[key]; ok {
		seen = *tracked
	}
	s.mu.Unlock()

	var victim *cache.Representation
	for _, e := range entry.Encodings() {
		if e == keep {
			continue
		}
		rep := entry.Representations[e]
		switch {
		case victim == nil:
			victim = rep
		case seen[e] < seen[victim.Encoding]:
			victim = rep
		case seen[e] == seen[victim.Encoding] && rep.StoredAt.Before(victim.StoredAt):
			victim = rep
		}
	}
	if victim == nil {
		return codec.Identity, false
	}
	return victim.Encoding, true
}

func (t *recencyTracker) forget(key cachekey.Key) {
	s := t.shard(key)
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
}

func (t *recencyTracker) reset() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		clear(s.keys)
		s.mu.Unlock()
	}
}
