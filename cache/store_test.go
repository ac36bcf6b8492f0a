package cache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	cachekey "github.com/always-cache/transcache/pkg/cache-key"
	"github.com/always-cache/transcache/pkg/codec"
)

func testKey(path, vary string) cachekey.Key {
	return cachekey.Key{Namespace: "test", Method: "GET", URL: "http://example.com" + path, Vary: vary}
}

func testEntry(etag string, body string) *Entry {
	now := time.Now().Truncate(time.Millisecond)
	rep := func(enc codec.Encoding, b string) *Representation {
		return &Representation{Encoding: enc, Body: []byte(b), ETag: etag, LastModified: now, StoredAt: now}
	}
	return &Entry{
		VaryHeaders: []string{"accept-language"},
		Representations: map[codec.Encoding]*Representation{
			codec.Identity: rep(codec.Identity, body),
			codec.GZip:     rep(codec.GZip, "gz:"+body),
		},
		ETag:         etag,
		LastModified: now,
		StoredAt:     now,
		Expires:      now.Add(time.Hour),
		Status:       http.StatusOK,
		Header:       http.Header{"Content-Type": {"text/plain"}},
		Encodable:    true,
	}
}

func assertSameEntry(t *testing.T, want, got *Entry) {
	t.Helper()
	if got.ETag != want.ETag || got.Status != want.Status || got.Encodable != want.Encodable {
		t.Fatalf("entry fields differ: want %+v, got %+v", want, got)
	}
	if !got.StoredAt.Equal(want.StoredAt) || !got.Expires.Equal(want.Expires) || !got.LastModified.Equal(want.LastModified) {
		t.Fatalf("entry times differ: want %+v, got %+v", want, got)
	}
	if got.Header.Get("Content-Type") != want.Header.Get("Content-Type") {
		t.Fatalf("entry header differs: %v", got.Header)
	}
	if len(got.VaryHeaders) != len(want.VaryHeaders) {
		t.Fatalf("vary headers differ: %v", got.VaryHeaders)
	}
	if len(got.Representations) != len(want.Representations) {
		t.Fatalf("expected %d representations, got %d", len(want.Representations), len(got.Representations))
	}
	for enc, rep := range want.Representations {
		other, ok := got.Representations[enc]
		if !ok {
			t.Fatalf("missing representation %s", enc)
		}
		if !bytes.Equal(rep.Body, other.Body) || rep.ETag != other.ETag || other.Encoding != enc {
			t.Fatalf("representation %s differs", enc)
		}
	}
}

// testStoreContract checks the behavior every Store must provide.
func testStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	key := testKey("/contract", "")
	varyKey := testKey("/contract", "accept-language: en")

	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	first := testEntry(`"1"`, "first")
	if err := store.Put(ctx, key, first); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	assertSameEntry(t, first, got)

	if _, err := store.Get(ctx, varyKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("vary key should be distinct, got %v", err)
	}

	second := testEntry(`"2"`, "second")
	if err := store.Put(ctx, key, second); err != nil {
		t.Fatal(err)
	}
	got, err = store.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	assertSameEntry(t, second, got)

	markerKey := testKey("/marker", "")
	if err := store.Put(ctx, markerKey, NewMarker([]string{"accept-language"}, time.Now(), time.Time{})); err != nil {
		t.Fatal(err)
	}
	marker, err := store.Get(ctx, markerKey)
	if err != nil {
		t.Fatal(err)
	}
	if !marker.IsMarker() || len(marker.VaryHeaders) != 1 {
		t.Fatalf("expected a marker entry, got %+v", marker)
	}
	if err := store.Remove(ctx, markerKey); err != nil {
		t.Fatal(err)
	}

	if err := store.Remove(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
	if err := store.Remove(ctx, key); err != nil {
		t.Fatalf("removing a missing key should succeed, got %v", err)
	}

	purger, ok := store.(Purger)
	if !ok {
		return
	}
	if err := store.Put(ctx, key, first); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, varyKey, second); err != nil {
		t.Fatal(err)
	}
	if err := purger.Purge(ctx); err != nil {
		t.Fatal(err)
	}
	for _, k := range []cachekey.Key{key, varyKey} {
		if _, err := store.Get(ctx, k); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after purge, got %v", err)
		}
	}
}

func TestMemoryStoreContract(t *testing.T) {
	testStoreContract(t, NewMemoryStore(0, 0))
}

func TestSQLiteStoreContract(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	testStoreContract(t, store)
}

func TestLevelDBStoreContract(t *testing.T) {
	store, err := NewLevelDBStore("")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	testStoreContract(t, store)
}

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := NewRedisStoreWithClient(context.Background(), client, "test", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStoreContract(t *testing.T) {
	store, _ := newTestRedisStore(t)
	testStoreContract(t, store)
}

func TestRedisStoreRetainsStaleEntries(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()
	key := testKey("/ttl", "")
	entry := testEntry(`"1"`, "body")
	entry.Expires = time.Now().Add(10 * time.Second)
	if err := store.Put(ctx, key, entry); err != nil {
		t.Fatal(err)
	}
	ttl := mr.TTL(store.buildFullKey(key))
	if ttl < 60*time.Second || ttl > 70*time.Second {
		t.Fatalf("expected ttl of expiry plus retention, got %v", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected entry to be gone, got %v", err)
	}
}

func TestRedisStoreDropsCorruptEntries(t *testing.T) {
	store, mr := newTestRedisStore(t)
	key := testKey("/corrupt", "")
	mr.Set(store.buildFullKey(key), "{not json")
	if _, err := store.Get(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if mr.Exists(store.buildFullKey(key)) {
		t.Fatal("corrupt entry should have been deleted")
	}
}

func TestTieredStoreContract(t *testing.T) {
	next, err := NewLevelDBStore("")
	if err != nil {
		t.Fatal(err)
	}
	defer next.Close()
	testStoreContract(t, NewTieredStore(NewMemoryStore(0, 0), next, nil))
}

func TestTieredStoreBackfills(t *testing.T) {
	ctx := context.Background()
	first, next := NewMemoryStore(0, 0), NewMemoryStore(0, 0)
	tiered := NewTieredStore(first, next, nil)
	key := testKey("/backfill", "")
	entry := testEntry(`"1"`, "body")
	if err := next.Put(ctx, key, entry); err != nil {
		t.Fatal(err)
	}
	if _, err := tiered.Get(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Get(ctx, key); err != nil {
		t.Fatalf("expected entry to be copied to the first tier, got %v", err)
	}
}

type failingPutStore struct {
	Store
}

func (failingPutStore) Put(ctx context.Context, key cachekey.Key, entry *Entry) error {
	return errors.New("disk full")
}

func TestTieredStoreLogsFailedBackfill(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	logger := zerolog.New(&logs)
	next := NewMemoryStore(0, 0)
	tiered := NewTieredStore(failingPutStore{NewMemoryStore(0, 0)}, next, &logger)
	key := testKey("/backfill", "")
	if err := next.Put(ctx, key, testEntry(`"1"`, "body")); err != nil {
		t.Fatal(err)
	}
	if _, err := tiered.Get(ctx, key); err != nil {
		t.Fatalf("a failed backfill should not fail the read: %v", err)
	}
	if !bytes.Contains(logs.Bytes(), []byte("disk full")) {
		t.Fatalf("backfill error not logged: %s", logs.String())
	}
}

func TestInstrumentedStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	store, err := Instrumented(NewMemoryStore(0, 0), reg, "memory")
	if err != nil {
		t.Fatal(err)
	}
	testStoreContract(t, store)
	if got := testutil.ToFloat64(store.operations.WithLabelValues("get", "hit")); got < 2 {
		t.Fatalf("expected get hits to be counted, got %v", got)
	}
	if got := testutil.ToFloat64(store.operations.WithLabelValues("purge", "success")); got != 1 {
		t.Fatalf("expected one purge, got %v", got)
	}
	if _, err := Instrumented(NewMemoryStore(0, 0), reg, "memory"); err == nil {
		t.Fatal("registering the same collectors twice should fail")
	}
}

func TestMemoryStoreEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	entry := testEntry(`"1"`, "body")
	store := NewMemoryStore(entry.Weight()*3, 0)
	a, b, c, d := testKey("/a", ""), testKey("/b", ""), testKey("/c", ""), testKey("/d", "")
	for _, k := range []cachekey.Key{a, b, c} {
		if err := store.Put(ctx, k, entry); err != nil {
			t.Fatal(err)
		}
	}
	// touch a so that b is the least recently used
	if _, err := store.Get(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, d, entry); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, b); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected b to be evicted, got %v", err)
	}
	for _, k := range []cachekey.Key{a, c, d} {
		if _, err := store.Get(ctx, k); err != nil {
			t.Fatalf("expected %s to be kept, got %v", k, err)
		}
	}
	if store.TotalSize() > entry.Weight()*3 {
		t.Fatalf("store exceeds its limit: %d", store.TotalSize())
	}
}

func TestMemoryStoreMaxEntries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0, 2)
	for _, p := range []string{"/a", "/b", "/c"} {
		if err := store.Put(ctx, testKey(p, ""), testEntry(`"1"`, "x")); err != nil {
			t.Fatal(err)
		}
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", store.Len())
	}
}

func TestMemoryStoreRejectsOversizedEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(64, 0)
	if err := store.Put(ctx, testKey("/big", ""), testEntry(`"1"`, "this body is too large")); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 0 {
		t.Fatal("oversized entry should not be stored")
	}
}
