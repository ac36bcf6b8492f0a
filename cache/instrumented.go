package cache

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cachekey "github.com/always-cache/transcache/pkg/cache-key"
)

// InstrumentedStore records Prometheus metrics for every operation of the wrapped store.
type InstrumentedStore struct {
	impl       Store
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

// Instrumented wraps impl and registers its collectors with reg.
// The backend label distinguishes several instrumented stores on one registry.
func Instrumented(impl Store, reg prometheus.Registerer, backend string) (*InstrumentedStore, error) {
	s := &InstrumentedStore{
		impl: impl,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "transcache_store_operations_total",
			Help:        "Total number of cache store operations",
			ConstLabels: prometheus.Labels{"backend": backend},
		}, []string{"operation", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "transcache_store_operation_duration_seconds",
			Help:        "Duration of cache store operations",
			ConstLabels: prometheus.Labels{"backend": backend},
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"operation"}),
	}
	for _, c := range []prometheus.Collector{s.operations, s.durations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *InstrumentedStore) Get(ctx context.Context, key cachekey.Key) (*Entry, error) {
	start := time.Now()
	entry, err := s.impl.Get(ctx, key)
	result := "hit"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "miss"
	case err != nil:
		result = "error"
	}
	s.recordMetric("get", result, time.Since(start))
	return entry, err
}

func (s *InstrumentedStore) Put(ctx context.Context, key cachekey.Key, entry *Entry) error {
	start := time.Now()
	err := s.impl.Put(ctx, key, entry)
	s.recordMetric("put", resultOf(err), time.Since(start))
	return err
}

func (s *InstrumentedStore) Remove(ctx context.Context, key cachekey.Key) error {
	start := time.Now()
	err := s.impl.Remove(ctx, key)
	s.recordMetric("remove", resultOf(err), time.Since(start))
	return err
}

// Purge forwards to the wrapped store if it is a Purger.
func (s *InstrumentedStore) Purge(ctx context.Context) error {
	p, ok := s.impl.(Purger)
	if !ok {
		return ErrNotPurgeable
	}
	start := time.Now()
	err := p.Purge(ctx)
	s.recordMetric("purge", resultOf(err), time.Since(start))
	return err
}

func (s *InstrumentedStore) recordMetric(operation, result string, duration time.Duration) {
	s.operations.WithLabelValues(operation, result).Inc()
	s.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
