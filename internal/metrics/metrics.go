// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/transferdesk/internal/store"
)

const namespace = "transferdesk"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	storeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "calls_total",
			Help:      "Store calls by operation, collection and outcome.",
		},
		[]string{"op", "collection", "outcome"},
	)

	storeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "call_duration_seconds",
			Help:      "Duration of one-shot store calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"op"},
	)

	liveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "livesync",
			Name:      "subscriptions",
			Help:      "Currently open live queries.",
		},
	)

	notices = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notices_total",
			Help:      "Toast notices emitted by severity.",
		},
		[]string{"severity"},
	)

	quotaTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "trips_total",
			Help:      "Times the quota breaker tripped.",
		},
	)

	aggregateRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregate",
			Name:      "refreshes_total",
			Help:      "Aggregate refresh calls by result (cached, fetched, failed).",
		},
		[]string{"result"},
	)

	confirmCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "confirm",
			Name:      "commits_total",
			Help:      "Confirmed destructive actions by action and outcome.",
		},
		[]string{"action", "outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		storeCalls,
		storeDuration,
		liveSubscriptions,
		notices,
		quotaTrips,
		aggregateRefreshes,
		confirmCommits,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordNotice counts an emitted toast.
func RecordNotice(severity string) {
	notices.WithLabelValues(severity).Inc()
}

// RecordQuotaTrip counts a breaker trip.
func RecordQuotaTrip() {
	quotaTrips.Inc()
}

// RecordAggregateRefresh counts an aggregate refresh by result.
func RecordAggregateRefresh(result string) {
	aggregateRefreshes.WithLabelValues(result).Inc()
}

// RecordConfirmCommit counts a committed destructive action.
func RecordConfirmCommit(action string, err error) {
	confirmCommits.WithLabelValues(action, outcome(err)).Inc()
}

// SubscriptionOpened and SubscriptionClosed track open live queries.
func SubscriptionOpened() { liveSubscriptions.Inc() }
func SubscriptionClosed() { liveSubscriptions.Dec() }

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case store.IsQuotaExhausted(err):
		return "quota"
	default:
		return "error"
	}
}

// =============================================================================
// Store instrumentation
// =============================================================================

// InstrumentedStore counts every store call.
type InstrumentedStore struct {
	next store.Store
}

// InstrumentStore wraps next with call counters.
func InstrumentStore(next store.Store) *InstrumentedStore {
	return &InstrumentedStore{next: next}
}

func observe(op, coll string, start time.Time, err error) {
	storeCalls.WithLabelValues(op, coll, outcome(err)).Inc()
	storeDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

type countedSubscription struct {
	store.Subscription
	closed chan struct{}
}

func (s *countedSubscription) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
		SubscriptionClosed()
	}
	return s.Subscription.Close()
}

func (m *InstrumentedStore) Subscribe(ctx context.Context, q store.Query, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) (store.Subscription, error) {
	start := time.Now()
	sub, err := m.next.Subscribe(ctx, q, onSnapshot, func(err error) {
		storeCalls.WithLabelValues("subscription", q.Collection, outcome(err)).Inc()
		if onError != nil {
			onError(err)
		}
	})
	observe("subscribe", q.Collection, start, err)
	if err != nil {
		return nil, err
	}
	SubscriptionOpened()
	return &countedSubscription{Subscription: sub, closed: make(chan struct{})}, nil
}

func (m *InstrumentedStore) GetOnce(ctx context.Context, q store.Query) ([]store.Document, error) {
	start := time.Now()
	docs, err := m.next.GetOnce(ctx, q)
	observe("get_once", q.Collection, start, err)
	return docs, err
}

func (m *InstrumentedStore) Insert(ctx context.Context, coll string, doc any) (string, error) {
	start := time.Now()
	id, err := m.next.Insert(ctx, coll, doc)
	observe("insert", coll, start, err)
	return id, err
}

func (m *InstrumentedStore) Update(ctx context.Context, coll, id string, patch map[string]any) error {
	start := time.Now()
	err := m.next.Update(ctx, coll, id, patch)
	observe("update", coll, start, err)
	return err
}

func (m *InstrumentedStore) Delete(ctx context.Context, coll, id string) error {
	start := time.Now()
	err := m.next.Delete(ctx, coll, id)
	observe("delete", coll, start, err)
	return err
}

func (m *InstrumentedStore) BatchDelete(ctx context.Context, coll string, ids []string) error {
	start := time.Now()
	err := m.next.BatchDelete(ctx, coll, ids)
	observe("batch_delete", coll, start, err)
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses ids out of action paths so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 3 && (parts[0] == "requests" || parts[0] == "notifications" || parts[0] == "conversations") {
		return "/" + parts[0] + "/:id/" + strings.Join(parts[2:], "/")
	}
	if len(parts) == 2 && (parts[0] == "requests" || parts[0] == "notifications" || parts[0] == "conversations") {
		return "/" + parts[0] + "/:id"
	}
	return "/" + trimmed
}
