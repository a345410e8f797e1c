package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	core "github.com/orion-trading/tec/internal/app/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orion_tec",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orion_tec",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orion_tec",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to 2.56s
		},
		[]string{"method", "path"},
	)

	outboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orion_tec",
			Subsystem: "outbox",
			Name:      "pending_rows",
			Help:      "Outbox rows observed with publishedAt IS NULL at the last relay poll.",
		},
	)

	outboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orion_tec",
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Total outbox rows successfully published to the log.",
		},
		[]string{"entity_type"},
	)

	outboxDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orion_tec",
			Subsystem: "outbox",
			Name:      "dead_lettered_total",
			Help:      "Total outbox rows routed to the dead-letter table after exhausting retries.",
		},
		[]string{"entity_type"},
	)

	outboxRelayLag = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orion_tec",
			Subsystem: "outbox",
			Name:      "relay_lag_seconds",
			Help:      "Time between outbox row creation and successful publish.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"entity_type"},
	)

	consumerProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orion_tec",
			Subsystem: "consumer",
			Name:      "events_processed_total",
			Help:      "Total events applied by a consumer group (excludes dedup hits).",
		},
		[]string{"consumer_group", "event_type"},
	)

	consumerDeduped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orion_tec",
			Subsystem: "consumer",
			Name:      "events_deduped_total",
			Help:      "Total events rejected by the processed-event uniqueness check.",
		},
		[]string{"consumer_group"},
	)

	consumerDLQ = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orion_tec",
			Subsystem: "consumer",
			Name:      "dlq_total",
			Help:      "Total events routed to a consumer's dead-letter queue.",
		},
		[]string{"consumer_group", "reason"},
	)

	marketDataStale = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orion_tec",
			Subsystem: "marketdata",
			Name:      "instrument_stale",
			Help:      "1 if the (instrument,source) heartbeat is currently stale, else 0.",
		},
		[]string{"instrument_id", "source"},
	)

	marketDataTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orion_tec",
			Subsystem: "marketdata",
			Name:      "ticks_total",
			Help:      "Total ticks ingested, by outcome.",
		},
		[]string{"instrument_id", "outcome"},
	)

	coalescedFanoutDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orion_tec",
			Subsystem: "fanout",
			Name:      "coalesced_dropped_total",
			Help:      "Total intermediate ticks dropped by the coalescing fan-out for a slow subscriber.",
		},
		[]string{"instrument_id"},
	)

	observationCollectors sync.Map
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		outboxPending,
		outboxPublished,
		outboxDeadLettered,
		outboxRelayLag,
		consumerProcessed,
		consumerDeduped,
		consumerDLQ,
		marketDataStale,
		marketDataTicks,
		coalescedFanoutDropped,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
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

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordOutboxPublished records a successful outbox-relay publish.
func RecordOutboxPublished(entityType string, lag time.Duration) {
	outboxPublished.WithLabelValues(entityType).Inc()
	if lag > 0 {
		outboxRelayLag.WithLabelValues(entityType).Observe(lag.Seconds())
	}
}

// RecordOutboxDeadLettered records a row routed to the outbox dead-letter table.
func RecordOutboxDeadLettered(entityType string) {
	outboxDeadLettered.WithLabelValues(entityType).Inc()
}

// SetOutboxPending updates the gauge tracking unpublished outbox rows.
func SetOutboxPending(n int) {
	outboxPending.Set(float64(n))
}

// RecordConsumerProcessed records a successfully applied event for a consumer group.
func RecordConsumerProcessed(consumerGroup, eventType string) {
	consumerProcessed.WithLabelValues(consumerGroup, eventType).Inc()
}

// RecordConsumerDeduped records an event rejected as an already-processed duplicate.
func RecordConsumerDeduped(consumerGroup string) {
	consumerDeduped.WithLabelValues(consumerGroup).Inc()
}

// RecordConsumerDLQ records an event routed to a consumer's DLQ.
func RecordConsumerDLQ(consumerGroup, reason string) {
	consumerDLQ.WithLabelValues(consumerGroup, reason).Inc()
}

// SetMarketDataStale updates the staleness gauge for an (instrument, source) pair.
func SetMarketDataStale(instrumentID, source string, stale bool) {
	v := 0.0
	if stale {
		v = 1.0
	}
	marketDataStale.WithLabelValues(instrumentID, source).Set(v)
}

// RecordMarketDataTick records an ingested tick outcome (accepted, dropped, late).
func RecordMarketDataTick(instrumentID, outcome string) {
	marketDataTicks.WithLabelValues(instrumentID, outcome).Inc()
}

// RecordCoalescedDrop records an intermediate tick dropped by the fan-out coalescer.
func RecordCoalescedDrop(instrumentID string) {
	coalescedFanoutDropped.WithLabelValues(instrumentID).Inc()
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

// ObservationHooks creates core observation hooks backed by Prometheus metrics.
func ObservationHooks(namespace, subsystem, name string) core.ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = createObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return core.ObservationHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Inc()
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func createObservationCollector(namespace, subsystem, name string) observationCollector {
	name = strings.ReplaceAll(name, "-", "_")
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_in_flight",
			Help:      "Current operations in flight for " + subsystem,
		},
		[]string{"resource"},
	)
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_duration_seconds",
			Help:      "Duration of operations for " + subsystem,
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"resource", "status"},
	)
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	if id, ok := meta["rfq_id"]; ok && id != "" {
		return id
	}
	if id, ok := meta["order_id"]; ok && id != "" {
		return id
	}
	if id, ok := meta["trade_id"]; ok && id != "" {
		return id
	}
	if id, ok := meta["instrument_id"]; ok && id != "" {
		return id
	}
	return "unknown"
}

// RFQCoordinatorHooks captures RFQ command handling (create/recordQuote/accept/cancel).
func RFQCoordinatorHooks() core.ObservationHooks {
	return ObservationHooks("orion_tec", "rfq", "commands")
}

// OrderServiceHooks captures order command handling.
func OrderServiceHooks() core.ObservationHooks {
	return ObservationHooks("orion_tec", "oms", "commands")
}

// ExecutionSagaHooks captures execution-saga trade creation attempts.
func ExecutionSagaHooks() core.DispatchHooks {
	return ObservationHooks("orion_tec", "execution", "saga")
}

// SettlementSagaHooks captures settlement retry attempts.
func SettlementSagaHooks() core.DispatchHooks {
	return ObservationHooks("orion_tec", "posttrade", "settlement")
}

// OutboxRelayHooks captures relay publish attempts.
func OutboxRelayHooks() core.DispatchHooks {
	return ObservationHooks("orion_tec", "outbox", "relay")
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

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	return "/" + parts[0] + "/:id"
}
