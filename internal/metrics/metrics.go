package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "poolsync"

// Lookup tiers reported by ObserveLookup.
const (
	TierMemory = "memory"
	TierCache  = "cache"
	TierLive   = "live"
	TierMiss   = "miss"
)

// Metrics holds the Prometheus collectors of the sync engine. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	BatchCalls    *prometheus.CounterVec
	BatchChunks   *prometheus.CounterVec
	BatchDuration *prometheus.HistogramVec

	BlocksApplied  *prometheus.CounterVec
	EventsApplied  *prometheus.CounterVec
	DecodeFailures *prometheus.CounterVec
	Resyncs        *prometheus.CounterVec
	LastBlock      *prometheus.GaugeVec

	StateLookups     *prometheus.CounterVec
	TrackedEntities  *prometheus.GaugeVec
	CacheWriteErrors *prometheus.CounterVec
	SuppressedLogs   *prometheus.CounterVec

	FeedBlocks *prometheus.CounterVec
	FeedLogs   *prometheus.CounterVec
	FeedHeight *prometheus.GaugeVec
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BatchCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "multicall",
			Name:      "calls_total",
			Help:      "Calls executed through the batch aggregator by outcome.",
		}, []string{"outcome"}),
		BatchChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "multicall",
			Name:      "chunks_total",
			Help:      "Round-trips issued by the batch aggregator.",
		}, []string{}),
		BatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "multicall",
			Name:      "aggregate_duration_seconds",
			Help:      "Wall time of one aggregate across all of its chunks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{}),

		BlocksApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "blocks_applied_total",
			Help:      "Block batches applied incrementally.",
		}, []string{"dex"}),
		EventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "events_applied_total",
			Help:      "Decoded events applied to entity state.",
		}, []string{"dex"}),
		DecodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "decode_failures_total",
			Help:      "Logs skipped because they could not be decoded.",
		}, []string{"dex"}),
		Resyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "resyncs_total",
			Help:      "Full state reads triggered by initialization or invalid state.",
		}, []string{"dex", "reason"}),
		LastBlock: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "last_block",
			Help:      "Highest block any entity of the dex reflects.",
		}, []string{"dex"}),

		StateLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "state_lookups_total",
			Help:      "Poller state lookups by the tier that answered.",
		}, []string{"tier"}),
		TrackedEntities: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "tracked_entities",
			Help:      "Entities currently included in the polling cycle.",
		}, []string{}),
		CacheWriteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "write_errors_total",
			Help:      "Failed best-effort writes to the shared cache.",
		}, []string{}),
		SuppressedLogs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "suppressed_total",
			Help:      "Repeated log lines dropped by the suppressor.",
		}, []string{"kind"}),

		FeedBlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "blocks_delivered_total",
			Help:      "Block batches handed to the sink.",
		}, []string{}),
		FeedLogs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "logs_delivered_total",
			Help:      "Logs handed to the sink.",
		}, []string{}),
		FeedHeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "height",
			Help:      "Last block delivered by the feed.",
		}, []string{}),
	}
}

func (m *Metrics) ObserveBatch(chunks int, started time.Time) {
	if m == nil {
		return
	}
	m.BatchChunks.WithLabelValues().Add(float64(chunks))
	m.BatchDuration.WithLabelValues().Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveCall(outcome string) {
	if m == nil {
		return
	}
	m.BatchCalls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveBlock(dex string, block uint64, events int) {
	if m == nil {
		return
	}
	m.BlocksApplied.WithLabelValues(dex).Inc()
	m.EventsApplied.WithLabelValues(dex).Add(float64(events))
	m.LastBlock.WithLabelValues(dex).Set(float64(block))
}

func (m *Metrics) ObserveDecodeFailure(dex string) {
	if m == nil {
		return
	}
	m.DecodeFailures.WithLabelValues(dex).Inc()
}

func (m *Metrics) ObserveResync(dex, reason string) {
	if m == nil {
		return
	}
	m.Resyncs.WithLabelValues(dex, reason).Inc()
}

func (m *Metrics) ObserveLookup(tier string) {
	if m == nil {
		return
	}
	m.StateLookups.WithLabelValues(tier).Inc()
}

func (m *Metrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.TrackedEntities.WithLabelValues().Set(float64(n))
}

func (m *Metrics) ObserveCacheWriteError() {
	if m == nil {
		return
	}
	m.CacheWriteErrors.WithLabelValues().Inc()
}

func (m *Metrics) ObserveSuppressed(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SuppressedLogs.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) ObserveDelivered(block uint64, logs int) {
	if m == nil {
		return
	}
	m.FeedBlocks.WithLabelValues().Inc()
	m.FeedLogs.WithLabelValues().Add(float64(logs))
	m.FeedHeight.WithLabelValues().Set(float64(block))
}
