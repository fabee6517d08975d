package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for OptionLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreBatchesApplied  prometheus.Counter
	CoreBatchesRejected *prometheus.CounterVec
	CoreActionsApplied  *prometheus.CounterVec
	CoreBatchDuration   prometheus.Histogram
	CoreJournals        *prometheus.CounterVec
	CoreSequence        prometheus.Gauge
	CoreVaults          prometheus.Gauge

	// --- Settlement ---
	SettlementsTotal   prometheus.Counter
	SettlementPayouts  *prometheus.CounterVec
	RedemptionsTotal   prometheus.Counter
	RedemptionPayouts  *prometheus.CounterVec
	InstrumentsCreated prometheus.Counter

	// --- Oracle ---
	OracleLookups     *prometheus.CounterVec
	OracleCacheHits   prometheus.Counter
	OracleCacheMisses prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize     *prometheus.GaugeVec
	ChannelCapacity *prometheus.GaugeVec
	PublishDrops    prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec

	// --- Persistence ---
	PersistBatchesWritten  prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- API ---
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		CoreBatchesApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_core_batches_applied_total",
			Help: "Action batches committed by the core",
		}),

		CoreBatchesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_core_batches_rejected_total",
			Help: "Action batches rejected, by error kind",
		}, []string{"kind"}),

		CoreActionsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_core_actions_applied_total",
			Help: "Actions applied in committed batches",
		}, []string{"action"}),

		CoreBatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "optl_core_batch_duration_seconds",
			Help:    "Time to apply one batch in the core",
			Buckets: latencyBuckets,
		}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_core_sequence",
			Help: "Current global sequence number",
		}),

		CoreVaults: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_core_vaults",
			Help: "Vaults opened",
		}),

		SettlementsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_settlements_total",
			Help: "Vaults settled",
		}),

		SettlementPayouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_settlement_payout_total",
			Help: "Collateral returned to vault owners (human units)",
		}, []string{"asset"}),

		RedemptionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_redemptions_total",
			Help: "Redeem actions applied",
		}),

		RedemptionPayouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_redemption_payout_total",
			Help: "Collateral paid to long holders (human units)",
		}, []string{"asset"}),

		InstrumentsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_instruments_created_total",
			Help: "Instruments created",
		}),

		OracleLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_oracle_lookups_total",
			Help: "Oracle price lookups by outcome",
		}, []string{"outcome"}),

		OracleCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_oracle_cache_hits_total",
			Help: "Finalized prices served from cache",
		}),

		OracleCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_oracle_cache_misses_total",
			Help: "Price lookups that missed the cache",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optl_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optl_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_idempotency_duplicates_total",
			Help: "Duplicate batches caught (lru/postgres)",
		}, []string{"tier"}),

		PersistBatchesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_persist_batches_written_total",
			Help: "Batches written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "optl_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "optl_persist_batch_size",
			Help:    "Batches per flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_api_requests_total",
			Help: "API requests",
		}, []string{"method", "code"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optl_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method"}),
	}
}

// SetChannelMetrics updates channel occupancy metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
