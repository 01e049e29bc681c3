package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Ingest holds the counters for the CDR ingestion pipeline.
type Ingest struct {
	ChunksReceived    prometheus.Counter
	ChunkDecodeErrors prometheus.Counter
	RecordsInserted   prometheus.Counter
	RecordsDuplicate  prometheus.Counter
	RecordsFailed     prometheus.Counter
	BatchesAbandoned  prometheus.Counter
	BatchesInFlight   prometheus.Gauge
	BatchDuration     prometheus.Histogram
	NotifyErrors      prometheus.Counter
}

// NewIngest creates the ingestion metrics and registers them on reg.
// A nil reg leaves the metrics unregistered.
func NewIngest(reg prometheus.Registerer) *Ingest {
	m := &Ingest{
		ChunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdr_ingest_chunks_received_total",
			Help: "Total number of chunks read from the upstream CDR stream",
		}),
		ChunkDecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdr_ingest_chunk_decode_errors_total",
			Help: "Total number of chunks dropped because they were not a JSON array of CDRs",
		}),
		RecordsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdr_ingest_records_inserted_total",
			Help: "Total number of CDRs inserted into storage",
		}),
		RecordsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdr_ingest_records_duplicate_total",
			Help: "Total number of CDRs skipped because they were already stored",
		}),
		RecordsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdr_ingest_records_failed_total",
			Help: "Total number of CDRs whose insert failed",
		}),
		BatchesAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdr_ingest_batches_abandoned_total",
			Help: "Total number of batches abandoned because no connection could be acquired",
		}),
		BatchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cdr_ingest_batches_in_flight",
			Help: "Number of batches currently being persisted",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdr_ingest_batch_persist_duration_seconds",
			Help:    "Time taken to persist one batch",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),
		NotifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdr_ingest_notify_errors_total",
			Help: "Total number of failed ingestion notifications",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ChunksReceived,
			m.ChunkDecodeErrors,
			m.RecordsInserted,
			m.RecordsDuplicate,
			m.RecordsFailed,
			m.BatchesAbandoned,
			m.BatchesInFlight,
			m.BatchDuration,
			m.NotifyErrors,
		)
	}

	return m
}
