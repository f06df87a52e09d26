// Package metrics exposes the ingestion counters on the default Prometheus
// registry. The daemon serves them over /metrics; one-shot runs register but
// never serve them, which is harmless.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "pvcast"

var (
	// RecordsIngested counts records newly persisted, by source.
	RecordsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "records_ingested_total",
			Help:      "Weather records newly inserted into the store",
		},
		[]string{"source"},
	)

	// RecordsDuplicate counts records already present at insert time.
	RecordsDuplicate = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "records_duplicate_total",
			Help:      "Weather records skipped as already stored",
		},
		[]string{"source"},
	)

	// RecordsDropped counts records rejected before storage.
	RecordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "records_dropped_total",
			Help:      "Weather records dropped during normalization or storage",
		},
		[]string{"source"},
	)

	// FetchFailures counts failed provider fetches, by source and error kind.
	FetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "fetch_failures_total",
			Help:      "Provider fetch failures by error kind",
		},
		[]string{"source", "kind"},
	)

	// IngestRuns counts completed ingestion runs by outcome.
	IngestRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "ingest_runs_total",
			Help:      "Completed ingestion runs by outcome",
		},
		[]string{"mode", "outcome"},
	)

	// LastRunTimestamp records when the last ingestion run finished.
	LastRunTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last completed ingestion run",
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(RecordsIngested)
	prometheus.MustRegister(RecordsDuplicate)
	prometheus.MustRegister(RecordsDropped)
	prometheus.MustRegister(FetchFailures)
	prometheus.MustRegister(IngestRuns)
	prometheus.MustRegister(LastRunTimestamp)
}
