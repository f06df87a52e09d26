// Package ingest orchestrates one ingestion run: fetch from the configured
// adapter, deduplicate against the store, persist, and report a structured
// summary. Partial success is the expected steady state; a run only errors
// when nothing at all could be ingested.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/helioforge/pvcast/pkg/pvcast/clock"
	"github.com/helioforge/pvcast/pkg/pvcast/continuity"
	"github.com/helioforge/pvcast/pkg/pvcast/metrics"
	"github.com/helioforge/pvcast/pkg/pvcast/weather"
)

// Sink is the store surface an ingestion run writes through.
type Sink interface {
	Upsert(source string, rec weather.Record) (bool, error)
	InsertIssue(issue weather.Issue) (bool, error)
	ExistingTimestamps(source string, start, end time.Time) (map[int64]struct{}, error)
}

// issueTimer is implemented by forecast sources that know when their current
// product was issued. Sources without it fall back to the fetch time.
type issueTimer interface {
	IssueTime() time.Time
}

// dropCounter is implemented by sources that skip undecodable records during
// a fetch. Dropped drains the count accumulated since the last call.
type dropCounter interface {
	Dropped() int
}

// Summary reports the outcome of one run.
type Summary struct {
	RunID      string
	Source     string
	Inserted   int
	Duplicates int
	Dropped    int
	Failed     int
	Failures   []string
}

func (s Summary) String() string {
	return fmt.Sprintf("run %s source=%s inserted=%d duplicates=%d dropped=%d failed=%d",
		s.RunID, s.Source, s.Inserted, s.Duplicates, s.Dropped, s.Failed)
}

// Service runs ingestion against one forecast and one historical source.
type Service struct {
	forecast   weather.ForecastSource
	historical weather.HistoricalSource
	sink       Sink
	clock      clock.Clock
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// New creates an ingestion service. Either source may be nil when the
// corresponding run mode is unused.
func New(forecast weather.ForecastSource, historical weather.HistoricalSource, sink Sink, opts ...Option) *Service {
	s := &Service{
		forecast:   forecast,
		historical: historical,
		sink:       sink,
		clock:      clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IngestForecast fetches the configured forecast source out to horizonHours
// and persists both the weather records and the forecast issues.
func (s *Service) IngestForecast(ctx context.Context, horizonHours int) (Summary, error) {
	summary := Summary{RunID: uuid.New().String(), Source: s.forecast.Name()}
	klog.InfoS("Starting forecast ingestion",
		"runID", summary.RunID, "source", summary.Source, "horizonHours", horizonHours)

	records, err := s.forecast.FetchForecast(ctx, horizonHours)
	if err != nil {
		summary.Failed++
		summary.Failures = append(summary.Failures, err.Error())
		metrics.FetchFailures.WithLabelValues(summary.Source, errorKind(err)).Inc()
		metrics.IngestRuns.WithLabelValues("forecast", "failed").Inc()
		return summary, fmt.Errorf("forecast fetch failed: %v", err)
	}

	if dc, ok := s.forecast.(dropCounter); ok {
		summary.Dropped = dc.Dropped()
	}

	issuedAt := s.clock.Now().UTC()
	if it, ok := s.forecast.(issueTimer); ok && !it.IssueTime().IsZero() {
		issuedAt = it.IssueTime()
	}

	for _, rec := range records {
		inserted, err := s.sink.Upsert(summary.Source, rec)
		if err != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures, err.Error())
			continue
		}
		if inserted {
			summary.Inserted++
		} else {
			summary.Duplicates++
		}

		issue := weather.Issue{
			Source:     summary.Source,
			IssuedAt:   issuedAt,
			TargetTime: time.Unix(rec.Timestamp, 0).UTC(),
			Record:     rec,
		}
		if _, err := s.sink.InsertIssue(issue); err != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures, err.Error())
		}
	}

	s.publish("forecast", summary)
	klog.InfoS("Forecast ingestion complete", "summary", summary.String())
	return summary, nil
}

// Backfill fills gaps in [start, end) from the configured historical source.
func (s *Service) Backfill(ctx context.Context, start, end time.Time) (Summary, error) {
	summary := Summary{RunID: uuid.New().String(), Source: s.historical.Name()}
	klog.InfoS("Starting historical backfill",
		"runID", summary.RunID, "source", summary.Source, "start", start, "end", end)

	mgr := continuity.NewManager(s.historical, s.sink)
	res, err := mgr.Backfill(ctx, start, end)
	summary.Inserted = res.Inserted
	summary.Duplicates = res.Fetched - res.Inserted
	if dc, ok := s.historical.(dropCounter); ok {
		summary.Dropped = dc.Dropped()
	}
	if err != nil {
		summary.Failed++
		summary.Failures = append(summary.Failures, err.Error())
		metrics.FetchFailures.WithLabelValues(summary.Source, errorKind(err)).Inc()
		metrics.IngestRuns.WithLabelValues("backfill", "failed").Inc()
		return summary, err
	}

	s.publish("backfill", summary)
	klog.InfoS("Historical backfill complete",
		"summary", summary.String(), "gaps", res.Gaps)
	return summary, nil
}

func (s *Service) publish(mode string, summary Summary) {
	metrics.RecordsIngested.WithLabelValues(summary.Source).Add(float64(summary.Inserted))
	metrics.RecordsDuplicate.WithLabelValues(summary.Source).Add(float64(summary.Duplicates))
	metrics.RecordsDropped.WithLabelValues(summary.Source).Add(float64(summary.Dropped))
	outcome := "ok"
	if summary.Failed > 0 {
		outcome = "partial"
	}
	metrics.IngestRuns.WithLabelValues(mode, outcome).Inc()
	metrics.LastRunTimestamp.WithLabelValues(mode).Set(float64(s.clock.Now().Unix()))
}

func errorKind(err error) string {
	var unavailable *weather.ProviderUnavailableError
	var parse *weather.ParseError
	var rng *weather.RangeUnavailableError
	switch {
	case errors.As(err, &unavailable):
		return "unavailable"
	case errors.As(err, &parse):
		return "parse"
	case errors.As(err, &rng):
		return "range"
	default:
		return "other"
	}
}
