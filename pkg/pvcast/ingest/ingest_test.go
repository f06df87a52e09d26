package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/helioforge/pvcast/pkg/pvcast/clock"
	"github.com/helioforge/pvcast/pkg/pvcast/weather"
)

type fakeForecast struct {
	records []weather.Record
	err     error
	issued  time.Time
	dropped int
}

func (f *fakeForecast) Name() string { return "fakecast" }

func (f *fakeForecast) FetchForecast(context.Context, int) ([]weather.Record, error) {
	return f.records, f.err
}

func (f *fakeForecast) IssueTime() time.Time { return f.issued }

func (f *fakeForecast) Dropped() int {
	n := f.dropped
	f.dropped = 0
	return n
}

type fakeSink struct {
	records    map[string]map[int64]weather.Record
	issues     []weather.Issue
	upsertErrs map[int64]error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		records:    make(map[string]map[int64]weather.Record),
		upsertErrs: make(map[int64]error),
	}
}

func (f *fakeSink) Upsert(source string, rec weather.Record) (bool, error) {
	if err := f.upsertErrs[rec.Timestamp]; err != nil {
		return false, err
	}
	if f.records[source] == nil {
		f.records[source] = make(map[int64]weather.Record)
	}
	if _, ok := f.records[source][rec.Timestamp]; ok {
		return false, nil
	}
	f.records[source][rec.Timestamp] = rec
	return true, nil
}

func (f *fakeSink) InsertIssue(issue weather.Issue) (bool, error) {
	f.issues = append(f.issues, issue)
	return true, nil
}

func (f *fakeSink) ExistingTimestamps(source string, start, end time.Time) (map[int64]struct{}, error) {
	set := make(map[int64]struct{})
	for ts := range f.records[source] {
		if ts >= start.Unix() && ts < end.Unix() {
			set[ts] = struct{}{}
		}
	}
	return set, nil
}

func forecastRecords(start time.Time, n int) []weather.Record {
	records := make([]weather.Record, n)
	for i := range records {
		records[i] = weather.Record{
			Timestamp: start.Add(time.Duration(i) * time.Hour).Unix(),
			GHI:       float64(100 * (i + 1)),
		}
	}
	return records
}

func TestIngestForecast(t *testing.T) {
	now := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	issued := now.Add(-time.Hour)
	source := &fakeForecast{records: forecastRecords(now, 3), issued: issued}
	sink := newFakeSink()
	svc := New(source, nil, sink, WithClock(clock.NewMockClock(now)))

	summary, err := svc.IngestForecast(context.Background(), 48)
	if err != nil {
		t.Fatalf("IngestForecast() error = %v", err)
	}
	if summary.RunID == "" {
		t.Error("expected a run ID")
	}
	if summary.Inserted != 3 || summary.Duplicates != 0 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(sink.issues) != 3 {
		t.Fatalf("expected 3 forecast issues, got %d", len(sink.issues))
	}
	if !sink.issues[0].IssuedAt.Equal(issued) {
		t.Errorf("issue timestamp = %v, want the product issue time %v",
			sink.issues[0].IssuedAt, issued)
	}

	// A second run over the same forecast is all duplicates for the
	// weather records, while each issue remains individually keyed.
	summary, err = svc.IngestForecast(context.Background(), 48)
	if err != nil {
		t.Fatalf("second IngestForecast() error = %v", err)
	}
	if summary.Inserted != 0 || summary.Duplicates != 3 {
		t.Errorf("second run summary = %+v", summary)
	}
}

func TestIngestForecastReportsDroppedRecords(t *testing.T) {
	now := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	source := &fakeForecast{records: forecastRecords(now, 2), issued: now, dropped: 1}
	svc := New(source, nil, newFakeSink(), WithClock(clock.NewMockClock(now)))

	summary, err := svc.IngestForecast(context.Background(), 48)
	if err != nil {
		t.Fatalf("IngestForecast() error = %v", err)
	}
	if summary.Dropped != 1 {
		t.Errorf("Dropped = %d, want the source's skipped hour counted", summary.Dropped)
	}
	if source.dropped != 0 {
		t.Error("drop count should be drained after the run")
	}
}

func TestIngestForecastFetchFailure(t *testing.T) {
	source := &fakeForecast{err: &weather.ProviderUnavailableError{
		Provider: "fakecast", Attempts: 4, Err: fmt.Errorf("down"),
	}}
	svc := New(source, nil, newFakeSink())

	summary, err := svc.IngestForecast(context.Background(), 48)
	if err == nil {
		t.Fatal("expected error when the fetch fails outright")
	}
	if summary.Failed != 1 || len(summary.Failures) != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestIngestForecastPartialStoreFailure(t *testing.T) {
	now := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	source := &fakeForecast{records: forecastRecords(now, 3), issued: now}
	sink := newFakeSink()
	sink.upsertErrs[now.Add(time.Hour).Unix()] = fmt.Errorf("disk full")
	svc := New(source, nil, sink, WithClock(clock.NewMockClock(now)))

	summary, err := svc.IngestForecast(context.Background(), 48)
	if err != nil {
		t.Fatalf("partial store failure must not abort the run: %v", err)
	}
	if summary.Inserted != 2 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if len(summary.Failures) != 1 {
		t.Errorf("failures = %v", summary.Failures)
	}
}

type fakeHistorical struct {
	records []weather.Record
}

func (f *fakeHistorical) Name() string { return "fakegrid" }

func (f *fakeHistorical) FetchHistorical(_ context.Context, start, end time.Time) ([]weather.Record, error) {
	var out []weather.Record
	for _, rec := range f.records {
		if rec.Timestamp >= start.Unix() && rec.Timestamp < end.Unix() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeHistorical) AvailableRange() (time.Time, time.Time) {
	return time.Date(1995, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
}

func TestBackfill(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	hist := &fakeHistorical{records: forecastRecords(start, 6)}
	sink := newFakeSink()
	svc := New(nil, hist, sink)

	summary, err := svc.Backfill(context.Background(), start, start.Add(6*time.Hour))
	if err != nil {
		t.Fatalf("Backfill() error = %v", err)
	}
	if summary.Inserted != 6 {
		t.Errorf("Inserted = %d, want 6", summary.Inserted)
	}

	// Idempotent second run.
	summary, err = svc.Backfill(context.Background(), start, start.Add(6*time.Hour))
	if err != nil {
		t.Fatalf("second Backfill() error = %v", err)
	}
	if summary.Inserted != 0 {
		t.Errorf("second run inserted %d records", summary.Inserted)
	}
}
