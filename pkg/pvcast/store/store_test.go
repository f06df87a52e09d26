package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/helioforge/pvcast/pkg/pvcast/weather"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertInsertAndDuplicate(t *testing.T) {
	s := openTestStore(t)

	rec := weather.Record{
		Timestamp:   1700000000,
		GHI:         412.5,
		DHI:         180.0,
		DNI:         520.3,
		CloudCover:  weather.Float(40),
		Temperature: weather.Float(11.2),
	}

	inserted, err := s.Upsert("mosmix", rec)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if !inserted {
		t.Error("expected first Upsert to insert")
	}

	// Same key again, even with different values: original record wins.
	rec2 := rec
	rec2.GHI = 999.0
	inserted, err = s.Upsert("mosmix", rec2)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if inserted {
		t.Error("expected duplicate Upsert to be ignored")
	}

	records, err := s.WeatherRange("mosmix",
		time.Unix(1700000000, 0), time.Unix(1700000001, 0))
	if err != nil {
		t.Fatalf("WeatherRange() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].GHI != 412.5 {
		t.Errorf("expected original GHI 412.5 preserved, got %v", records[0].GHI)
	}
	if records[0].CloudCover == nil || *records[0].CloudCover != 40 {
		t.Errorf("cloud cover round trip failed: %v", records[0].CloudCover)
	}
	if records[0].WindSpeed != nil {
		t.Errorf("expected absent wind speed to stay nil, got %v", *records[0].WindSpeed)
	}
}

func TestUpsertSourcesIndependent(t *testing.T) {
	s := openTestStore(t)

	rec := weather.Record{Timestamp: 1700000000, GHI: 100}
	for _, source := range []string{"mosmix", "openmeteo"} {
		inserted, err := s.Upsert(source, rec)
		if err != nil {
			t.Fatalf("Upsert(%s) error = %v", source, err)
		}
		if !inserted {
			t.Errorf("expected insert for source %s", source)
		}
	}
}

func TestExistingTimestamps(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, h := range []int{0, 1, 3} {
		ts := base.Add(time.Duration(h) * time.Hour).Unix()
		if _, err := s.Upsert("hostrada", weather.Record{Timestamp: ts, GHI: 50}); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	existing, err := s.ExistingTimestamps("hostrada", base, base.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("ExistingTimestamps() error = %v", err)
	}
	if len(existing) != 3 {
		t.Fatalf("expected 3 timestamps, got %d", len(existing))
	}
	if _, ok := existing[base.Add(2*time.Hour).Unix()]; ok {
		t.Error("hour 2 was never inserted but reported as existing")
	}
}

func TestForecastIssueKeying(t *testing.T) {
	s := openTestStore(t)

	issued := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	target := issued.Add(12 * time.Hour)
	issue := weather.Issue{
		Source:     "mosmix",
		IssuedAt:   issued,
		TargetTime: target,
		Record:     weather.Record{Timestamp: target.Unix(), GHI: 300},
	}

	inserted, err := s.InsertIssue(issue)
	if err != nil {
		t.Fatalf("InsertIssue() error = %v", err)
	}
	if !inserted {
		t.Error("expected first issue to insert")
	}

	// Same target from a later issue is a distinct row, not a duplicate.
	later := issue
	later.IssuedAt = issued.Add(6 * time.Hour)
	later.Record.GHI = 280
	inserted, err = s.InsertIssue(later)
	if err != nil {
		t.Fatalf("InsertIssue() error = %v", err)
	}
	if !inserted {
		t.Error("expected later issue for same target to insert")
	}

	issues, err := s.IssuesInRange(target, target.Add(time.Hour))
	if err != nil {
		t.Fatalf("IssuesInRange() error = %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(issues))
	}
	if issues[0].Horizon() != 12*time.Hour {
		t.Errorf("expected 12h horizon, got %v", issues[0].Horizon())
	}
}

func TestProvenanceRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := weather.Record{
		Timestamp: 1700000000,
		GHI:       200,
		DHI:       90,
		DNI:       150,
		Estimated: weather.EstimatedDHI | weather.EstimatedDNI,
	}
	if _, err := s.Upsert("mosmix", rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	records, err := s.WeatherRange("mosmix",
		time.Unix(1700000000, 0), time.Unix(1700000001, 0))
	if err != nil {
		t.Fatalf("WeatherRange() error = %v", err)
	}
	got := records[0].Estimated
	if !got.Has(weather.EstimatedDHI) || !got.Has(weather.EstimatedDNI) {
		t.Errorf("provenance flags lost in round trip: %v", got)
	}
	if got.Has(weather.EstimatedHumidity) {
		t.Error("unexpected humidity provenance flag")
	}
}

func TestReadings(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertReading(Reading{Timestamp: 1700000000, ProductionW: 4200}); err != nil {
		t.Fatalf("UpsertReading() error = %v", err)
	}
	// Replacement is allowed for readings: meters get re-exported.
	if err := s.UpsertReading(Reading{Timestamp: 1700000000, ProductionW: 4250}); err != nil {
		t.Fatalf("UpsertReading() error = %v", err)
	}

	n, err := s.ReadingCount()
	if err != nil {
		t.Fatalf("ReadingCount() error = %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reading after replace, got %d", n)
	}
}
