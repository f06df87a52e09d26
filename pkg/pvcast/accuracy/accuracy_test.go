package accuracy

import (
	"math"
	"testing"
	"time"

	"github.com/helioforge/pvcast/pkg/pvcast/weather"
)

func issueAt(source string, issued time.Time, horizon time.Duration, ghi float64) weather.Issue {
	target := issued.Add(horizon)
	return weather.Issue{
		Source:     source,
		IssuedAt:   issued,
		TargetTime: target,
		Record:     weather.Record{Timestamp: target.Unix(), GHI: ghi},
	}
}

func TestBucketFor(t *testing.T) {
	tests := []struct {
		horizon time.Duration
		want    string
	}{
		{0, "0-1h"},
		{30 * time.Minute, "0-1h"},
		{time.Hour, "1-6h"},
		{5 * time.Hour, "1-6h"},
		{12 * time.Hour, "6-24h"},
		{36 * time.Hour, "24-48h"},
		{60 * time.Hour, "48-72h"},
		{100 * time.Hour, ">72h"},
	}
	for _, tt := range tests {
		b, ok := bucketFor(tt.horizon)
		if !ok || b.Name != tt.want {
			t.Errorf("bucketFor(%v) = %q, want %q", tt.horizon, b.Name, tt.want)
		}
	}

	if _, ok := bucketFor(-time.Hour); ok {
		t.Error("negative horizon must not land in a bucket")
	}
}

func TestEvaluate(t *testing.T) {
	issued := time.Date(2024, 6, 15, 6, 0, 0, 0, time.UTC)

	// Two issues at different horizons for the same source, plus one from a
	// second source, all against known truth.
	issues := []weather.Issue{
		issueAt("mosmix", issued, 2*time.Hour, 320),  // truth 300, err +20
		issueAt("mosmix", issued, 3*time.Hour, 360),  // truth 400, err -40
		issueAt("mosmix", issued, 30*time.Hour, 500), // truth 450, err +50
		issueAt("openmeteo", issued, 2*time.Hour, 290),
	}
	truth := map[int64]float64{
		issued.Add(2 * time.Hour).Unix():  300,
		issued.Add(3 * time.Hour).Unix():  400,
		issued.Add(30 * time.Hour).Unix(): 450,
	}

	stats := Evaluate(issues, truth)
	if len(stats) != 3 {
		t.Fatalf("expected 3 (source, bucket) groups, got %d: %+v", len(stats), stats)
	}

	find := func(source, bucket string) *Stats {
		for i := range stats {
			if stats[i].Source == source && stats[i].Bucket == bucket {
				return &stats[i]
			}
		}
		return nil
	}

	near := find("mosmix", "1-6h")
	if near == nil {
		t.Fatal("missing mosmix 1-6h bucket")
	}
	if near.Samples != 2 {
		t.Errorf("samples = %d, want 2", near.Samples)
	}
	if math.Abs(near.MAE-30) > 1e-9 {
		t.Errorf("MAE = %v, want 30", near.MAE)
	}
	if want := math.Sqrt((400.0 + 1600.0) / 2); math.Abs(near.RMSE-want) > 1e-9 {
		t.Errorf("RMSE = %v, want %v", near.RMSE, want)
	}
	if math.Abs(near.Bias-(-10)) > 1e-9 {
		t.Errorf("Bias = %v, want -10", near.Bias)
	}

	day := find("mosmix", "24-48h")
	if day == nil || day.Samples != 1 || math.Abs(day.Bias-50) > 1e-9 {
		t.Errorf("mosmix 24-48h = %+v", day)
	}

	om := find("openmeteo", "1-6h")
	if om == nil || om.Samples != 1 {
		t.Errorf("openmeteo 1-6h = %+v", om)
	}
}

func TestEvaluateSkipsUnmatchedTargets(t *testing.T) {
	issued := time.Date(2024, 6, 15, 6, 0, 0, 0, time.UTC)
	issues := []weather.Issue{
		issueAt("mosmix", issued, 2*time.Hour, 320),
	}

	stats := Evaluate(issues, map[int64]float64{})
	if len(stats) != 0 {
		t.Errorf("issues without truth must be skipped, got %+v", stats)
	}
}
