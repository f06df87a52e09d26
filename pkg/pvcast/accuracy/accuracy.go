// Package accuracy measures forecast skill by lead time: stored forecast
// issues are joined against ground-truth history and scored per source and
// horizon bucket. Because every issue is keyed by (source, issued_at,
// target_time), one target hour contributes once per issue that predicted
// it, at that issue's own horizon.
package accuracy

import (
	"fmt"
	"math"
	"time"

	"k8s.io/klog/v2"

	"github.com/helioforge/pvcast/pkg/pvcast/weather"
)

// Bucket is one horizon band.
type Bucket struct {
	Name string
	Min  time.Duration // inclusive
	Max  time.Duration // exclusive; 0 means unbounded
}

// Buckets are the reporting bands, nearest first.
var Buckets = []Bucket{
	{Name: "0-1h", Min: 0, Max: time.Hour},
	{Name: "1-6h", Min: time.Hour, Max: 6 * time.Hour},
	{Name: "6-24h", Min: 6 * time.Hour, Max: 24 * time.Hour},
	{Name: "24-48h", Min: 24 * time.Hour, Max: 48 * time.Hour},
	{Name: "48-72h", Min: 48 * time.Hour, Max: 72 * time.Hour},
	{Name: ">72h", Min: 72 * time.Hour, Max: 0},
}

func bucketFor(horizon time.Duration) (Bucket, bool) {
	if horizon < 0 {
		return Bucket{}, false
	}
	for _, b := range Buckets {
		if horizon >= b.Min && (b.Max == 0 || horizon < b.Max) {
			return b, true
		}
	}
	return Bucket{}, false
}

// Stats is the skill of one source in one horizon bucket, on forecast GHI
// against ground truth.
type Stats struct {
	Source  string
	Bucket  string
	Samples int
	MAE     float64
	RMSE    float64
	// Bias is mean(forecast - truth): positive means over-forecasting.
	Bias float64
}

type accumulator struct {
	n         int
	absSum    float64
	sqSum     float64
	signedSum float64
}

// Evaluate scores forecast issues against a ground-truth GHI series keyed by
// target timestamp. Issues without a matching truth hour are skipped.
func Evaluate(issues []weather.Issue, truth map[int64]float64) []Stats {
	type key struct{ source, bucket string }
	acc := make(map[key]*accumulator)
	order := make([]key, 0)

	for _, issue := range issues {
		actual, ok := truth[issue.TargetTime.Unix()]
		if !ok {
			continue
		}
		bucket, ok := bucketFor(issue.Horizon())
		if !ok {
			continue
		}

		k := key{source: issue.Source, bucket: bucket.Name}
		a, seen := acc[k]
		if !seen {
			a = &accumulator{}
			acc[k] = a
			order = append(order, k)
		}
		diff := issue.Record.GHI - actual
		a.n++
		a.absSum += math.Abs(diff)
		a.sqSum += diff * diff
		a.signedSum += diff
	}

	stats := make([]Stats, 0, len(order))
	for _, k := range order {
		a := acc[k]
		stats = append(stats, Stats{
			Source:  k.source,
			Bucket:  k.bucket,
			Samples: a.n,
			MAE:     a.absSum / float64(a.n),
			RMSE:    math.Sqrt(a.sqSum / float64(a.n)),
			Bias:    a.signedSum / float64(a.n),
		})
	}
	return stats
}

// IssueStore is the store surface the reporter reads.
type IssueStore interface {
	IssuesInRange(start, end time.Time) ([]weather.Issue, error)
	GroundTruthGHI(source string, start, end time.Time) (map[int64]float64, error)
}

// Report evaluates all stored issues targeting [start, end) against the
// named ground-truth source.
func Report(s IssueStore, truthSource string, start, end time.Time) ([]Stats, error) {
	issues, err := s.IssuesInRange(start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load forecast issues: %v", err)
	}
	truth, err := s.GroundTruthGHI(truthSource, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load ground truth: %v", err)
	}

	stats := Evaluate(issues, truth)
	klog.V(2).InfoS("Evaluated forecast accuracy",
		"issues", len(issues), "truthHours", len(truth), "buckets", len(stats))
	return stats, nil
}
