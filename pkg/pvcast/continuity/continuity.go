// Package continuity keeps the persisted historical record contiguous: it
// computes the missing intervals in a requested range and drives backfill
// fetches against the configured historical source. Re-running against a
// fully populated range is a no-op with zero network calls.
package continuity

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/helioforge/pvcast/pkg/pvcast/weather"
)

// Step is the native resolution of the stored series.
const Step = time.Hour

// Gaps returns the minimal list of missing intervals in [start, end) given
// the set of already persisted timestamps, stepping at the given resolution.
// Adjacent missing hours merge into one range; a fully covered range yields
// nil.
func Gaps(start, end time.Time, existing map[int64]struct{}, step time.Duration) []weather.GapRange {
	var gaps []weather.GapRange
	var open *weather.GapRange

	for cur := start.Truncate(step); cur.Before(end); cur = cur.Add(step) {
		_, have := existing[cur.Unix()]
		switch {
		case !have && open == nil:
			open = &weather.GapRange{Start: cur, End: cur.Add(step)}
		case !have:
			open.End = cur.Add(step)
		case have && open != nil:
			gaps = append(gaps, *open)
			open = nil
		}
	}
	if open != nil {
		gaps = append(gaps, *open)
	}
	return gaps
}

// Sink is the subset of the store the manager writes through.
type Sink interface {
	Upsert(source string, rec weather.Record) (bool, error)
	ExistingTimestamps(source string, start, end time.Time) (map[int64]struct{}, error)
}

// Manager detects and fills gaps for one historical source.
type Manager struct {
	source weather.HistoricalSource
	sink   Sink
}

// NewManager creates a Manager filling gaps from the given source.
func NewManager(source weather.HistoricalSource, sink Sink) *Manager {
	return &Manager{source: source, sink: sink}
}

// Result summarizes one backfill run.
type Result struct {
	Gaps     int
	Fetched  int
	Inserted int
}

// Backfill fills every gap in [start, end) for the managed source. The range
// is clamped to the source's available window before gap detection, so a
// request reaching into the publication lag does not produce unfillable
// gaps. Each gap is fetched and persisted independently; the first fetch or
// store error aborts the run with the partial result.
func (m *Manager) Backfill(ctx context.Context, start, end time.Time) (Result, error) {
	var res Result

	earliest, latest := m.source.AvailableRange()
	if start.Before(earliest) {
		start = earliest
	}
	if end.After(latest) {
		end = latest
	}
	if !start.Before(end) {
		return res, nil
	}

	existing, err := m.sink.ExistingTimestamps(m.source.Name(), start, end)
	if err != nil {
		return res, fmt.Errorf("failed to list existing timestamps: %v", err)
	}

	gaps := Gaps(start, end, existing, Step)
	res.Gaps = len(gaps)
	if len(gaps) == 0 {
		klog.V(2).InfoS("No gaps to backfill",
			"source", m.source.Name(), "start", start, "end", end)
		return res, nil
	}

	klog.InfoS("Backfilling gaps",
		"source", m.source.Name(), "gaps", len(gaps), "start", start, "end", end)

	for _, gap := range gaps {
		records, err := m.source.FetchHistorical(ctx, gap.Start, gap.End)
		if err != nil {
			return res, fmt.Errorf("failed to backfill %v..%v: %v", gap.Start, gap.End, err)
		}
		res.Fetched += len(records)

		for _, rec := range records {
			inserted, err := m.sink.Upsert(m.source.Name(), rec)
			if err != nil {
				return res, fmt.Errorf("failed to store backfilled record: %v", err)
			}
			if inserted {
				res.Inserted++
			}
		}
	}

	klog.InfoS("Backfill complete",
		"source", m.source.Name(), "gaps", res.Gaps,
		"fetched", res.Fetched, "inserted", res.Inserted)
	return res, nil
}
