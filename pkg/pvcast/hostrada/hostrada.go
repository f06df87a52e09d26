// Package hostrada adapts the DWD HOSTRADA gridded climate product as a
// historical weather source. HOSTRADA publishes hourly grids for Germany
// from 1995 onward as one monthly NetCDF file per parameter; this adapter
// downloads each file, extracts the single grid cell nearest the configured
// location, and drops the grid immediately. Months are fetched independently
// so one missing month degrades the result instead of failing it.
package hostrada

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"

	"github.com/helioforge/pvcast/pkg/pvcast/clock"
	"github.com/helioforge/pvcast/pkg/pvcast/transport"
	"github.com/helioforge/pvcast/pkg/pvcast/weather"
)

const (
	baseURL = "https://opendata.dwd.de/climate_environment/CDC/grids_germany/hourly/hostrada"

	// Observed size of one parameter-month file. Five parameters put a
	// full month around 750 MB.
	bytesPerParamMonth = 150 << 20

	// Grids trail realtime while DWD consolidates station input.
	publicationLagMonths = 2
)

var archiveEpoch = time.Date(1995, 1, 1, 0, 0, 0, 0, time.UTC)

// hostradaParams maps record fields to the product directory and NetCDF
// variable holding them.
var hostradaParams = []struct {
	field    string
	dir      string
	variable string
}{
	{"ghi", "radiation_downwelling", "rsds"},
	{"temperature", "air_temperature_mean", "tas"},
	{"cloud_cover", "cloud_cover", "clt"},
	{"humidity", "humidity_relative", "hurs"},
	{"wind_speed", "wind_speed", "sfcWind"},
}

// Config locates the target grid cell and bounds unprompted downloads.
type Config struct {
	Latitude  float64
	Longitude float64
	// ConfirmAboveBytes is the estimated download size above which callers
	// should confirm before FetchHistorical is invoked. The adapter itself
	// only reports estimates; enforcement is the caller's policy.
	ConfirmAboveBytes int64
}

// Month identifies one calendar month of the archive.
type Month struct {
	Year  int
	Month time.Month
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, m.Month)
}

// FetchReport records the per-month outcome of a historical fetch.
type FetchReport struct {
	Succeeded []Month
	Failed    []Month
	// Errs aggregates the per-month failures.
	Errs error
}

// gridCell is the resolved nearest cell, cached across months: the grid
// never moves.
type gridCell struct {
	y, x     int64
	lat, lon float64
}

// Client fetches HOSTRADA point series.
type Client struct {
	transport *transport.Client
	cfg       Config
	clock     clock.Clock
	base      string
	cell      *gridCell
	dropped   int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) ClientOption {
	return func(cl *Client) { cl.clock = c }
}

// WithBaseURL overrides the download endpoint, for tests.
func WithBaseURL(url string) ClientOption {
	return func(cl *Client) { cl.base = url }
}

// New creates a HOSTRADA client for the configured location.
func New(tc *transport.Client, cfg Config, opts ...ClientOption) *Client {
	c := &Client{
		transport: tc,
		cfg:       cfg,
		clock:     clock.RealClock{},
		base:      baseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements weather.HistoricalSource.
func (c *Client) Name() string { return "hostrada" }

// Dropped reports how many hours were skipped as incomplete since the last
// call, and resets the count.
func (c *Client) Dropped() int {
	n := c.dropped
	c.dropped = 0
	return n
}

// AvailableRange implements weather.HistoricalSource.
func (c *Client) AvailableRange() (time.Time, time.Time) {
	now := c.clock.Now().UTC()
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return archiveEpoch, firstOfMonth.AddDate(0, -publicationLagMonths, 0)
}

// DryRunEstimate reports the estimated total download size for a historical
// fetch of [start, end), so callers can confirm before committing to a
// multi-gigabyte transfer.
func (c *Client) DryRunEstimate(start, end time.Time) int64 {
	months := monthsIn(start, end)
	return int64(len(months)) * int64(len(hostradaParams)) * bytesPerParamMonth
}

// NeedsConfirmation reports whether the estimated download for [start, end)
// exceeds the configured confirmation threshold.
func (c *Client) NeedsConfirmation(start, end time.Time) bool {
	return c.cfg.ConfirmAboveBytes > 0 && c.DryRunEstimate(start, end) > c.cfg.ConfirmAboveBytes
}

// FetchHistorical implements weather.HistoricalSource. Partial data is
// returned when some months fail; the error is non-nil only when nothing
// could be fetched. Use FetchHistoricalReport when the per-month outcome
// matters.
func (c *Client) FetchHistorical(ctx context.Context, start, end time.Time) ([]weather.Record, error) {
	records, report, err := c.FetchHistoricalReport(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if len(report.Failed) > 0 {
		klog.InfoS("HOSTRADA fetch partially failed",
			"succeeded", len(report.Succeeded), "failed", len(report.Failed),
			"failedMonths", report.Failed)
	}
	return records, nil
}

// FetchHistoricalReport fetches [start, end) month by month and reports
// which months succeeded and which failed.
func (c *Client) FetchHistoricalReport(ctx context.Context, start, end time.Time) ([]weather.Record, *FetchReport, error) {
	earliest, latest := c.AvailableRange()
	if start.Before(earliest) || end.After(latest) {
		return nil, nil, &weather.RangeUnavailableError{
			Provider: c.Name(),
			Start:    start, End: end,
			Earliest: earliest, Latest: latest,
		}
	}

	months := monthsIn(start, end)
	klog.V(2).InfoS("Fetching HOSTRADA archive",
		"months", len(months), "estimatedBytes", c.DryRunEstimate(start, end))

	report := &FetchReport{}
	series := make(map[int64]*pointSample)
	for _, m := range months {
		if err := c.fetchMonth(ctx, m, series); err != nil {
			report.Failed = append(report.Failed, m)
			report.Errs = multierror.Append(report.Errs, fmt.Errorf("month %s: %v", m, err))
			klog.InfoS("HOSTRADA month failed", "month", m, "error", err)
			continue
		}
		report.Succeeded = append(report.Succeeded, m)
	}

	if len(report.Succeeded) == 0 {
		return nil, report, &weather.ProviderUnavailableError{
			Provider: c.Name(),
			Attempts: len(months),
			Err:      report.Errs,
		}
	}

	records := c.assemble(series, start, end)
	return records, report, nil
}

// pointSample accumulates per-parameter values for one timestamp.
type pointSample struct {
	values map[string]float64
}

func (c *Client) fetchMonth(ctx context.Context, m Month, series map[int64]*pointSample) error {
	for _, p := range hostradaParams {
		url := c.fileURL(p.dir, p.variable, m)
		body, err := c.transport.Get(ctx, url)
		if err != nil {
			return fmt.Errorf("parameter %s: %v", p.field, err)
		}

		// The grid is parsed straight from the response buffer and
		// released when this iteration ends; only the extracted point
		// series survives.
		timestamps, values, err := c.extractPoint(body, p.variable)
		if err != nil {
			return &weather.ParseError{
				Provider: c.Name(),
				Payload:  url,
				Err:      fmt.Errorf("parameter %s: %v", p.field, err),
			}
		}

		fixupUnits(p.field, values)
		for i, ts := range timestamps {
			if math.IsNaN(values[i]) {
				continue
			}
			sample, ok := series[ts]
			if !ok {
				sample = &pointSample{values: make(map[string]float64, len(hostradaParams))}
				series[ts] = sample
			}
			sample.values[p.field] = values[i]
		}
	}
	return nil
}

func (c *Client) extractPoint(body []byte, variable string) ([]int64, []float64, error) {
	f, err := openNetCDF(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, nil, err
	}

	cell, err := c.resolveCell(f)
	if err != nil {
		return nil, nil, err
	}

	v, err := f.Var(variable)
	if err != nil {
		return nil, nil, err
	}
	values, err := v.ReadPointSeries(cell.y, cell.x)
	if err != nil {
		return nil, nil, err
	}

	timestamps, err := readTimeAxis(f)
	if err != nil {
		return nil, nil, err
	}
	if len(timestamps) != len(values) {
		return nil, nil, fmt.Errorf("time axis length %d does not match %d values",
			len(timestamps), len(values))
	}
	return timestamps, values, nil
}

// resolveCell finds the grid cell nearest the configured location by 2-D
// argmin over the coordinate arrays. Resolved once, reused for every file.
func (c *Client) resolveCell(f *ncFile) (*gridCell, error) {
	if c.cell != nil {
		return c.cell, nil
	}

	latVar, err := f.Var("lat")
	if err != nil {
		return nil, err
	}
	lonVar, err := f.Var("lon")
	if err != nil {
		return nil, err
	}
	lats, err := latVar.ReadAll()
	if err != nil {
		return nil, err
	}
	lons, err := lonVar.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(lats) != len(lons) || len(lats) == 0 {
		return nil, fmt.Errorf("coordinate arrays disagree: %d lat vs %d lon", len(lats), len(lons))
	}

	shape := latVar.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("expected 2-D coordinate arrays, got %d dims", len(shape))
	}

	best := int64(-1)
	bestDist := math.MaxFloat64
	for i := range lats {
		dlat := lats[i] - c.cfg.Latitude
		dlon := lons[i] - c.cfg.Longitude
		dist := math.Sqrt(dlat*dlat + dlon*dlon)
		if dist < bestDist {
			bestDist = dist
			best = int64(i)
		}
	}

	c.cell = &gridCell{
		y:   best / shape[1],
		x:   best % shape[1],
		lat: lats[best],
		lon: lons[best],
	}
	klog.V(2).InfoS("Resolved HOSTRADA grid cell",
		"lat", c.cell.lat, "lon", c.cell.lon,
		"distanceKm", bestDist*111)
	return c.cell, nil
}

// readTimeAxis decodes the time variable against its CF units attribute,
// e.g. "hours since 1995-01-01 00:00:00".
func readTimeAxis(f *ncFile) ([]int64, error) {
	v, err := f.Var("time")
	if err != nil {
		return nil, err
	}

	units, ok := v.StrAttr("units")
	if !ok {
		return nil, fmt.Errorf("time variable has no units attribute")
	}
	parts := strings.SplitN(units, " since ", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("unparseable time units %q", units)
	}

	var step time.Duration
	switch strings.TrimSpace(parts[0]) {
	case "seconds":
		step = time.Second
	case "minutes":
		step = time.Minute
	case "hours":
		step = time.Hour
	case "days":
		step = 24 * time.Hour
	default:
		return nil, fmt.Errorf("unsupported time unit %q", parts[0])
	}

	epochStr := strings.TrimSpace(parts[1])
	var epoch time.Time
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05Z", "2006-01-02"} {
		if epoch, err = time.Parse(layout, epochStr); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("unparseable time epoch %q", epochStr)
	}

	// The time axis is a record variable with one value per record.
	raw, err := v.ReadRecordScalars()
	if err != nil {
		return nil, err
	}
	timestamps := make([]int64, len(raw))
	for i, offset := range raw {
		timestamps[i] = epoch.Add(time.Duration(offset * float64(step))).UTC().Unix()
	}
	return timestamps, nil
}

// fixupUnits normalizes the unit quirks seen across HOSTRADA vintages:
// temperature published in Kelvin and cloud cover in oktas.
func fixupUnits(field string, values []float64) {
	switch field {
	case "temperature":
		if mean(values) > 200 {
			for i := range values {
				values[i] -= 273.15
			}
		}
	case "cloud_cover":
		if maxVal(values) <= 8.0 {
			for i := range values {
				values[i] *= 12.5
			}
		}
		for i := range values {
			values[i] = math.Min(100, math.Max(0, values[i]))
		}
	}
}

func (c *Client) assemble(series map[int64]*pointSample, start, end time.Time) []weather.Record {
	timestamps := make([]int64, 0, len(series))
	for ts := range series {
		if ts < start.Unix() || ts >= end.Unix() {
			continue
		}
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	records := make([]weather.Record, 0, len(timestamps))
	for _, ts := range timestamps {
		sample := series[ts]
		ghi, ok := sample.values["ghi"]
		if !ok {
			// Irradiance is mandatory; an hour without it is dropped.
			c.dropped++
			continue
		}
		rec := weather.Record{Timestamp: ts, GHI: ghi}
		if v, ok := sample.values["temperature"]; ok {
			rec.Temperature = weather.Float(v)
		}
		if v, ok := sample.values["cloud_cover"]; ok {
			rec.CloudCover = weather.Float(v)
		}
		if v, ok := sample.values["humidity"]; ok {
			rec.Humidity = weather.Float(v)
		}
		if v, ok := sample.values["wind_speed"]; ok {
			rec.WindSpeed = weather.Float(v)
		}
		records = append(records, weather.Normalize(rec, c.cfg.Latitude, c.cfg.Longitude, false, false))
	}
	return records
}

func (c *Client) fileURL(dir, variable string, m Month) string {
	lastDay := time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC).
		AddDate(0, 1, -1).Day()
	return fmt.Sprintf("%s/%s/%s_1hr_HOSTRADA-v1-0_BE_gn_%04d%02d0100-%04d%02d%02d23.nc",
		c.base, dir, variable, m.Year, m.Month, m.Year, m.Month, lastDay)
}

func monthsIn(start, end time.Time) []Month {
	var months []Month
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	for cur.Before(end) {
		months = append(months, Month{Year: cur.Year(), Month: cur.Month()})
		cur = cur.AddDate(0, 1, 0)
	}
	return months
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	var n int
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func maxVal(values []float64) float64 {
	max := math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if v > max {
			max = v
		}
	}
	return max
}
