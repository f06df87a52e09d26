// Package openmeteo adapts the Open-Meteo REST API as both a forecast and a
// historical weather source. Unlike the DWD sources it reports measured
// diffuse and direct irradiance directly, so records from this adapter carry
// no estimation provenance for DHI or DNI.
package openmeteo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/helioforge/pvcast/pkg/pvcast/clock"
	"github.com/helioforge/pvcast/pkg/pvcast/transport"
	"github.com/helioforge/pvcast/pkg/pvcast/weather"
)

const (
	forecastBaseURL = "https://api.open-meteo.com/v1/forecast"
	archiveBaseURL  = "https://archive-api.open-meteo.com/v1/archive"

	// The archive lags realtime by a few days while measurements settle.
	archiveLagDays = 5

	hourlyParams = "shortwave_radiation,diffuse_radiation,direct_normal_irradiance," +
		"cloud_cover,temperature_2m,wind_speed_10m,relative_humidity_2m"
)

// Archive coverage starts with the ERA5 reanalysis epoch.
var archiveEpoch = time.Date(1940, 1, 1, 0, 0, 0, 0, time.UTC)

// Client fetches hourly weather from Open-Meteo for a fixed location.
type Client struct {
	transport   *transport.Client
	latitude    float64
	longitude   float64
	clock       clock.Clock
	forecastURL string
	archiveURL  string

	dropped int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) ClientOption {
	return func(cl *Client) { cl.clock = c }
}

// WithBaseURLs overrides the API endpoints, for tests.
func WithBaseURLs(forecast, archive string) ClientOption {
	return func(cl *Client) {
		cl.forecastURL = forecast
		cl.archiveURL = archive
	}
}

// New creates an Open-Meteo client for the given location.
func New(tc *transport.Client, latitude, longitude float64, opts ...ClientOption) *Client {
	c := &Client{
		transport:   tc,
		latitude:    latitude,
		longitude:   longitude,
		clock:       clock.RealClock{},
		forecastURL: forecastBaseURL,
		archiveURL:  archiveBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements weather.ForecastSource and weather.HistoricalSource.
func (c *Client) Name() string { return "openmeteo" }

// Dropped reports how many hours were skipped as undecodable since the last
// call, and resets the count.
func (c *Client) Dropped() int {
	n := c.dropped
	c.dropped = 0
	return n
}

type hourlyResponse struct {
	Hourly struct {
		Time               []string   `json:"time"`
		ShortwaveRadiation []*float64 `json:"shortwave_radiation"`
		DiffuseRadiation   []*float64 `json:"diffuse_radiation"`
		DirectNormal       []*float64 `json:"direct_normal_irradiance"`
		CloudCover         []*float64 `json:"cloud_cover"`
		Temperature        []*float64 `json:"temperature_2m"`
		WindSpeed          []*float64 `json:"wind_speed_10m"`
		Humidity           []*float64 `json:"relative_humidity_2m"`
	} `json:"hourly"`
}

// FetchForecast implements weather.ForecastSource. Only hours at or after the
// current time are returned; Open-Meteo pads the response back to midnight.
func (c *Client) FetchForecast(ctx context.Context, horizonHours int) ([]weather.Record, error) {
	days := (horizonHours + 23) / 24
	q := c.baseQuery()
	q.Set("forecast_days", strconv.Itoa(days))

	records, err := c.fetch(ctx, c.forecastURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	now := c.clock.Now().UTC().Truncate(time.Hour)
	cutoff := now.Add(time.Duration(horizonHours) * time.Hour)
	filtered := records[:0]
	for _, rec := range records {
		ts := time.Unix(rec.Timestamp, 0).UTC()
		if ts.Before(now) || ts.After(cutoff) {
			continue
		}
		filtered = append(filtered, rec)
	}
	klog.V(2).InfoS("Fetched Open-Meteo forecast",
		"horizonHours", horizonHours, "records", len(filtered))
	return filtered, nil
}

// FetchHistorical implements weather.HistoricalSource for [start, end).
func (c *Client) FetchHistorical(ctx context.Context, start, end time.Time) ([]weather.Record, error) {
	earliest, latest := c.AvailableRange()
	if start.Before(earliest) || end.After(latest.Add(time.Hour)) {
		return nil, &weather.RangeUnavailableError{
			Provider: c.Name(),
			Start:    start, End: end,
			Earliest: earliest, Latest: latest,
		}
	}

	q := c.baseQuery()
	q.Set("start_date", start.UTC().Format("2006-01-02"))
	q.Set("end_date", end.Add(-time.Second).UTC().Format("2006-01-02"))

	records, err := c.fetch(ctx, c.archiveURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	// The archive API is day-granular; trim to the requested hours.
	filtered := records[:0]
	for _, rec := range records {
		ts := time.Unix(rec.Timestamp, 0).UTC()
		if ts.Before(start) || !ts.Before(end) {
			continue
		}
		filtered = append(filtered, rec)
	}
	klog.V(2).InfoS("Fetched Open-Meteo archive",
		"start", start, "end", end, "records", len(filtered))
	return filtered, nil
}

// AvailableRange implements weather.HistoricalSource.
func (c *Client) AvailableRange() (time.Time, time.Time) {
	latest := c.clock.Now().UTC().AddDate(0, 0, -archiveLagDays).Truncate(24 * time.Hour)
	return archiveEpoch, latest
}

func (c *Client) baseQuery() url.Values {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(c.latitude, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(c.longitude, 'f', 4, 64))
	q.Set("hourly", hourlyParams)
	q.Set("windspeed_unit", "ms")
	q.Set("timezone", "UTC")
	return q
}

func (c *Client) fetch(ctx context.Context, url string) ([]weather.Record, error) {
	body, err := c.transport.Get(ctx, url)
	if err != nil {
		return nil, err
	}

	var resp hourlyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &weather.ParseError{
			Provider: c.Name(),
			Payload:  snippet(body),
			Err:      fmt.Errorf("failed to decode response: %v", err),
		}
	}
	if len(resp.Hourly.Time) == 0 {
		return nil, &weather.ParseError{
			Provider: c.Name(),
			Payload:  snippet(body),
			Err:      fmt.Errorf("response contains no hourly time axis"),
		}
	}

	records := make([]weather.Record, 0, len(resp.Hourly.Time))
	for i, raw := range resp.Hourly.Time {
		ts, err := time.Parse("2006-01-02T15:04", raw)
		if err != nil {
			return nil, &weather.ParseError{
				Provider: c.Name(),
				Payload:  raw,
				Err:      fmt.Errorf("bad hourly timestamp: %v", err),
			}
		}

		ghi := at(resp.Hourly.ShortwaveRadiation, i)
		if ghi == nil {
			// No usable irradiance for this hour; skip rather than invent.
			c.dropped++
			klog.V(3).InfoS("Dropping hour without irradiance", "timestamp", raw)
			continue
		}

		rec := weather.Record{
			Timestamp:   ts.UTC().Unix(),
			GHI:         *ghi,
			CloudCover:  at(resp.Hourly.CloudCover, i),
			Temperature: at(resp.Hourly.Temperature, i),
			WindSpeed:   at(resp.Hourly.WindSpeed, i),
			Humidity:    at(resp.Hourly.Humidity, i),
		}
		hasDHI := false
		if dhi := at(resp.Hourly.DiffuseRadiation, i); dhi != nil {
			rec.DHI = *dhi
			hasDHI = true
		}
		hasDNI := false
		if dni := at(resp.Hourly.DirectNormal, i); dni != nil {
			rec.DNI = *dni
			hasDNI = true
		}
		records = append(records, weather.Normalize(rec, c.latitude, c.longitude, hasDHI, hasDNI))
	}
	return records, nil
}

func at(vals []*float64, i int) *float64 {
	if i >= len(vals) || vals[i] == nil {
		return nil
	}
	v := *vals[i]
	return &v
}

func snippet(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		s = s[:200]
	}
	return strings.TrimSpace(s)
}
