// Package mosmix adapts the DWD MOSMIX point forecast product. MOSMIX is
// published per station as a KMZ archive (a zip holding one KML/XML document
// per issue) with hourly resolution up to 240 hours. The station product
// carries no diffuse irradiance and no humidity, so records from this adapter
// always carry estimation provenance for those fields.
package mosmix

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"k8s.io/klog/v2"

	"github.com/helioforge/pvcast/pkg/pvcast/clock"
	"github.com/helioforge/pvcast/pkg/pvcast/transport"
	"github.com/helioforge/pvcast/pkg/pvcast/weather"
)

const (
	baseURL = "https://opendata.dwd.de/weather/local_forecasts/mos"

	// MOSMIX forecasts run out to 10 days.
	maxHorizonHours = 240

	// The station product has no humidity parameter; downstream features
	// want a value, so a temperate-climate default is recorded with an
	// estimation flag.
	defaultHumidityPct = 50.0
)

// Config holds the station selection for the MOSMIX product.
type Config struct {
	// StationID is the DWD station identifier, e.g. "P0051".
	StationID string
	// UseLarge selects MOSMIX_L (115 parameters, 4 issues/day) over
	// MOSMIX_S (40 parameters, hourly issues).
	UseLarge bool
	// Latitude and Longitude locate the station for irradiance estimation.
	Latitude  float64
	Longitude float64
}

// Client fetches and decodes MOSMIX station forecasts.
type Client struct {
	transport *transport.Client
	cfg       Config
	clock     clock.Clock
	base      string

	lastIssue time.Time
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

// New creates a MOSMIX client for the configured station.
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

// Name implements weather.ForecastSource.
func (c *Client) Name() string { return "mosmix" }

// IssueTime reports when the most recently fetched forecast was issued.
// Zero until the first successful fetch.
func (c *Client) IssueTime() time.Time { return c.lastIssue }

// Dropped reports how many forecast hours were skipped as undecodable since
// the last call, and resets the count.
func (c *Client) Dropped() int {
	n := c.dropped
	c.dropped = 0
	return n
}

// FetchForecast implements weather.ForecastSource. It downloads the latest
// issue for the configured station, decodes it, and returns hours from the
// current hour up to the requested horizon.
func (c *Client) FetchForecast(ctx context.Context, horizonHours int) ([]weather.Record, error) {
	if horizonHours > maxHorizonHours {
		horizonHours = maxHorizonHours
	}

	url := c.buildURL()
	klog.V(2).InfoS("Fetching MOSMIX forecast", "station", c.cfg.StationID, "url", url)

	kmz, err := c.transport.Get(ctx, url)
	if err != nil {
		return nil, err
	}

	kml, err := extractKML(kmz)
	if err != nil {
		return nil, &weather.ParseError{Provider: c.Name(), Err: err}
	}

	issue, records, err := c.parseKML(kml)
	if err != nil {
		return nil, err
	}
	c.lastIssue = issue

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

	klog.V(2).InfoS("Parsed MOSMIX forecast",
		"station", c.cfg.StationID, "issued", issue, "records", len(filtered))
	return filtered, nil
}

func (c *Client) buildURL() string {
	variant := "MOSMIX_S"
	if c.cfg.UseLarge {
		variant = "MOSMIX_L"
	}
	return fmt.Sprintf("%s/%s/single_stations/%s/kml/%s_LATEST_%s.kmz",
		c.base, variant, c.cfg.StationID, variant, c.cfg.StationID)
}

// extractKML unpacks the KMZ archive and returns the newest KML document.
// Issue time is embedded in the filename, so lexical order is issue order.
func extractKML(kmz []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(kmz), int64(len(kmz)))
	if err != nil {
		return nil, fmt.Errorf("invalid KMZ archive: %v", err)
	}

	var names []string
	files := make(map[string]*zip.File)
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ".kml") {
			names = append(names, f.Name)
			files[f.Name] = f
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no KML document in KMZ archive")
	}
	sort.Strings(names)
	latest := names[len(names)-1]

	rc, err := files[latest].Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v", latest, err)
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", latest, err)
	}
	return content, nil
}

// kmlDocument mirrors the subset of the MOSMIX KML schema the adapter needs.
// Matching is by local element name; the document mixes the OGC KML namespace
// with the DWD point forecast extension namespace.
type kmlDocument struct {
	IssueTime string   `xml:"Document>ExtendedData>ProductDefinition>IssueTime"`
	TimeSteps []string `xml:"Document>ExtendedData>ProductDefinition>ForecastTimeSteps>TimeStep"`
	Forecasts []struct {
		ElementName string `xml:"elementName,attr"`
		Value       string `xml:"value"`
	} `xml:"Document>Placemark>ExtendedData>Forecast"`
}

func (c *Client) parseKML(kml []byte) (time.Time, []weather.Record, error) {
	dec := xml.NewDecoder(bytes.NewReader(kml))
	dec.CharsetReader = charsetReader

	var doc kmlDocument
	if err := dec.Decode(&doc); err != nil {
		return time.Time{}, nil, &weather.ParseError{
			Provider: c.Name(),
			Err:      fmt.Errorf("invalid KML: %v", err),
		}
	}
	if len(doc.TimeSteps) == 0 {
		return time.Time{}, nil, &weather.ParseError{
			Provider: c.Name(),
			Err:      fmt.Errorf("no forecast time steps in KML"),
		}
	}

	issue, err := time.Parse(time.RFC3339, doc.IssueTime)
	if err != nil {
		return time.Time{}, nil, &weather.ParseError{
			Provider: c.Name(),
			Payload:  doc.IssueTime,
			Err:      fmt.Errorf("bad issue time: %v", err),
		}
	}

	timestamps := make([]int64, 0, len(doc.TimeSteps))
	for _, raw := range doc.TimeSteps {
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
		if err != nil {
			return time.Time{}, nil, &weather.ParseError{
				Provider: c.Name(),
				Payload:  raw,
				Err:      fmt.Errorf("bad time step: %v", err),
			}
		}
		timestamps = append(timestamps, ts.UTC().Unix())
	}

	params := make(map[string][]*float64)
	for _, fc := range doc.Forecasts {
		params[fc.ElementName] = parseValues(fc.Value, len(timestamps))
	}

	rad, ok := params["Rad1h"]
	if !ok {
		return time.Time{}, nil, &weather.ParseError{
			Provider: c.Name(),
			Err:      fmt.Errorf("mandatory parameter Rad1h missing from KML"),
		}
	}

	temperature := params["TTT"]
	cloudCover := params["Neff"]
	windSpeed := params["FF"]

	records := make([]weather.Record, 0, len(timestamps))
	for i, ts := range timestamps {
		if rad[i] == nil {
			// Irradiance is the one mandatory field per record.
			c.dropped++
			klog.V(3).InfoS("Dropping forecast hour without irradiance",
				"station", c.cfg.StationID, "timestamp", ts)
			continue
		}
		rec := weather.Record{
			Timestamp: ts,
			// Rad1h is an hourly energy sum in kJ/m²; dividing by 3.6
			// yields the mean power in W/m².
			GHI:        *rad[i] / 3.6,
			CloudCover: value(cloudCover, i),
			WindSpeed:  value(windSpeed, i),
			Humidity:   weather.Float(defaultHumidityPct),
			Estimated:  weather.EstimatedHumidity,
		}
		if t := value(temperature, i); t != nil {
			rec.Temperature = weather.Float(*t - 273.15)
		}
		records = append(records, weather.Normalize(rec, c.cfg.Latitude, c.cfg.Longitude, false, false))
	}
	return issue.UTC(), records, nil
}

// parseValues splits a space-separated MOSMIX value array, mapping the "-"
// sentinel to nil and padding or trimming to the time axis length.
func parseValues(raw string, n int) []*float64 {
	fields := strings.Fields(raw)
	values := make([]*float64, n)
	for i := 0; i < n && i < len(fields); i++ {
		if fields[i] == "-" {
			continue
		}
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			continue
		}
		values[i] = &v
	}
	return values
}

func value(vals []*float64, i int) *float64 {
	if vals == nil || vals[i] == nil {
		return nil
	}
	v := *vals[i]
	return &v
}

// charsetReader accepts the ISO-8859-1 declaration DWD ships in the KML
// prolog. Latin-1 bytes map directly onto the first 256 code points.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "utf-8", "us-ascii":
		return input, nil
	case "iso-8859-1", "latin1":
		return &latin1Reader{r: input}, nil
	default:
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
}

type latin1Reader struct {
	r   io.Reader
	buf []byte
}

func (l *latin1Reader) Read(p []byte) (int, error) {
	if len(l.buf) == 0 {
		// A Latin-1 byte expands to at most two UTF-8 bytes.
		raw := make([]byte, len(p)/2+1)
		n, err := l.r.Read(raw)
		if n == 0 {
			return 0, err
		}
		for _, b := range raw[:n] {
			l.buf = utf8.AppendRune(l.buf, rune(b))
		}
	}
	n := copy(p, l.buf)
	l.buf = l.buf[n:]
	return n, nil
}
