package mosmix

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/helioforge/pvcast/pkg/pvcast/clock"
	"github.com/helioforge/pvcast/pkg/pvcast/transport"
	"github.com/helioforge/pvcast/pkg/pvcast/weather"
)

type mockHTTPClient struct {
	lastURL string
	body    []byte
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.lastURL = req.URL.String()
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(m.body)),
		Header:     http.Header{},
	}, nil
}

const kmlHeader = `<?xml version="1.0" encoding="ISO-8859-1"?>
<kml:kml xmlns:kml="http://www.opengis.net/kml/2.2"
         xmlns:dwd="https://opendata.dwd.de/weather/lib/pointforecast_dwd_extension_V1_0.xsd">
<kml:Document>
<kml:ExtendedData>
<dwd:ProductDefinition>
<dwd:IssueTime>2024-06-15T09:00:00.000Z</dwd:IssueTime>
<dwd:ForecastTimeSteps>
<dwd:TimeStep>2024-06-15T10:00:00.000Z</dwd:TimeStep>
<dwd:TimeStep>2024-06-15T11:00:00.000Z</dwd:TimeStep>
<dwd:TimeStep>2024-06-15T12:00:00.000Z</dwd:TimeStep>
</dwd:ForecastTimeSteps>
</dwd:ProductDefinition>
</kml:ExtendedData>
<kml:Placemark>
<kml:ExtendedData>`

const kmlFooter = `</kml:ExtendedData>
</kml:Placemark>
</kml:Document>
</kml:kml>`

func forecastElement(name, values string) string {
	return `<dwd:Forecast dwd:elementName="` + name + `"><dwd:value>` +
		values + `</dwd:value></dwd:Forecast>` + "\n"
}

func buildKMZ(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func sampleKML(extra string) string {
	body := forecastElement("Rad1h", "1800.0 2196.0 -") +
		forecastElement("TTT", "288.15 289.45 290.15") +
		forecastElement("Neff", "40.0 - 20.0") +
		forecastElement("FF", "3.5 4.0 4.2") +
		extra
	return kmlHeader + "\n" + body + kmlFooter
}

func newTestClient(t *testing.T, kmz []byte, now time.Time) (*Client, *mockHTTPClient) {
	t.Helper()
	mock := &mockHTTPClient{body: kmz}
	tc := transport.New("mosmix", transport.DefaultConfig(),
		transport.WithHTTPClient(mock))
	cfg := Config{StationID: "P0051", UseLarge: true, Latitude: 51.83, Longitude: 7.28}
	return New(tc, cfg, WithClock(clock.NewMockClock(now))), mock
}

func TestFetchForecast(t *testing.T) {
	kmz := buildKMZ(t, map[string]string{"MOSMIX_L_2024061509_P0051.kml": sampleKML("")})
	now := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	c, mock := newTestClient(t, kmz, now)

	records, err := c.FetchForecast(context.Background(), 48)
	if err != nil {
		t.Fatalf("FetchForecast() error = %v", err)
	}
	if !strings.Contains(mock.lastURL, "MOSMIX_L_LATEST_P0051.kmz") {
		t.Errorf("unexpected download URL %s", mock.lastURL)
	}

	// Hour 12 has a missing Rad1h value and is dropped.
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if got := c.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1 for the skipped hour", got)
	}
	if got := c.Dropped(); got != 0 {
		t.Errorf("Dropped() should drain, second call gave %d", got)
	}

	// 1800 kJ/m² over one hour is 500 W/m².
	if records[0].GHI != 500.0 {
		t.Errorf("GHI = %v, want 500", records[0].GHI)
	}
	if records[0].Temperature == nil || *records[0].Temperature != 15.0 {
		t.Errorf("temperature conversion failed: %v", records[0].Temperature)
	}
	if records[0].CloudCover == nil || *records[0].CloudCover != 40.0 {
		t.Errorf("cloud cover = %v, want 40", records[0].CloudCover)
	}
	if records[1].CloudCover != nil {
		t.Errorf("missing cloud cover value should be nil, got %v", *records[1].CloudCover)
	}

	// MOSMIX supplies neither DHI nor humidity.
	if !records[0].Estimated.Has(weather.EstimatedDHI) {
		t.Error("expected estimated DHI provenance")
	}
	if !records[0].Estimated.Has(weather.EstimatedHumidity) {
		t.Error("expected estimated humidity provenance")
	}
	if records[0].DHI <= 0 || records[0].DHI > records[0].GHI {
		t.Errorf("estimated DHI %v outside (0, GHI]", records[0].DHI)
	}

	if got := c.IssueTime(); !got.Equal(time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("IssueTime() = %v", got)
	}
}

func TestFetchForecastSelectsLatestIssue(t *testing.T) {
	stale := kmlHeader + "\n" + forecastElement("Rad1h", "360.0 360.0 360.0") + kmlFooter
	kmz := buildKMZ(t, map[string]string{
		"MOSMIX_L_2024061503_P0051.kml": stale,
		"MOSMIX_L_2024061509_P0051.kml": sampleKML(""),
	})
	now := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t, kmz, now)

	records, err := c.FetchForecast(context.Background(), 48)
	if err != nil {
		t.Fatalf("FetchForecast() error = %v", err)
	}
	if records[0].GHI != 500.0 {
		t.Errorf("expected values from the lexically latest issue, got GHI %v", records[0].GHI)
	}
}

func TestFetchForecastMissingIrradiance(t *testing.T) {
	kml := kmlHeader + "\n" + forecastElement("TTT", "288.15 289.45 290.15") + kmlFooter
	kmz := buildKMZ(t, map[string]string{"MOSMIX_L_2024061509_P0051.kml": kml})
	now := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t, kmz, now)

	_, err := c.FetchForecast(context.Background(), 48)
	var parseErr *weather.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if !strings.Contains(parseErr.Error(), "Rad1h") {
		t.Errorf("error should name the missing parameter: %v", parseErr)
	}
}

func TestFetchForecastBadArchive(t *testing.T) {
	now := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t, []byte("not a zip"), now)

	_, err := c.FetchForecast(context.Background(), 48)
	var parseErr *weather.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError for invalid KMZ, got %v", err)
	}
}

func TestFetchForecastHorizonCap(t *testing.T) {
	kmz := buildKMZ(t, map[string]string{"MOSMIX_L_2024061509_P0051.kml": sampleKML("")})
	// Clock well past the sample axis: everything is stale.
	now := time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t, kmz, now)

	records, err := c.FetchForecast(context.Background(), 10000)
	if err != nil {
		t.Fatalf("FetchForecast() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected stale hours to be filtered, got %d records", len(records))
	}
}
