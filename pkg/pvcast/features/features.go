// Package features turns normalized weather records plus static asset
// metadata into the fixed-order numeric matrix the yield regressor consumes.
//
// The transformation is a pure function of the input records and metadata:
// every time-dependent quantity (cyclical encodings, solar position, lags,
// asset age) derives from each row's own timestamp, never from the wall
// clock, so a historical record and a forecast record with identical values
// produce bit-identical rows. Lag features look strictly backward; removing
// every record after T cannot change the row at T.
package features

import (
	"fmt"
	"math"
	"sort"
	"time"

	"k8s.io/klog/v2"

	"github.com/helioforge/pvcast/pkg/pvcast/solar"
	"github.com/helioforge/pvcast/pkg/pvcast/weather"
)

const (
	// csiMax bounds the clear-sky index against clear-sky model edge cases
	// at low sun elevation.
	csiMax = 1.5

	// csiMinClearSky gates the CSI computation: below this clear-sky level
	// the ratio is numerically meaningless and reported as zero.
	csiMinClearSky = 10.0

	// diffuseEpsilon keeps the diffuse fraction finite at zero irradiance.
	diffuseEpsilon = 1.0

	hoursPerYear = 24 * 365.25
)

// Defaults substituted for absent optional fields. Dropping rows for a
// missing optional would starve the model; only missing irradiance drops a
// row.
const (
	defaultTemperatureC = 10.0
	defaultCloudCover   = 0.0
	defaultWindSpeed    = 0.0
	defaultHumidity     = 50.0
)

// Asset is the static metadata of the installation being predicted.
type Asset struct {
	Latitude  float64
	Longitude float64
	// PeakKWP is the installed DC capacity in kW.
	PeakKWP float64
	// Installed is the commissioning date, anchoring the age feature.
	Installed time.Time
}

// Row is one model-ready feature vector. Field order here is the vector
// order; Names and Vector must stay in sync with it.
type Row struct {
	Timestamp int64

	HourSin  float64
	HourCos  float64
	MonthSin float64
	MonthCos float64
	DaySin   float64
	DayCos   float64

	Elevation float64

	GHI         float64
	CloudCover  float64
	Temperature float64
	WindSpeed   float64
	Humidity    float64

	ClearSkyIndex   float64
	DiffuseFraction float64

	ModuleTemp       float64
	EfficiencyFactor float64

	GHILag1h     float64
	GHILag3h     float64
	GHIRolling3h float64

	AssetAgeYears float64
	PeakKWP       float64
}

// Names returns the feature names in vector order.
func Names() []string {
	return []string{
		"hour_sin", "hour_cos",
		"month_sin", "month_cos",
		"day_sin", "day_cos",
		"sun_elevation",
		"ghi_wm2", "cloud_cover_pct", "temperature_c", "wind_speed_ms", "humidity_pct",
		"clear_sky_index", "diffuse_fraction",
		"module_temp_c", "efficiency_factor",
		"ghi_lag_1h", "ghi_lag_3h", "ghi_rolling_3h",
		"asset_age_years", "peak_kwp",
	}
}

// Vector returns the row as a numeric vector in Names order.
func (r Row) Vector() []float64 {
	return []float64{
		r.HourSin, r.HourCos,
		r.MonthSin, r.MonthCos,
		r.DaySin, r.DayCos,
		r.Elevation,
		r.GHI, r.CloudCover, r.Temperature, r.WindSpeed, r.Humidity,
		r.ClearSkyIndex, r.DiffuseFraction,
		r.ModuleTemp, r.EfficiencyFactor,
		r.GHILag1h, r.GHILag3h, r.GHIRolling3h,
		r.AssetAgeYears, r.PeakKWP,
	}
}

// Matrix is the output of one Transform run.
type Matrix struct {
	Rows []Row
	// Dropped counts input records rejected for unusable irradiance.
	Dropped int
}

// ComputationError describes why a single row was dropped. Rows fail
// individually; the batch continues.
type ComputationError struct {
	Timestamp int64
	Reason    string
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("feature computation at %d: %s", e.Timestamp, e.Reason)
}

// Transform derives one feature row per input record. Records are processed
// in timestamp order regardless of input order, and lag features are filled
// from the input batch itself: the GHI at exactly T-1h and T-3h, and the
// mean over [T-3h, T). Hours absent from the batch contribute zero, the
// same floor a night hour would.
func Transform(records []weather.Record, asset Asset) Matrix {
	sorted := make([]weather.Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	ghiAt := make(map[int64]float64, len(sorted))
	for _, rec := range sorted {
		if !math.IsNaN(rec.GHI) {
			ghiAt[rec.Timestamp] = rec.GHI
		}
	}

	var m Matrix
	m.Rows = make([]Row, 0, len(sorted))
	for _, rec := range sorted {
		row, err := buildRow(rec, asset, ghiAt)
		if err != nil {
			m.Dropped++
			klog.V(2).InfoS("Dropped feature row", "error", err)
			continue
		}
		m.Rows = append(m.Rows, row)
	}
	return m
}

func buildRow(rec weather.Record, asset Asset, ghiAt map[int64]float64) (Row, error) {
	if math.IsNaN(rec.GHI) {
		return Row{}, &ComputationError{Timestamp: rec.Timestamp, Reason: "irradiance is NaN"}
	}

	t := time.Unix(rec.Timestamp, 0).UTC()
	hour := float64(t.Hour())
	month := float64(t.Month())
	day := float64(t.YearDay())

	elevation := solar.Elevation(rec.Timestamp, asset.Latitude, asset.Longitude)
	clearSky := solar.ClearSkyGHI(rec.Timestamp, asset.Latitude, asset.Longitude)

	csi := 0.0
	if clearSky > csiMinClearSky {
		csi = clamp(rec.GHI/clearSky, 0, csiMax)
	}

	diffuse := clamp(rec.DHI/(rec.GHI+diffuseEpsilon), 0, 1)

	temperature := orDefault(rec.Temperature, defaultTemperatureC)
	windSpeed := orDefault(rec.WindSpeed, defaultWindSpeed)
	moduleTemp := solar.ModuleTemperature(temperature, rec.GHI, windSpeed)

	row := Row{
		Timestamp: rec.Timestamp,

		HourSin:  math.Sin(2 * math.Pi * hour / 24),
		HourCos:  math.Cos(2 * math.Pi * hour / 24),
		MonthSin: math.Sin(2 * math.Pi * month / 12),
		MonthCos: math.Cos(2 * math.Pi * month / 12),
		DaySin:   math.Sin(2 * math.Pi * day / 365),
		DayCos:   math.Cos(2 * math.Pi * day / 365),

		Elevation: elevation,

		GHI:         rec.GHI,
		CloudCover:  orDefault(rec.CloudCover, defaultCloudCover),
		Temperature: temperature,
		WindSpeed:   windSpeed,
		Humidity:    orDefault(rec.Humidity, defaultHumidity),

		ClearSkyIndex:   csi,
		DiffuseFraction: diffuse,

		ModuleTemp:       moduleTemp,
		EfficiencyFactor: solar.EfficiencyFactor(moduleTemp),

		GHILag1h:     lag(ghiAt, rec.Timestamp, 1),
		GHILag3h:     lag(ghiAt, rec.Timestamp, 3),
		GHIRolling3h: rollingMean3h(ghiAt, rec.Timestamp),

		AssetAgeYears: ageYears(asset.Installed, t),
		PeakKWP:       asset.PeakKWP,
	}
	return row, nil
}

// lag returns the GHI exactly n hours before ts, zero when that hour is not
// in the batch.
func lag(ghiAt map[int64]float64, ts int64, n int) float64 {
	return ghiAt[ts-int64(n)*3600]
}

// rollingMean3h averages the GHI over the three hours strictly before ts.
// Hours missing from the batch contribute zero rather than shrinking the
// window, keeping the divisor constant between training and inference.
func rollingMean3h(ghiAt map[int64]float64, ts int64) float64 {
	sum := 0.0
	for n := 1; n <= 3; n++ {
		sum += ghiAt[ts-int64(n)*3600]
	}
	return sum / 3
}

func ageYears(installed time.Time, at time.Time) float64 {
	if installed.IsZero() || at.Before(installed) {
		return 0
	}
	return at.Sub(installed).Hours() / hoursPerYear
}

func orDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
