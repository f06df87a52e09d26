// Package weather defines the normalized weather data model, the provider
// contracts every adapter implements, and the shared normalization step that
// makes heterogeneous sources converge on one record shape.
package weather

import (
	"context"
	"time"
)

// Provenance marks which fields of a Record were estimated rather than
// measured by the provider. Stored alongside the record so downstream
// consumers can audit estimated values.
type Provenance uint8

const (
	EstimatedDHI Provenance = 1 << iota
	EstimatedDNI
	EstimatedHumidity
)

// Has reports whether the given flag is set.
func (p Provenance) Has(flag Provenance) bool { return p&flag != 0 }

// Record is the canonical normalized weather observation or forecast value for
// one hour. Timestamp is UTC seconds since epoch and, with the source name,
// uniquely identifies a record. GHI is mandatory; adapters drop records that
// lack it. Optional fields are nil when the provider did not supply them.
type Record struct {
	Timestamp int64 // Unix timestamp (UTC)

	GHI float64 // Global horizontal irradiance [W/m²], required
	DHI float64 // Diffuse horizontal irradiance [W/m²], estimated if unavailable
	DNI float64 // Direct normal irradiance [W/m²], estimated if unavailable

	CloudCover  *float64 // Cloud cover [0-100 %]
	Temperature *float64 // Air temperature at 2m [°C]
	WindSpeed   *float64 // Wind speed at 10m [m/s]
	Humidity    *float64 // Relative humidity [0-100 %]

	Estimated Provenance
}

// Issue is a forecast record together with the time the forecast was produced.
// Multiple issues may predict the same target time from different issue times;
// the composite key is (source, issued_at, target_time).
type Issue struct {
	Source     string
	IssuedAt   time.Time
	TargetTime time.Time
	Record     Record
}

// Horizon returns the lead time of the forecast.
func (i Issue) Horizon() time.Duration { return i.TargetTime.Sub(i.IssuedAt) }

// GapRange is a missing [Start, End) interval in persisted historical records.
type GapRange struct {
	Start time.Time
	End   time.Time
}

// Duration returns the length of the gap.
func (g GapRange) Duration() time.Duration { return g.End.Sub(g.Start) }

// ForecastSource is implemented by providers that publish forward-looking
// forecasts. FetchForecast returns normalized records starting near now,
// covering up to horizonHours hours.
type ForecastSource interface {
	Name() string
	FetchForecast(ctx context.Context, horizonHours int) ([]Record, error)
}

// HistoricalSource is implemented by providers that serve ground-truth
// historical data. FetchHistorical returns records covering [start, end).
// AvailableRange reports the coverage of the provider; requests outside it
// fail with a RangeUnavailableError.
type HistoricalSource interface {
	Name() string
	FetchHistorical(ctx context.Context, start, end time.Time) ([]Record, error)
	AvailableRange() (earliest, latest time.Time)
}

// Float returns a pointer to v, for filling optional Record fields.
func Float(v float64) *float64 { return &v }
