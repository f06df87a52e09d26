// Package solar provides the solar-position and PV physics helpers shared by the
// weather adapters and the feature pipeline. All functions are pure: they take a
// timestamp plus location and return a value, with no I/O and no shared state.
package solar

import (
	"math"
	"time"
)

const (
	// SolarConstant is the extraterrestrial solar flux at mean Earth-Sun
	// distance in W/m².
	SolarConstant = 1361.0

	// NOCT is the nominal operating cell temperature in °C used by the
	// module-temperature model.
	NOCT = 45.0

	// TempCoefficient is the module efficiency loss per °C above 25°C.
	TempCoefficient = -0.004
)

// Elevation returns the sun elevation angle in degrees for a UTC timestamp and
// location. Negative values mean the sun is below the horizon. The declination
// and hour-angle formulas are the simplified ones commonly used for ML
// features; accuracy is a fraction of a degree, which is sufficient here.
func Elevation(ts int64, lat, lon float64) float64 {
	t := time.Unix(ts, 0).UTC()
	dayOfYear := float64(t.YearDay())

	declination := -23.45 * math.Cos(rad(360.0/365.0*(dayOfYear+10)))

	hour := float64(t.Hour()) + float64(t.Minute())/60.0
	solarTime := hour + lon/15.0
	hourAngle := 15.0 * (solarTime - 12.0)

	latRad := rad(lat)
	decRad := rad(declination)
	haRad := rad(hourAngle)

	sinElev := math.Sin(latRad)*math.Sin(decRad) + math.Cos(latRad)*math.Cos(decRad)*math.Cos(haRad)
	sinElev = clamp(sinElev, -1, 1)

	return deg(math.Asin(sinElev))
}

// Extraterrestrial returns the horizontal extraterrestrial irradiance in W/m²
// for a timestamp and location: the solar constant corrected for orbital
// eccentricity and projected onto the horizontal plane. Zero when the sun is
// below the horizon.
func Extraterrestrial(ts int64, lat, lon float64) float64 {
	elev := Elevation(ts, lat, lon)
	if elev <= 0 {
		return 0
	}

	t := time.Unix(ts, 0).UTC()
	dayAngle := 2 * math.Pi * float64(t.YearDay()) / 365.0
	eccentricity := 1 + 0.033*math.Cos(dayAngle)

	return SolarConstant * eccentricity * math.Sin(rad(elev))
}

// ClearSkyGHI returns the theoretical clear-sky global horizontal irradiance in
// W/m² (Haurwitz model). Zero when the sun is below the horizon.
func ClearSkyGHI(ts int64, lat, lon float64) float64 {
	elev := Elevation(ts, lat, lon)
	if elev <= 0 {
		return 0
	}
	sinElev := math.Sin(rad(elev))
	return 1098.0 * sinElev * math.Exp(-0.059/sinElev)
}

// ClearnessIndex returns kt = ghi / extraterrestrial, clipped to [0, 1].
// Returns 0 when the extraterrestrial irradiance is zero (night).
func ClearnessIndex(ghi float64, extraterrestrial float64) float64 {
	if extraterrestrial <= 0 {
		return 0
	}
	return clamp(ghi/extraterrestrial, 0, 1)
}

// DiffuseFraction implements the Erbs relation: the fraction of global
// irradiance that is diffuse, as a piecewise function of the clearness index.
func DiffuseFraction(kt float64) float64 {
	switch {
	case kt <= 0.22:
		return 1.0 - 0.09*kt
	case kt <= 0.80:
		return 0.9511 - 0.1604*kt + 4.388*math.Pow(kt, 2) - 16.638*math.Pow(kt, 3) + 12.336*math.Pow(kt, 4)
	default:
		return 0.165
	}
}

// EstimateDHI estimates the diffuse horizontal irradiance from GHI via the
// Erbs relation. Returns 0 when the sun is down or GHI is zero. The result is
// clipped to [0, ghi].
func EstimateDHI(ghi float64, ts int64, lat, lon float64) float64 {
	if ghi <= 0 {
		return 0
	}
	extra := Extraterrestrial(ts, lat, lon)
	if extra <= 0 {
		return 0
	}
	dhi := DiffuseFraction(ClearnessIndex(ghi, extra)) * ghi
	return clamp(dhi, 0, ghi)
}

// EstimateDNI estimates direct normal irradiance from the closure relation
// DNI = (GHI - DHI) / sin(elevation). Returns 0 when the sun is at or below
// 3° elevation, where the closure relation blows up.
func EstimateDNI(ghi, dhi float64, ts int64, lat, lon float64) float64 {
	elev := Elevation(ts, lat, lon)
	if elev <= 3.0 {
		return 0
	}
	dni := (ghi - dhi) / math.Sin(rad(elev))
	return math.Max(0, dni)
}

// ModuleTemperature estimates the PV cell temperature in °C from ambient
// temperature, irradiance and wind speed using the NOCT model.
func ModuleTemperature(ambientC, ghi, windMS float64) float64 {
	return ambientC + (ghi/800.0)*(NOCT-20.0) - 2.0*windMS
}

// EfficiencyFactor returns the temperature derating factor for a module
// temperature: 1.0 at 25°C, decreasing by |TempCoefficient| per degree above.
func EfficiencyFactor(moduleTempC float64) float64 {
	if moduleTempC <= 25.0 {
		return 1.0
	}
	return 1.0 + TempCoefficient*(moduleTempC-25.0)
}

func rad(d float64) float64 { return d * math.Pi / 180.0 }
func deg(r float64) float64 { return r * 180.0 / math.Pi }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
