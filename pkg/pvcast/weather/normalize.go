package weather

import (
	"github.com/helioforge/pvcast/pkg/pvcast/solar"
)

// Normalize applies the post-processing every adapter runs before handing
// records to callers: night-time zeroing and estimation of missing irradiance
// components, with provenance flags for everything estimated.
//
// The rules, in order:
//   - Negative GHI is clamped to zero (sensor/model noise).
//   - Sun at or below the horizon forces GHI = DHI = DNI = 0 regardless of
//     provider input, without invoking the diffuse model.
//   - A missing DHI is estimated from GHI via the Erbs relation.
//   - A missing DNI is estimated from the closure relation.
//
// hasDHI/hasDNI report whether the provider supplied those components.
func Normalize(rec Record, lat, lon float64, hasDHI, hasDNI bool) Record {
	if rec.GHI < 0 {
		rec.GHI = 0
	}

	if solar.Elevation(rec.Timestamp, lat, lon) <= 0 {
		rec.GHI = 0
		rec.DHI = 0
		rec.DNI = 0
		if !hasDHI {
			rec.Estimated |= EstimatedDHI
		}
		if !hasDNI {
			rec.Estimated |= EstimatedDNI
		}
		return rec
	}

	if !hasDHI {
		rec.DHI = solar.EstimateDHI(rec.GHI, rec.Timestamp, lat, lon)
		rec.Estimated |= EstimatedDHI
	}
	if rec.DHI > rec.GHI {
		rec.DHI = rec.GHI
	}

	if !hasDNI {
		rec.DNI = solar.EstimateDNI(rec.GHI, rec.DHI, rec.Timestamp, lat, lon)
		rec.Estimated |= EstimatedDNI
	}

	return rec
}

// NormalizeAll applies Normalize to every record in place and returns the
// slice for chaining.
func NormalizeAll(recs []Record, lat, lon float64, hasDHI, hasDNI bool) []Record {
	for i := range recs {
		recs[i] = Normalize(recs[i], lat, lon, hasDHI, hasDNI)
	}
	return recs
}
