package physics

import (
	"math"
	"time"

	"github.com/westphae/geomag/pkg/egm96"
	"github.com/westphae/geomag/pkg/wmm"
)

// Constants
const (
	EarthRadiusKm = 6371.0 // Mean Earth radius used for great-circle distances
	FeetToMeters  = 0.3048 // Conversion factor from feet to meters
	DegToRad      = math.Pi / 180
)

// HaversineKm returns the great-circle distance in kilometers between two
// points on a spherical Earth
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * DegToRad
	dLon := (lon2 - lon1) * DegToRad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*DegToRad)*math.Cos(lat2*DegToRad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	// Rounding can push a slightly above 1 for antipodal points
	if a > 1 {
		a = 1
	}
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// NormalizeHeading wraps a heading into [0, 360)
func NormalizeHeading(deg float64) float64 {
	h := math.Mod(deg, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// CalculateMagneticVariation calculates the magnetic declination for a given position and time
// Returns declination in degrees (+East, -West)
func CalculateMagneticVariation(lat, lon, altFt float64, date time.Time) float64 {
	altM := altFt * FeetToMeters

	loc := egm96.NewLocationGeodetic(lat, lon, altM)

	mag, err := wmm.CalculateWMMMagneticField(loc, date)
	if err != nil {
		// Outside the model's validity window; fall back to true
		return 0.0
	}

	return mag.D()
}

// TrueToMagnetic converts a true track or heading to magnetic at the given position
func TrueToMagnetic(trueDeg, lat, lon, altFt float64, date time.Time) float64 {
	return NormalizeHeading(trueDeg - CalculateMagneticVariation(lat, lon, altFt, date))
}
