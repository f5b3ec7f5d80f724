package tracker

import (
	"github.com/yegors/iftracker/internal/airports"
	"github.com/yegors/iftracker/internal/liveapi"
)

// AirportLocator answers nearest-airport lookups
type AirportLocator interface {
	Nearest(lat, lon float64) (airport airports.Airport, distanceKm float64, ok bool)
}

// LandingThresholds are the limits a last route point must be under to be
// classified as landed
type LandingThresholds struct {
	MaxAltitudeAGLFt  float64
	MaxGroundSpeedKts float64
	MaxDistanceKm     float64
}

// LandingResult is the outcome of a landing evaluation
type LandingResult struct {
	Landed        bool
	Airport       airports.Airport
	HasAirport    bool
	DistanceKm    float64
	AltitudeAGLFt float64
}

// EvaluateLanding classifies the last known point of a flight. Altitude is
// taken relative to the nearest airport's elevation, not sea level.
func EvaluateLanding(point liveapi.RoutePoint, locator AirportLocator, th LandingThresholds) LandingResult {
	if locator == nil {
		return LandingResult{}
	}

	airport, distanceKm, ok := locator.Nearest(point.Latitude, point.Longitude)
	if !ok {
		return LandingResult{}
	}

	agl := point.Altitude - airport.ElevationFeet
	return LandingResult{
		Landed: agl < th.MaxAltitudeAGLFt &&
			point.GroundSpeed < th.MaxGroundSpeedKts &&
			distanceKm < th.MaxDistanceKm,
		Airport:       airport,
		HasAirport:    true,
		DistanceKm:    distanceKm,
		AltitudeAGLFt: agl,
	}
}
