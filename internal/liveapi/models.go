package liveapi

import (
	"strings"
	"time"
)

// Session is a server instance on the flight network (e.g. "Expert Server")
type Session struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UserCount int    `json:"userCount"`
	MaxUsers  int    `json:"maxUsers"`
	Type      int    `json:"type"`
	WorldType int    `json:"worldType"`
}

// PilotState is the pilot app activity state reported with each flight
type PilotState int

const (
	PilotStateActive             PilotState = 0
	PilotStateActiveBackground   PilotState = 1
	PilotStateInactive           PilotState = 2
	PilotStateInactiveBackground PilotState = 3
)

// IsBackground reports whether the pilot app is backgrounded or minimized
func (p PilotState) IsBackground() bool {
	return p == PilotStateActiveBackground || p == PilotStateInactiveBackground
}

func (p PilotState) String() string {
	switch p {
	case PilotStateActive:
		return "active"
	case PilotStateActiveBackground:
		return "active_background"
	case PilotStateInactive:
		return "inactive"
	case PilotStateInactiveBackground:
		return "inactive_background"
	default:
		return "unknown"
	}
}

// Flight is one live flight entry from the per-session flight list
type Flight struct {
	FlightID            string     `json:"flightId"`
	UserID              string     `json:"userId"`
	Username            string     `json:"username"`
	Callsign            string     `json:"callsign"`
	Latitude            float64    `json:"latitude"`
	Longitude           float64    `json:"longitude"`
	Altitude            float64    `json:"altitude"`      // feet MSL
	Speed               float64    `json:"speed"`         // ground speed, knots
	VerticalSpeed       float64    `json:"verticalSpeed"` // feet per minute
	Track               float64    `json:"track"`
	Heading             float64    `json:"heading"`
	LastReport          string     `json:"lastReport"`
	AircraftID          string     `json:"aircraftId"`
	LiveryID            string     `json:"liveryId"`
	VirtualOrganization string     `json:"virtualOrganization"`
	PilotState          PilotState `json:"pilotState"`
	IsConnected         bool       `json:"isConnected"`
}

// LastReportTime parses LastReport; the zero time is returned when absent or malformed
func (f *Flight) LastReportTime() time.Time {
	return parseTimestamp(f.LastReport)
}

// RoutePoint is one historical position report of a flight
type RoutePoint struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Altitude    float64 `json:"altitude"` // feet MSL
	Track       float64 `json:"track"`
	GroundSpeed float64 `json:"groundSpeed"` // knots
	Date        string  `json:"date"`
}

// Time parses the report date; the zero time is returned when absent or malformed
func (p *RoutePoint) Time() time.Time {
	return parseTimestamp(p.Date)
}

// Location is a flight plan item position
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// FlightPlanItem is a waypoint or procedure in a flight plan; procedures carry children
type FlightPlanItem struct {
	Name       string           `json:"name"`
	Type       int              `json:"type"`
	Identifier string           `json:"identifier"`
	Altitude   int              `json:"altitude"`
	Location   Location         `json:"location"`
	Children   []FlightPlanItem `json:"children"`
}

// FlightPlan is the filed plan of a flight
type FlightPlan struct {
	FlightPlanID    string           `json:"flightPlanId"`
	FlightID        string           `json:"flightId"`
	Waypoints       []string         `json:"waypoints"`
	LastUpdate      string           `json:"lastUpdate"`
	FlightPlanItems []FlightPlanItem `json:"flightPlanItems"`
}

// Destination returns the last named waypoint, which is the arrival airport
// for complete plans
func (fp *FlightPlan) Destination() string {
	if fp == nil {
		return ""
	}
	for i := len(fp.Waypoints) - 1; i >= 0; i-- {
		if w := strings.TrimSpace(fp.Waypoints[i]); w != "" {
			return w
		}
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02 15:04:05Z",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
