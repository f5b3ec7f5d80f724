package tracker

import (
	"strings"
	"time"
)

// State is the lifecycle state of a tracker
type State string

const (
	StateSearching State = "searching"
	StateTracking  State = "tracking"
	StateLanded    State = "landed"
	StateNotFound  State = "not_found"
	StateStopped   State = "stopped"
)

// IsTerminal reports whether no further transitions are possible
func (s State) IsTerminal() bool {
	return s == StateLanded || s == StateNotFound || s == StateStopped
}

// EventType names a history entry
type EventType string

const (
	EventCreated       EventType = "created"
	EventOnline        EventType = "online"
	EventOffline       EventType = "offline"
	EventLanded        EventType = "landed"
	EventStopped       EventType = "stopped"
	EventDelayedByTest EventType = "delayed_by_test"
)

// Callback reasons
const (
	ReasonUserOnline       = "user_online"
	ReasonUserOffline      = "user_offline"
	ReasonFlightLanded     = "flight_landed"
	ReasonStoppedByRequest = "stopped_by_request"
)

// Event is one timestamped entry in a tracker's history
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	FlightID  string    `json:"flightId,omitempty"`
	Airport   string    `json:"airport,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// FlightRef identifies a flight on a session. It outlives the live snapshot
// so the final route can be queried after the flight disappears.
type FlightRef struct {
	FlightID  string `json:"flightId"`
	SessionID string `json:"sessionId"`
}

// FlightSnapshot is the simplified view of a matched live flight
type FlightSnapshot struct {
	FlightID      string  `json:"flightId"`
	SessionID     string  `json:"sessionId"`
	UserID        string  `json:"userId"`
	Username      string  `json:"username"`
	Callsign      string  `json:"callsign"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Altitude      float64 `json:"altitude"`
	GroundSpeed   float64 `json:"groundSpeed"`
	VerticalSpeed float64 `json:"verticalSpeed"`
	Track         float64 `json:"track"`
	MagneticTrack float64 `json:"magneticTrack"`
	Heading       float64 `json:"heading"`
	LastReport    string  `json:"lastReport,omitempty"`
	PilotState    string  `json:"pilotState"`
	Background    bool    `json:"background"`
	IsConnected   bool    `json:"isConnected"`
}

// Tracker is a tracking task for one pilot on one server
type Tracker struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	Server       string          `json:"server"`
	CallbackURL  string          `json:"callbackUrl,omitempty"`
	Status       State           `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastPolledAt *time.Time      `json:"lastPolledAt"`
	LastSeenAt   *time.Time      `json:"lastSeenAt"`
	NextPollAt   time.Time       `json:"nextPollAt"`
	TimeoutAt    time.Time       `json:"timeoutAt"`
	Attempts     int             `json:"attempts"`
	Flight       *FlightSnapshot `json:"flight"`
	LastFlight   *FlightRef      `json:"lastFlight,omitempty"`
	History      []Event         `json:"history"`
}

// Summary is the list view of a tracker, without history
type Summary struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	Server       string          `json:"server"`
	Status       State           `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastPolledAt *time.Time      `json:"lastPolledAt"`
	LastSeenAt   *time.Time      `json:"lastSeenAt"`
	NextPollAt   time.Time       `json:"nextPollAt"`
	TimeoutAt    time.Time       `json:"timeoutAt"`
	Attempts     int             `json:"attempts"`
	Flight       *FlightSnapshot `json:"flight"`
}

// Summary returns the list view of the tracker
func (t *Tracker) Summary() Summary {
	return Summary{
		ID:           t.ID,
		Username:     t.Username,
		Server:       t.Server,
		Status:       t.Status,
		CreatedAt:    t.CreatedAt,
		LastPolledAt: t.LastPolledAt,
		LastSeenAt:   t.LastSeenAt,
		NextPollAt:   t.NextPollAt,
		TimeoutAt:    t.TimeoutAt,
		Attempts:     t.Attempts,
		Flight:       t.Flight,
	}
}

// Clone returns a deep copy
func (t *Tracker) Clone() *Tracker {
	cp := *t
	if t.LastPolledAt != nil {
		v := *t.LastPolledAt
		cp.LastPolledAt = &v
	}
	if t.LastSeenAt != nil {
		v := *t.LastSeenAt
		cp.LastSeenAt = &v
	}
	if t.Flight != nil {
		v := *t.Flight
		cp.Flight = &v
	}
	if t.LastFlight != nil {
		v := *t.LastFlight
		cp.LastFlight = &v
	}
	cp.History = make([]Event, len(t.History))
	copy(cp.History, t.History)
	return &cp
}

// appendEvent adds a history entry
func (t *Tracker) appendEvent(e Event) {
	t.History = append(t.History, e)
}

// lastOnlineAt returns the timestamp of the most recent online event
func (t *Tracker) lastOnlineAt() (time.Time, bool) {
	for i := len(t.History) - 1; i >= 0; i-- {
		if t.History[i].Type == EventOnline {
			return t.History[i].Timestamp, true
		}
	}
	return time.Time{}, false
}

// identityKey is the case-insensitive dedup key of a tracker
func identityKey(username, server string) string {
	return strings.ToLower(strings.TrimSpace(username)) + "\x00" + strings.ToLower(strings.TrimSpace(server))
}

// serverKey groups trackers targeting the same server
func serverKey(server string) string {
	return strings.ToLower(strings.TrimSpace(server))
}
