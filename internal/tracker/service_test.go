package tracker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/yegors/iftracker/internal/liveapi"
)

// onField is a point 200 ft above CYYZ, 15 kt, about 2 km from the field
var onField = liveapi.RoutePoint{Latitude: 43.6957, Longitude: -79.6248, Altitude: 769, Track: 240, GroundSpeed: 15, Date: "2024-05-01T13:00:00Z"}

var cruising = liveapi.RoutePoint{Latitude: 44.5, Longitude: -78.2, Altitude: 35000, Track: 90, GroundSpeed: 450}

func TestTrackerGoesOnlineOnce(t *testing.T) {
	h := newHarness(t)
	tr, _, _ := h.registry.Add("Maverick", "", "")
	h.gateway.setFlights("s-expert", liveFlight("f1", "maverick"))

	h.tick(t)
	got := h.get(t, tr.ID)
	if got.Status != StateTracking {
		t.Fatalf("Expected tracking, got %s", got.Status)
	}
	if got.Flight == nil || got.Flight.FlightID != "f1" || got.Flight.GroundSpeed != 450 {
		t.Errorf("Unexpected snapshot %+v", got.Flight)
	}
	if got.LastFlight == nil || got.LastFlight.SessionID != "s-expert" {
		t.Errorf("Expected remembered flight on s-expert, got %+v", got.LastFlight)
	}
	if got.LastSeenAt == nil || !got.LastSeenAt.Equal(t0) {
		t.Errorf("Expected lastSeenAt %v, got %v", t0, got.LastSeenAt)
	}
	if !got.NextPollAt.Equal(t0.Add(30 * time.Second)) {
		t.Errorf("Expected active interval, got %v", got.NextPollAt)
	}

	h.clock.Advance(30 * time.Second)
	h.tick(t)
	h.clock.Advance(30 * time.Second)
	h.tick(t)

	got = h.get(t, tr.ID)
	if n := countEvents(got, EventOnline); n != 1 {
		t.Errorf("Expected exactly 1 online event, got %d", n)
	}
	if got.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", got.Attempts)
	}
	online := h.notes.withReason(ReasonUserOnline)
	if len(online) != 1 {
		t.Fatalf("Expected 1 user_online callback, got %d", len(online))
	}
	if online[0].Status != "tracking" || online[0].Flight == nil {
		t.Errorf("Expected tracking status with flight, got %+v", online[0])
	}
}

func TestBackgroundPilotPolledLessOften(t *testing.T) {
	h := newHarness(t)
	tr, _, _ := h.registry.Add("Maverick", "", "")
	f := liveFlight("f1", "Maverick")
	f.PilotState = liveapi.PilotStateActiveBackground
	h.gateway.setFlights("s-expert", f)

	h.tick(t)
	got := h.get(t, tr.ID)
	if !got.NextPollAt.Equal(t0.Add(300 * time.Second)) {
		t.Errorf("Expected background interval, got %v", got.NextPollAt)
	}
	if !got.Flight.Background {
		t.Error("Expected snapshot to be marked background")
	}
}

func TestNewFlightIDIsRelocked(t *testing.T) {
	h := newHarness(t)
	tr, _, _ := h.registry.Add("Maverick", "", "")
	h.gateway.setFlights("s-expert", liveFlight("f1", "Maverick"))
	h.tick(t)

	// pilot reconnected with a new flight
	h.gateway.setFlights("s-expert", liveFlight("f2", "Maverick"))
	h.clock.Advance(30 * time.Second)
	h.tick(t)

	got := h.get(t, tr.ID)
	if got.LastFlight.FlightID != "f2" {
		t.Errorf("Expected relock onto f2, got %s", got.LastFlight.FlightID)
	}
	if n := countEvents(got, EventOnline); n != 2 {
		t.Errorf("Expected a second online event for the new flight, got %d", n)
	}
}

func TestRememberedFlightPreferred(t *testing.T) {
	h := newHarness(t)
	tr, _, _ := h.registry.Add("Maverick", "", "")
	h.gateway.setFlights("s-expert", liveFlight("f1", "Maverick"))
	h.tick(t)

	// two live entries for the same pilot; the remembered one wins
	h.gateway.setFlights("s-expert", liveFlight("f9", "Maverick"), liveFlight("f1", "Maverick"))
	h.clock.Advance(30 * time.Second)
	h.tick(t)

	got := h.get(t, tr.ID)
	if got.LastFlight.FlightID != "f1" {
		t.Errorf("Expected f1 to stay locked, got %s", got.LastFlight.FlightID)
	}
	if n := countEvents(got, EventOnline); n != 1 {
		t.Errorf("Expected no further online events, got %d", n)
	}
}

func TestLanding(t *testing.T) {
	h := newHarness(t)
	tr, _, _ := h.registry.Add("Maverick", "", "")
	h.gateway.setFlights("s-expert", liveFlight("f1", "Maverick"))
	h.tick(t)

	h.gateway.setFlights("s-expert")
	h.gateway.setRoute("f1", cruising, onField)
	h.clock.Advance(90 * time.Minute)
	h.tick(t)

	got := h.get(t, tr.ID)
	if got.Status != StateLanded {
		t.Fatalf("Expected landed, got %s", got.Status)
	}
	if n := countEvents(got, EventLanded); n != 1 {
		t.Errorf("Expected 1 landed event, got %d", n)
	}
	last := got.History[len(got.History)-1]
	if last.Type != EventLanded || last.Airport != "CYYZ" {
		t.Errorf("Expected landed event at CYYZ, got %+v", last)
	}
	if countEvents(got, EventOffline) != 0 {
		t.Error("Landing must not also record an offline event")
	}

	landed := h.notes.withReason(ReasonFlightLanded)
	if len(landed) != 1 {
		t.Fatalf("Expected 1 flight_landed callback, got %d", len(landed))
	}
	note := landed[0]
	if note.FlightDurationMs == nil || *note.FlightDurationMs != (90*time.Minute).Milliseconds() {
		t.Errorf("Expected 90 minute duration, got %v", note.FlightDurationMs)
	}
	if note.Airport == nil || note.Airport.Code != "CYYZ" || note.Airport.DistanceKm > 3 {
		t.Errorf("Unexpected airport %+v", note.Airport)
	}
	if note.LastPosition == nil || note.LastPosition.GroundSpeed != 15 {
		t.Errorf("Unexpected last position %+v", note.LastPosition)
	}
	if len(h.notes.withReason(ReasonUserOffline)) != 0 {
		t.Error("Landing must not fire user_offline")
	}

	// terminal: never polled again
	calls := h.gateway.routeCallCount()
	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Hour)
		h.tick(t)
	}
	if h.gateway.routeCallCount() != calls {
		t.Error("Landed tracker was polled again")
	}
	if len(h.notes.withReason(ReasonFlightLanded)) != 1 {
		t.Error("Expected no further landed callbacks")
	}
}

func TestOfflineMidAir(t *testing.T) {
	h := newHarness(t)
	tr, _, _ := h.registry.Add("Maverick", "", "")
	h.gateway.setFlights("s-expert", liveFlight("f1", "Maverick"))
	h.tick(t)

	h.gateway.setFlights("s-expert")
	h.gateway.setRoute("f1", cruising)
	h.clock.Advance(30 * time.Second)
	h.tick(t)

	got := h.get(t, tr.ID)
	if got.Status != StateSearching {
		t.Fatalf("Expected searching, got %s", got.Status)
	}
	if got.Flight != nil {
		t.Error("Expected current snapshot to be cleared")
	}
	if got.LastFlight == nil || got.LastFlight.FlightID != "f1" {
		t.Error("Expected remembered flight to be kept for later landing checks")
	}
	if n := countEvents(got, EventOffline); n != 1 {
		t.Errorf("Expected 1 offline event, got %d", n)
	}
	if n := len(h.notes.withReason(ReasonUserOffline)); n != 1 {
		t.Errorf("Expected 1 user_offline callback, got %d", n)
	}
	// seen 30s ago: short backoff
	if want := h.clock.Now().Add(60 * time.Second); !got.NextPollAt.Equal(want) {
		t.Errorf("Expected next poll %v, got %v", want, got.NextPollAt)
	}

	// still gone on the next poll: no second offline
	h.clock.Advance(60 * time.Second)
	h.tick(t)
	got = h.get(t, tr.ID)
	if n := countEvents(got, EventOffline); n != 1 {
		t.Errorf("Expected still 1 offline event, got %d", n)
	}

	// remembered flight later shows it landed
	h.gateway.setRoute("f1", cruising, onField)
	h.clock.Advance(60 * time.Second)
	h.tick(t)
	if got := h.get(t, tr.ID); got.Status != StateLanded {
		t.Errorf("Expected landed after going offline, got %s", got.Status)
	}
}

func TestSearchBackoff(t *testing.T) {
	h := newHarness(t)
	tr, _, _ := h.registry.Add("Maverick", "", "")

	h.tick(t)
	got := h.get(t, tr.ID)
	if h.gateway.routeCallCount() != 0 {
		t.Error("Landing check must be skipped without a remembered flight")
	}
	if got.Status != StateSearching {
		t.Errorf("Expected searching, got %s", got.Status)
	}
	if !got.NextPollAt.Equal(t0.Add(60 * time.Second)) {
		t.Errorf("Expected short backoff, got %v", got.NextPollAt)
	}

	h.clock.Advance(time.Hour)
	h.tick(t)
	if got := h.get(t, tr.ID); !got.NextPollAt.Equal(h.clock.Now().Add(300 * time.Second)) {
		t.Errorf("Expected medium backoff, got %v", got.NextPollAt)
	}

	h.clock.Advance(7 * time.Hour)
	h.tick(t)
	if got := h.get(t, tr.ID); !got.NextPollAt.Equal(h.clock.Now().Add(900 * time.Second)) {
		t.Errorf("Expected long backoff, got %v", got.NextPollAt)
	}
}

func TestSearchTimeout(t *testing.T) {
	h := newHarness(t)
	tr, _, _ := h.registry.Add("Maverick", "", "")

	h.clock.Advance(24 * time.Hour)
	h.tick(t)

	got := h.get(t, tr.ID)
	if got.Status != StateNotFound {
		t.Fatalf("Expected not_found, got %s", got.Status)
	}
	if len(got.History) != 1 {
		t.Errorf("Timeout should not append history events, got %+v", got.History)
	}
	timeouts := h.notes.withReason("timeout_24h")
	if len(timeouts) != 1 || timeouts[0].Status != "not_found" {
		t.Errorf("Expected one timeout_24h callback, got %+v", timeouts)
	}

	h.clock.Advance(time.Hour)
	h.tick(t)
	if len(h.notes.withReason("timeout_24h")) != 1 {
		t.Error("Timed out tracker was processed again")
	}
	if len(h.registry.ListActive()) != 0 {
		t.Error("Timed out tracker should not be active")
	}
}

func TestTimeoutWhenLandingInconclusive(t *testing.T) {
	h := newHarness(t)
	tr, _, _ := h.registry.Add("Maverick", "", "")
	h.gateway.setFlights("s-expert", liveFlight("f1", "Maverick"))
	h.tick(t)

	h.gateway.setFlights("s-expert")
	h.gateway.mu.Lock()
	h.gateway.routeErr = errors.New("route unavailable")
	h.gateway.mu.Unlock()

	// before the deadline a route failure leaves the tracker untouched
	h.clock.Advance(time.Minute)
	h.tick(t)
	got := h.get(t, tr.ID)
	if got.Status != StateTracking || got.Attempts != 1 {
		t.Errorf("Expected untouched tracker, got %s after %d attempts", got.Status, got.Attempts)
	}

	h.clock.Advance(24 * time.Hour)
	h.tick(t)
	if got := h.get(t, tr.ID); got.Status != StateNotFound {
		t.Errorf("Expected not_found past the deadline, got %s", got.Status)
	}
	if len(h.notes.withReason("timeout_24h")) != 1 {
		t.Error("Expected one timeout callback")
	}
}

func TestLandingWinsOverExpiredDeadline(t *testing.T) {
	h := newHarness(t)
	tr, _, _ := h.registry.Add("Maverick", "", "")
	h.gateway.setFlights("s-expert", liveFlight("f1", "Maverick"))
	h.tick(t)

	// the pilot disappears and the deadline has already passed by the next poll
	h.gateway.setFlights("s-expert")
	h.gateway.setRoute("f1", cruising, onField)
	h.clock.Advance(25 * time.Hour)
	h.tick(t)

	got := h.get(t, tr.ID)
	if got.Status != StateLanded {
		t.Fatalf("Expected landed, got %s", got.Status)
	}
	if n := len(h.notes.withReason(ReasonFlightLanded)); n != 1 {
		t.Errorf("Expected 1 flight_landed callback, got %d", n)
	}
	if n := len(h.notes.withReason("timeout_24h")); n != 0 {
		t.Errorf("Expected no timeout callback, got %d", n)
	}
}

func TestNextPollNeverMovesBackwards(t *testing.T) {
	h := newHarness(t)
	tr, _, _ := h.registry.Add("Maverick", "", "")
	h.gateway.setRoute("f1", cruising)

	prev := h.get(t, tr.ID).NextPollAt
	for i := 0; i < 12; i++ {
		if i%3 == 0 {
			h.gateway.setFlights("s-expert", liveFlight("f1", "Maverick"))
		} else {
			h.gateway.setFlights("s-expert")
		}
		h.tick(t)

		got := h.get(t, tr.ID)
		if got.NextPollAt.Before(prev) {
			t.Fatalf("nextPollAt moved backwards: %v -> %v", prev, got.NextPollAt)
		}
		if got.NextPollAt.Before(h.clock.Now()) {
			t.Fatalf("nextPollAt %v is in the past (now %v)", got.NextPollAt, h.clock.Now())
		}
		if got.NextPollAt.Before(got.CreatedAt) {
			t.Fatal("nextPollAt before creation")
		}
		prev = got.NextPollAt
		h.clock.Advance(got.NextPollAt.Sub(h.clock.Now()))
	}
}

func TestSessionFailureLeavesTrackersDue(t *testing.T) {
	h := newHarness(t)
	tr, _, _ := h.registry.Add("Maverick", "", "")
	h.gateway.sessionsErr = errors.New("connection refused")

	if err := h.service.Tick(context.Background()); err == nil {
		t.Fatal("Expected tick error")
	}
	got := h.get(t, tr.ID)
	if got.Attempts != 0 || !got.NextPollAt.Equal(t0) {
		t.Errorf("Expected untouched tracker, got attempts=%d next=%v", got.Attempts, got.NextPollAt)
	}
	if st := h.service.Status(); st.LastTickOK || !st.LastTick.Equal(t0) {
		t.Errorf("Expected failed tick status, got %+v", st)
	}

	h.gateway.mu.Lock()
	h.gateway.sessionsErr = nil
	h.gateway.mu.Unlock()
	h.tick(t)
	if got := h.get(t, tr.ID); got.Attempts != 1 {
		t.Errorf("Expected tracker retried on next tick, got %d attempts", got.Attempts)
	}
	if !h.service.Status().LastTickOK {
		t.Error("Expected successful tick status")
	}
}

func TestServerGroupsAreIsolated(t *testing.T) {
	h := newHarness(t)
	expert, _, _ := h.registry.Add("Maverick", "Expert Server", "")
	training, _, _ := h.registry.Add("Goose", "training", "")
	other, _, _ := h.registry.Add("Iceman", "EXPERT SERVER", "")

	h.gateway.setFlights("s-expert", liveFlight("f1", "Maverick"), liveFlight("f2", "Iceman"))
	h.gateway.flightsErr["s-training"] = errors.New("timeout")

	err := h.service.Tick(context.Background())
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Errorf("Expected one failed group, got %v", err)
	}

	if got := h.get(t, expert.ID); got.Status != StateTracking {
		t.Errorf("Expected expert tracker tracking, got %s", got.Status)
	}
	if got := h.get(t, other.ID); got.Status != StateTracking {
		t.Errorf("Expected second expert tracker tracking, got %s", got.Status)
	}
	if got := h.get(t, training.ID); got.Attempts != 0 {
		t.Errorf("Expected training tracker untouched, got %d attempts", got.Attempts)
	}

	// one fetch per server per tick
	if n := h.gateway.flightCalls["s-expert"]; n != 1 {
		t.Errorf("Expected 1 flight fetch for s-expert, got %d", n)
	}
}

func TestServerGroupPanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	expert, _, _ := h.registry.Add("Maverick", "Expert Server", "")
	training, _, _ := h.registry.Add("Goose", "training", "")
	h.gateway.setFlights("s-expert", liveFlight("f1", "Maverick"))
	h.gateway.onFlights = func(sessionID string) {
		if sessionID == "s-training" {
			panic("malformed flight payload")
		}
	}

	err := h.service.Tick(context.Background())
	if err == nil || errors.Is(err, ErrTickSkipped) || !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("Expected one failed group, got %v", err)
	}
	if h.service.Status().LastTickOK {
		t.Error("Expected failed tick status")
	}
	if got := h.get(t, expert.ID); got.Status != StateTracking {
		t.Errorf("Expected sibling group processed, got %s", got.Status)
	}
	got := h.get(t, training.ID)
	if got.Status != StateSearching || got.Attempts != 0 || !got.NextPollAt.Equal(t0) {
		t.Errorf("Expected training tracker untouched, got %s after %d attempts", got.Status, got.Attempts)
	}

	// the scheduler keeps working after the panic
	h.gateway.mu.Lock()
	h.gateway.onFlights = nil
	h.gateway.mu.Unlock()
	h.tick(t)
	if got := h.get(t, training.ID); got.Attempts != 1 {
		t.Errorf("Expected training tracker retried, got %d attempts", got.Attempts)
	}
}

func TestStopDuringPoll(t *testing.T) {
	h := newHarness(t)
	tr, _, _ := h.registry.Add("Maverick", "", "")
	h.gateway.setFlights("s-expert", liveFlight("f1", "Maverick"))
	h.gateway.onFlights = func(string) {
		h.registry.Stop(tr.ID)
	}

	h.tick(t)

	got := h.get(t, tr.ID)
	if got.Status != StateStopped {
		t.Errorf("Expected stopped, got %s", got.Status)
	}
	if countEvents(got, EventOnline) != 0 {
		t.Error("In-flight poll must not touch a stopped tracker")
	}
	if len(h.notes.withReason(ReasonUserOnline)) != 0 {
		t.Error("Expected no online callback for a stopped tracker")
	}
}

func TestDelayDuringPoll(t *testing.T) {
	h := newHarness(t)
	tr, _, _ := h.registry.Add("Maverick", "", "")
	h.gateway.setFlights("s-expert", liveFlight("f1", "Maverick"))
	h.gateway.onFlights = func(string) {
		h.registry.Delay(tr.ID, 10*time.Minute)
	}

	h.tick(t)

	got := h.get(t, tr.ID)
	if !got.NextPollAt.Equal(t0.Add(10 * time.Minute)) {
		t.Errorf("Expected delay to survive the poll, got %v", got.NextPollAt)
	}
	if countEvents(got, EventDelayedByTest) != 1 || countEvents(got, EventOnline) != 1 {
		t.Errorf("Expected both delay and online events, got %+v", got.History)
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.service.tickMu.Lock()
	err := h.service.Tick(context.Background())
	h.service.tickMu.Unlock()

	if !errors.Is(err, ErrTickSkipped) {
		t.Errorf("Expected ErrTickSkipped, got %v", err)
	}
}

func TestTickRecoversFromPanic(t *testing.T) {
	h := newHarness(t)
	h.registry.Add("Maverick", "", "")
	h.gateway.panicOnSessions = true

	err := h.service.Tick(context.Background())
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Errorf("Expected recovered panic error, got %v", err)
	}
	if h.service.Status().LastTickOK {
		t.Error("Expected failed tick status")
	}

	// the lock was released
	h.gateway.panicOnSessions = false
	h.tick(t)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	tr, _, _ := h.registry.Add("Maverick", "", "")
	h.gateway.setFlights("s-expert", liveFlight("f1", "Maverick"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.service.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := h.get(t, tr.ID); got.Status == StateTracking {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.service.Stop()

	if got := h.get(t, tr.ID); got.Status != StateTracking {
		t.Errorf("Expected the first tick to run on start, got %s", got.Status)
	}
}

func TestFlightPlan(t *testing.T) {
	h := newHarness(t)
	tr, _, _ := h.registry.Add("Maverick", "", "")

	if _, err := h.service.FlightPlan(context.Background(), tr.ID); !errors.Is(err, ErrNoFlight) {
		t.Errorf("Expected ErrNoFlight, got %v", err)
	}
	if _, err := h.service.FlightPlan(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	h.gateway.setFlights("s-expert", liveFlight("f1", "Maverick"))
	h.gateway.plans["f1"] = &liveapi.FlightPlan{FlightID: "f1", Waypoints: []string{"CYYZ", "KJFK"}}
	h.tick(t)

	plan, err := h.service.FlightPlan(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("FlightPlan failed: %v", err)
	}
	if plan.Destination() != "KJFK" {
		t.Errorf("Expected KJFK, got %s", plan.Destination())
	}
}
