package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/yegors/iftracker/internal/airports"
	"github.com/yegors/iftracker/internal/liveapi"
	"github.com/yegors/iftracker/internal/notifier"
	"github.com/yegors/iftracker/pkg/logger"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notifier.Notification
}

func (r *recordingNotifier) Notify(note notifier.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
}

func (r *recordingNotifier) withReason(reason string) []notifier.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notifier.Notification
	for _, n := range r.notes {
		if n.Reason == reason {
			out = append(out, n)
		}
	}
	return out
}

type fakeGateway struct {
	mu              sync.Mutex
	sessions        []liveapi.Session
	sessionsErr     error
	panicOnSessions bool
	flights         map[string][]liveapi.Flight
	flightsErr      map[string]error
	routes          map[string][]liveapi.RoutePoint
	routeErr        error
	plans           map[string]*liveapi.FlightPlan
	routeCalls      int
	flightCalls     map[string]int
	onFlights       func(sessionID string)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sessions: []liveapi.Session{
			{ID: "s-casual", Name: "Casual Server"},
			{ID: "s-expert", Name: "Expert Server"},
			{ID: "s-training", Name: "Training Server"},
		},
		flights:     make(map[string][]liveapi.Flight),
		flightsErr:  make(map[string]error),
		routes:      make(map[string][]liveapi.RoutePoint),
		plans:       make(map[string]*liveapi.FlightPlan),
		flightCalls: make(map[string]int),
	}
}

func (g *fakeGateway) GetSessions(ctx context.Context) ([]liveapi.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.panicOnSessions {
		panic("unexpected payload")
	}
	if g.sessionsErr != nil {
		return nil, g.sessionsErr
	}
	return append([]liveapi.Session(nil), g.sessions...), nil
}

func (g *fakeGateway) GetFlights(ctx context.Context, sessionID string) ([]liveapi.Flight, error) {
	g.mu.Lock()
	g.flightCalls[sessionID]++
	hook := g.onFlights
	err := g.flightsErr[sessionID]
	flights := append([]liveapi.Flight(nil), g.flights[sessionID]...)
	g.mu.Unlock()

	if hook != nil {
		hook(sessionID)
	}
	if err != nil {
		return nil, err
	}
	return flights, nil
}

func (g *fakeGateway) GetFlightRoute(ctx context.Context, sessionID, flightID string) ([]liveapi.RoutePoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routeCalls++
	if g.routeErr != nil {
		return nil, g.routeErr
	}
	return g.routes[flightID], nil
}

func (g *fakeGateway) GetFlightPlan(ctx context.Context, sessionID, flightID string) (*liveapi.FlightPlan, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.plans[flightID], nil
}

func (g *fakeGateway) setFlights(sessionID string, flights ...liveapi.Flight) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flights[sessionID] = flights
}

func (g *fakeGateway) setRoute(flightID string, points ...liveapi.RoutePoint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routes[flightID] = points
}

func (g *fakeGateway) routeCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.routeCalls
}

type memoryStorage struct {
	mu    sync.Mutex
	saved map[string]*Tracker
	saves int
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{saved: make(map[string]*Tracker)}
}

func (m *memoryStorage) SaveTracker(ctx context.Context, t *Tracker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[t.ID] = t.Clone()
	m.saves++
	return nil
}

func (m *memoryStorage) LoadActiveTrackers(ctx context.Context) ([]*Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Tracker
	for _, t := range m.saved {
		if !t.Status.IsTerminal() {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

var testAirports = airports.NewIndex([]airports.Airport{
	{Code: "CYYZ", Name: "Toronto Pearson", Latitude: 43.6777, Longitude: -79.6248, ElevationFeet: 569},
	{Code: "KJFK", Name: "John F Kennedy", Latitude: 40.6413, Longitude: -73.7781, ElevationFeet: 13},
})

var testSchedule = Schedule{
	ActiveInterval:     30 * time.Second,
	BackgroundInterval: 300 * time.Second,
	RecentBackoff:      60 * time.Second,
	MediumBackoff:      300 * time.Second,
	LongBackoff:        900 * time.Second,
	RecentWindow:       15 * time.Minute,
	MediumWindow:       6 * time.Hour,
}

type harness struct {
	clock    *fakeClock
	notes    *recordingNotifier
	gateway  *fakeGateway
	storage  *memoryStorage
	registry *Registry
	service  *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   &fakeClock{now: t0},
		notes:   &recordingNotifier{},
		gateway: newFakeGateway(),
		storage: newMemoryStorage(),
	}

	seq := 0
	h.registry = NewRegistry(RegistryOptions{
		DefaultServer: "Expert Server",
		SearchTimeout: 24 * time.Hour,
		Storage:       h.storage,
		Notifier:      h.notes,
		Now:           h.clock.Now,
		NewID: func() string {
			seq++
			return fmt.Sprintf("trk-%d", seq)
		},
	}, logger.NewNop())

	h.service = NewService(h.gateway, h.registry, testAirports, Config{
		TickInterval:         20 * time.Second,
		MaxConcurrentServers: 2,
		SearchTimeout:        24 * time.Hour,
		ServerAliases: map[string]string{
			"expert":   "Expert Server",
			"training": "Training Server",
			"casual":   "Casual Server",
		},
		Schedule: testSchedule,
		Landing: LandingThresholds{
			MaxAltitudeAGLFt:  1000,
			MaxGroundSpeedKts: 40,
			MaxDistanceKm:     10,
		},
	}, logger.NewNop())
	return h
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	if err := h.service.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
}

func (h *harness) get(t *testing.T, id string) *Tracker {
	t.Helper()
	tr, err := h.registry.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", id, err)
	}
	return tr
}

func liveFlight(id, username string) liveapi.Flight {
	return liveapi.Flight{
		FlightID:    id,
		UserID:      "user-" + username,
		Username:    username,
		Callsign:    "ACA123",
		Latitude:    44.5,
		Longitude:   -78.2,
		Altitude:    35000,
		Speed:       450,
		Track:       90,
		Heading:     92,
		PilotState:  liveapi.PilotStateActive,
		IsConnected: true,
	}
}

func countEvents(tr *Tracker, typ EventType) int {
	n := 0
	for _, e := range tr.History {
		if e.Type == typ {
			n++
		}
	}
	return n
}
