package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yegors/iftracker/internal/liveapi"
	"github.com/yegors/iftracker/internal/notifier"
	"github.com/yegors/iftracker/internal/physics"
	"github.com/yegors/iftracker/pkg/logger"
)

var (
	// ErrTickSkipped is returned when a tick fires while the previous one is still running
	ErrTickSkipped = errors.New("previous tick still in progress")
	// ErrNoFlight is returned when a tracker has never matched a flight
	ErrNoFlight = errors.New("tracker has no known flight")
)

// Gateway defines the live flight data calls the scheduler needs
type Gateway interface {
	GetSessions(ctx context.Context) ([]liveapi.Session, error)
	GetFlights(ctx context.Context, sessionID string) ([]liveapi.Flight, error)
	GetFlightRoute(ctx context.Context, sessionID, flightID string) ([]liveapi.RoutePoint, error)
	GetFlightPlan(ctx context.Context, sessionID, flightID string) (*liveapi.FlightPlan, error)
}

// Config holds scheduler settings
type Config struct {
	TickInterval         time.Duration
	MaxConcurrentServers int
	SearchTimeout        time.Duration
	ServerAliases        map[string]string
	Schedule             Schedule
	Landing              LandingThresholds
}

// Status is the scheduler health summary
type Status struct {
	LastTick       time.Time `json:"lastTick"`
	LastTickOK     bool      `json:"lastTickOk"`
	ActiveTrackers int       `json:"activeTrackers"`
}

// Service is the polling scheduler. Each tick it polls the due trackers,
// one live flight fetch per server, and advances their state.
type Service struct {
	gateway  Gateway
	registry *Registry
	airports AirportLocator
	cfg      Config
	aliases  map[string]string
	now      func() time.Time
	logger   *logger.Logger

	tickMu     sync.Mutex
	mu         sync.RWMutex
	lastTick   time.Time
	lastTickOK bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a new scheduler over the registry
func NewService(gateway Gateway, registry *Registry, locator AirportLocator, cfg Config, log *logger.Logger) *Service {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 20 * time.Second
	}
	if cfg.MaxConcurrentServers <= 0 {
		cfg.MaxConcurrentServers = 1
	}

	aliases := make(map[string]string, len(cfg.ServerAliases))
	for k, v := range cfg.ServerAliases {
		aliases[strings.ToLower(strings.TrimSpace(k))] = v
	}

	return &Service{
		gateway:  gateway,
		registry: registry,
		airports: locator,
		cfg:      cfg,
		aliases:  aliases,
		now:      registry.now,
		logger:   log.Named("scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// Registry returns the tracker registry driven by this scheduler
func (s *Service) Registry() *Registry {
	return s.registry
}

// Start runs the tick loop in the background. The first tick runs immediately.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting tracker scheduler",
		logger.Duration("tick_interval", s.cfg.TickInterval),
		logger.Int("max_concurrent_servers", s.cfg.MaxConcurrentServers))

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop stops the tick loop and waits for an in-flight tick to finish
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping tracker scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info("Tracker scheduler stopped")
}

// Status returns the result of the most recent tick
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		LastTick:       s.lastTick,
		LastTickOK:     s.lastTickOK,
		ActiveTrackers: s.registry.ActiveCount(),
	}
}

// FlightPlan returns the filed plan of the tracker's remembered flight
func (s *Service) FlightPlan(ctx context.Context, id string) (*liveapi.FlightPlan, error) {
	t, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if t.LastFlight == nil {
		return nil, ErrNoFlight
	}
	return s.gateway.GetFlightPlan(ctx, t.LastFlight.SessionID, t.LastFlight.FlightID)
}

func (s *Service) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.runTick(ctx)
	for {
		select {
		case <-ticker.C:
			s.runTick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) runTick(ctx context.Context) {
	if err := s.Tick(ctx); err != nil && !errors.Is(err, ErrTickSkipped) {
		s.logger.Error("Tick failed", logger.Error(err))
	}
}

// Tick runs one polling pass. Overlapping calls are skipped with
// ErrTickSkipped. A panic inside the pass is recovered and returned as an error.
func (s *Service) Tick(ctx context.Context) (err error) {
	if !s.tickMu.TryLock() {
		s.logger.Warn("Previous tick still running, skipping this one")
		return ErrTickSkipped
	}
	defer s.tickMu.Unlock()

	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered from panic during tick", logger.Any("panic", r))
			err = fmt.Errorf("panic during tick: %v", r)
		}
		s.setStatus(start, err == nil)
	}()

	return s.poll(ctx, start)
}

func (s *Service) setStatus(at time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTick = at
	s.lastTickOK = ok
}

// poll fetches sessions once, then processes each server group
func (s *Service) poll(ctx context.Context, now time.Time) error {
	due := s.registry.Due(now)
	if len(due) == 0 {
		return nil
	}

	var order []string
	groups := make(map[string][]*Tracker)
	for _, t := range due {
		key := serverKey(t.Server)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], t)
	}

	s.logger.Debug("Polling due trackers",
		logger.Int("due", len(due)),
		logger.Int("servers", len(order)))

	sessions, err := s.gateway.GetSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch sessions: %w", err)
	}

	var failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrentServers)
	for _, key := range order {
		group := groups[key]
		g.Go(func() error {
			// errgroup does not forward panics to Wait
			defer func() {
				if r := recover(); r != nil {
					failed.Add(1)
					s.logger.Error("Recovered from panic in server group",
						logger.String("server", group[0].Server),
						logger.Any("panic", r))
				}
			}()

			// A failed group must not cancel its siblings
			if err := s.pollServer(gctx, sessions, group); err != nil {
				failed.Add(1)
				s.logger.Warn("Skipping server group this tick",
					logger.String("server", group[0].Server),
					logger.Int("trackers", len(group)),
					logger.Error(err))
			}
			return nil
		})
	}
	g.Wait()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d server groups failed", n, len(order))
	}
	return nil
}

// pollServer fetches the live flights of one server and processes its trackers in order
func (s *Service) pollServer(ctx context.Context, sessions []liveapi.Session, group []*Tracker) error {
	server := group[0].Server
	session, strategy, ok := ResolveSession(sessions, server, s.aliases)
	if !ok {
		return fmt.Errorf("no live session matches server %q", server)
	}
	log := s.logger.With(logger.String("server", server), logger.String("session", session.Name))
	if strategy != "exact" {
		log.Debug("Resolved server by fallback", logger.String("strategy", strategy))
	}

	flights, err := s.gateway.GetFlights(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch flights for %s: %w", session.Name, err)
	}
	idx := newFlightIndex(flights)
	log.Debug("Fetched live flights",
		logger.Int("flights", len(flights)),
		logger.Int("trackers", len(group)))

	for _, t := range group {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.pollTracker(ctx, t, session, idx)
	}
	return nil
}

// pollTracker advances one tracker (a copy) and commits the result
func (s *Service) pollTracker(ctx context.Context, t *Tracker, session liveapi.Session, idx *flightIndex) {
	now := s.now()
	priorLen := len(t.History)
	t.Attempts++
	t.LastPolledAt = &now

	if flight, ok := idx.match(t); ok {
		s.onMatch(t, flight, session, now, priorLen)
		return
	}

	if t.LastFlight != nil {
		landing, point, err := s.checkLanding(ctx, t.LastFlight)
		switch {
		case err != nil && now.Before(t.TimeoutAt):
			// Retried next tick; nothing is committed
			s.logger.Warn("Failed to fetch route for landing check",
				logger.String("tracker_id", t.ID),
				logger.String("flight_id", t.LastFlight.FlightID),
				logger.Error(err))
			return
		case err == nil && landing.Landed:
			s.onLanded(t, landing, point, now, priorLen)
			return
		}
	}

	if !now.Before(t.TimeoutAt) {
		t.Status = StateNotFound
		t.Flight = nil
		note := newNotification(t, timeoutReason(s.cfg.SearchTimeout), now)
		s.logger.Info("Tracker timed out",
			logger.String("tracker_id", t.ID),
			logger.String("username", t.Username))
		s.registry.commit(t, priorLen, []notifier.Notification{note})
		return
	}

	var notes []notifier.Notification
	wasTracking := t.Status == StateTracking
	lastSnapshot := t.Flight

	t.Status = StateSearching
	t.Flight = nil
	if wasTracking {
		ev := Event{Type: EventOffline, Timestamp: now}
		if t.LastFlight != nil {
			ev.FlightID = t.LastFlight.FlightID
		}
		t.appendEvent(ev)
		note := newNotification(t, ReasonUserOffline, now)
		if lastSnapshot != nil {
			note.Flight = lastSnapshot
		}
		notes = append(notes, note)
	}

	ref := t.CreatedAt
	if t.LastSeenAt != nil {
		ref = *t.LastSeenAt
	}
	t.NextPollAt = now.Add(s.cfg.Schedule.SearchDelay(now.Sub(ref)))

	s.registry.commit(t, priorLen, notes)
}

func (s *Service) onMatch(t *Tracker, flight liveapi.Flight, session liveapi.Session, now time.Time, priorLen int) {
	online := t.Status != StateTracking || t.LastFlight == nil || t.LastFlight.FlightID != flight.FlightID
	snapshot := newSnapshot(flight, session.ID, now)

	t.Status = StateTracking
	t.LastSeenAt = &now
	t.Flight = snapshot
	t.LastFlight = &FlightRef{FlightID: flight.FlightID, SessionID: session.ID}
	t.NextPollAt = now.Add(s.cfg.Schedule.TrackingDelay(flight.PilotState.IsBackground()))

	var notes []notifier.Notification
	if online {
		t.appendEvent(Event{Type: EventOnline, Timestamp: now, FlightID: flight.FlightID})
		note := newNotification(t, ReasonUserOnline, now)
		note.Flight = snapshot
		notes = append(notes, note)
	}

	s.registry.commit(t, priorLen, notes)
}

func (s *Service) onLanded(t *Tracker, landing LandingResult, point liveapi.RoutePoint, now time.Time, priorLen int) {
	var durationMs int64
	if onlineAt, ok := t.lastOnlineAt(); ok {
		durationMs = now.Sub(onlineAt).Milliseconds()
	}

	t.Status = StateLanded
	t.Flight = nil
	t.appendEvent(Event{
		Type:      EventLanded,
		Timestamp: now,
		FlightID:  t.LastFlight.FlightID,
		Airport:   landing.Airport.Code,
	})

	reported := point.Time()
	if reported.IsZero() {
		reported = now
	}
	note := newNotification(t, ReasonFlightLanded, now)
	note.FlightDurationMs = &durationMs
	note.LastPosition = &notifier.Position{
		Latitude:      point.Latitude,
		Longitude:     point.Longitude,
		Altitude:      point.Altitude,
		GroundSpeed:   point.GroundSpeed,
		Track:         point.Track,
		MagneticTrack: physics.TrueToMagnetic(point.Track, point.Latitude, point.Longitude, point.Altitude, reported),
		Date:          point.Date,
	}
	note.Airport = &notifier.Airport{
		Code:          landing.Airport.Code,
		Name:          landing.Airport.Name,
		Latitude:      landing.Airport.Latitude,
		Longitude:     landing.Airport.Longitude,
		ElevationFeet: landing.Airport.ElevationFeet,
		DistanceKm:    landing.DistanceKm,
	}

	s.logger.Info("Flight landed",
		logger.String("tracker_id", t.ID),
		logger.String("username", t.Username),
		logger.String("airport", landing.Airport.Code),
		logger.Float64("distance_km", landing.DistanceKm),
		logger.Float64("altitude_agl_ft", landing.AltitudeAGLFt),
		logger.Int64("flight_duration_ms", durationMs))

	s.registry.commit(t, priorLen, []notifier.Notification{note})
}

// checkLanding evaluates the last recorded route point of a flight. An
// empty route is not an error and never classifies as landed.
func (s *Service) checkLanding(ctx context.Context, ref *FlightRef) (LandingResult, liveapi.RoutePoint, error) {
	route, err := s.gateway.GetFlightRoute(ctx, ref.SessionID, ref.FlightID)
	if err != nil {
		return LandingResult{}, liveapi.RoutePoint{}, err
	}
	if len(route) == 0 {
		return LandingResult{}, liveapi.RoutePoint{}, nil
	}
	last := route[len(route)-1]
	return EvaluateLanding(last, s.airports, s.cfg.Landing), last, nil
}

// timeoutReason names the callback reason after the configured timeout, e.g. timeout_24h
func timeoutReason(d time.Duration) string {
	switch {
	case d > 0 && d%time.Hour == 0:
		return fmt.Sprintf("timeout_%dh", int64(d/time.Hour))
	case d > 0 && d%time.Minute == 0:
		return fmt.Sprintf("timeout_%dm", int64(d/time.Minute))
	default:
		return "timeout"
	}
}

func newSnapshot(f liveapi.Flight, sessionID string, now time.Time) *FlightSnapshot {
	reported := f.LastReportTime()
	if reported.IsZero() {
		reported = now
	}
	return &FlightSnapshot{
		FlightID:      f.FlightID,
		SessionID:     sessionID,
		UserID:        f.UserID,
		Username:      f.Username,
		Callsign:      f.Callsign,
		Latitude:      f.Latitude,
		Longitude:     f.Longitude,
		Altitude:      f.Altitude,
		GroundSpeed:   f.Speed,
		VerticalSpeed: f.VerticalSpeed,
		Track:         f.Track,
		MagneticTrack: physics.TrueToMagnetic(f.Track, f.Latitude, f.Longitude, f.Altitude, reported),
		Heading:       f.Heading,
		LastReport:    f.LastReport,
		PilotState:    f.PilotState.String(),
		Background:    f.PilotState.IsBackground(),
		IsConnected:   f.IsConnected,
	}
}

// flightIndex is the per-tick lookup over one server's live flights
type flightIndex struct {
	byID   map[string]liveapi.Flight
	byUser map[string][]liveapi.Flight
}

func newFlightIndex(flights []liveapi.Flight) *flightIndex {
	idx := &flightIndex{
		byID:   make(map[string]liveapi.Flight, len(flights)),
		byUser: make(map[string][]liveapi.Flight),
	}
	for _, f := range flights {
		if f.FlightID != "" {
			idx.byID[f.FlightID] = f
		}
		if u := strings.ToLower(strings.TrimSpace(f.Username)); u != "" {
			idx.byUser[u] = append(idx.byUser[u], f)
		}
	}
	return idx
}

// match prefers the remembered flight of a tracking tracker, then falls back
// to the first live flight of the pilot
func (idx *flightIndex) match(t *Tracker) (liveapi.Flight, bool) {
	if t.Status == StateTracking && t.LastFlight != nil {
		if f, ok := idx.byID[t.LastFlight.FlightID]; ok {
			return f, true
		}
	}
	if fs := idx.byUser[strings.ToLower(strings.TrimSpace(t.Username))]; len(fs) > 0 {
		return fs[0], true
	}
	return liveapi.Flight{}, false
}
