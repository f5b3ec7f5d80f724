// Package tracker follows pilots on the live flight network: it owns the
// tracker registry, the polling scheduler and the landing heuristic.
package tracker

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yegors/iftracker/internal/notifier"
	"github.com/yegors/iftracker/pkg/logger"
)

var (
	// ErrNotFound is returned for an unknown tracker id
	ErrNotFound = errors.New("tracker not found")
	// ErrInvalidUsername is returned when a username is empty after trimming
	ErrInvalidUsername = errors.New("username is required")
)

// storageTimeout bounds each journal save. Saves run under the registry
// lock, so a slow disk stalls control reads and scheduler commits for up to
// this long.
const storageTimeout = 5 * time.Second

// Storage defines the interface for the tracker journal
type Storage interface {
	SaveTracker(ctx context.Context, t *Tracker) error
	LoadActiveTrackers(ctx context.Context) ([]*Tracker, error)
}

// RegistryOptions configures a Registry. Storage, Notifier and WebSocket
// are optional.
type RegistryOptions struct {
	DefaultServer string
	SearchTimeout time.Duration
	Storage       Storage
	Notifier      Notifier
	WebSocket     WebSocketServer
	Now           func() time.Time
	NewID         func() string
}

// Registry holds every tracker keyed by id. All reads return copies; all
// writes go through the registry lock.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker
	active   map[string]string // identity key -> id of the non-terminal tracker

	defaultServer string
	searchTimeout time.Duration
	storage       Storage
	pub           *publisher
	now           func() time.Time
	newID         func() string
	logger        *logger.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(opts RegistryOptions, log *logger.Logger) *Registry {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.DefaultServer == "" {
		opts.DefaultServer = "Expert Server"
	}

	named := log.Named("registry")
	return &Registry{
		trackers:      make(map[string]*Tracker),
		active:        make(map[string]string),
		defaultServer: opts.DefaultServer,
		searchTimeout: opts.SearchTimeout,
		storage:       opts.Storage,
		pub: &publisher{
			notifier: opts.Notifier,
			wsServer: opts.WebSocket,
			logger:   log.Named("events"),
		},
		now:    opts.Now,
		newID:  opts.NewID,
		logger: named,
	}
}

// Add starts tracking a pilot. While a non-terminal tracker exists for the
// same username and server (case-insensitive) that tracker is returned and
// created is false.
func (r *Registry) Add(username, server, callbackURL string) (t *Tracker, created bool, err error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, false, ErrInvalidUsername
	}
	server = strings.TrimSpace(server)
	if server == "" {
		server = r.defaultServer
	}
	key := identityKey(username, server)

	r.mu.Lock()
	if id, ok := r.active[key]; ok {
		if existing := r.trackers[id]; existing != nil && !existing.Status.IsTerminal() {
			cp := existing.Clone()
			r.mu.Unlock()
			return cp, false, nil
		}
	}

	now := r.now()
	nt := &Tracker{
		ID:          r.newID(),
		Username:    username,
		Server:      server,
		CallbackURL: strings.TrimSpace(callbackURL),
		Status:      StateSearching,
		CreatedAt:   now,
		NextPollAt:  now,
		TimeoutAt:   now.Add(r.searchTimeout),
		History:     []Event{{Type: EventCreated, Timestamp: now}},
	}
	r.trackers[nt.ID] = nt
	r.active[key] = nt.ID
	r.persistLocked(nt)
	cp := nt.Clone()
	r.mu.Unlock()

	r.logger.Info("Tracker created",
		logger.String("tracker_id", cp.ID),
		logger.String("username", cp.Username),
		logger.String("server", cp.Server))

	// Creation acknowledgement carries no event payload
	r.pub.publish(newNotification(cp, "", now))
	return cp, true, nil
}

// AddBatch adds several pilots sharing a server and callback URL. Empty
// usernames are skipped; the result preserves input order.
func (r *Registry) AddBatch(usernames []string, server, callbackURL string) []*Tracker {
	out := make([]*Tracker, 0, len(usernames))
	for _, u := range usernames {
		t, _, err := r.Add(u, server, callbackURL)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Get returns a copy of the tracker
func (r *Registry) Get(id string) (*Tracker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// ListActive returns every searching or tracking tracker, oldest first
func (r *Registry) ListActive() []*Tracker {
	r.mu.RLock()
	out := make([]*Tracker, 0, len(r.active))
	for _, t := range r.trackers {
		if !t.Status.IsTerminal() {
			out = append(out, t.Clone())
		}
	}
	r.mu.RUnlock()

	sortByCreation(out)
	return out
}

// ActiveCount returns the number of non-terminal trackers
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Stop moves a tracker to stopped. Stopping a tracker that is already
// terminal returns it unchanged.
func (r *Registry) Stop(id string) (*Tracker, error) {
	r.mu.Lock()
	t, ok := r.trackers[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if t.Status.IsTerminal() {
		cp := t.Clone()
		r.mu.Unlock()
		return cp, nil
	}

	now := r.now()
	t.Status = StateStopped
	t.appendEvent(Event{Type: EventStopped, Timestamp: now, Reason: ReasonStoppedByRequest})
	r.releaseLocked(t)
	r.persistLocked(t)
	cp := t.Clone()
	r.mu.Unlock()

	r.logger.Info("Tracker stopped", logger.String("tracker_id", id))
	r.pub.publish(newNotification(cp, ReasonStoppedByRequest, now))
	return cp, nil
}

// Delay pushes the next poll of a tracker forward by d. State is unchanged.
func (r *Registry) Delay(id string, d time.Duration) (*Tracker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.trackers[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status.IsTerminal() {
		return t.Clone(), nil
	}

	now := r.now()
	base := t.NextPollAt
	if base.Before(now) {
		base = now
	}
	t.NextPollAt = base.Add(d)
	t.appendEvent(Event{Type: EventDelayedByTest, Timestamp: now})
	r.persistLocked(t)

	r.logger.Info("Tracker poll delayed",
		logger.String("tracker_id", id),
		logger.Duration("delay", d),
		logger.Time("next_poll_at", t.NextPollAt))
	return t.Clone(), nil
}

// Due returns copies of non-terminal trackers whose next poll is at or before now
func (r *Registry) Due(now time.Time) []*Tracker {
	r.mu.RLock()
	var out []*Tracker
	for _, t := range r.trackers {
		if !t.Status.IsTerminal() && !t.NextPollAt.After(now) {
			out = append(out, t.Clone())
		}
	}
	r.mu.RUnlock()

	sortByCreation(out)
	return out
}

// commit stores the result of polling a copy of a tracker. Events appended
// to updated after index priorLen are merged onto the stored history so
// control actions taken during the poll are kept. A tracker that went
// terminal while it was being polled is left alone and nothing is published.
func (r *Registry) commit(updated *Tracker, priorLen int, notes []notifier.Notification) bool {
	r.mu.Lock()
	stored, ok := r.trackers[updated.ID]
	if !ok || stored.Status.IsTerminal() {
		r.mu.Unlock()
		r.logger.Debug("Discarding poll result for finished tracker",
			logger.String("tracker_id", updated.ID))
		return false
	}

	merged := updated.Clone()
	merged.History = append(append([]Event{}, stored.History...), updated.History[priorLen:]...)
	if stored.NextPollAt.After(merged.NextPollAt) {
		merged.NextPollAt = stored.NextPollAt
	}

	r.trackers[merged.ID] = merged
	if merged.Status.IsTerminal() {
		r.releaseLocked(merged)
	}
	r.persistLocked(merged)
	r.mu.Unlock()

	r.pub.publish(notes...)
	return true
}

// Restore loads non-terminal trackers from storage. Restored trackers are
// polled on the next tick.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.storage == nil {
		return 0, nil
	}
	loaded, err := r.storage.LoadActiveTrackers(ctx)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	restored := 0
	for _, t := range loaded {
		if t == nil || t.ID == "" || t.Status.IsTerminal() {
			continue
		}
		key := identityKey(t.Username, t.Server)
		if _, exists := r.active[key]; exists {
			continue
		}
		if _, exists := r.trackers[t.ID]; exists {
			continue
		}
		if t.NextPollAt.Before(now) {
			t.NextPollAt = now
		}
		if t.History == nil {
			t.History = []Event{}
		}
		r.trackers[t.ID] = t
		r.active[key] = t.ID
		restored++
	}

	r.logger.Info("Restored trackers from storage", logger.Int("count", restored))
	return restored, nil
}

// releaseLocked frees the identity key of a tracker that went terminal
func (r *Registry) releaseLocked(t *Tracker) {
	key := identityKey(t.Username, t.Server)
	if r.active[key] == t.ID {
		delete(r.active, key)
	}
}

// persistLocked writes the tracker to the journal. Errors are logged only;
// the in-memory registry stays authoritative.
func (r *Registry) persistLocked(t *Tracker) {
	if r.storage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if err := r.storage.SaveTracker(ctx, t); err != nil {
		r.logger.Error("Failed to persist tracker",
			logger.String("tracker_id", t.ID),
			logger.Error(err))
	}
}

func sortByCreation(ts []*Tracker) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}
