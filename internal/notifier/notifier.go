// Package notifier delivers tracker lifecycle events to webhook endpoints.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/yegors/iftracker/pkg/logger"
)

// Position is a reported aircraft position
type Position struct {
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Altitude      float64 `json:"altitude"`
	GroundSpeed   float64 `json:"groundSpeed"`
	Track         float64 `json:"track"`
	MagneticTrack float64 `json:"magneticTrack"`
	Date          string  `json:"date,omitempty"`
}

// Airport identifies the field a flight landed at
type Airport struct {
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	ElevationFeet float64 `json:"elevationFt"`
	DistanceKm    float64 `json:"distanceKm"`
}

// Notification is the JSON body posted to the callback URL. Identity and
// status are always present; the rest depends on the event.
type Notification struct {
	CallbackURL      string    `json:"-"`
	TrackerID        string    `json:"id"`
	Username         string    `json:"username"`
	Server           string    `json:"server"`
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	Reason           string    `json:"reason,omitempty"`
	Flight           any       `json:"flight,omitempty"`
	FlightDurationMs *int64    `json:"flightDurationMs,omitempty"`
	LastPosition     *Position `json:"lastPosition,omitempty"`
	Airport          *Airport  `json:"airport,omitempty"`
}

// Config holds webhook delivery settings
type Config struct {
	DefaultURL string
	Timeout    time.Duration
	Workers    int
	QueueSize  int
}

// Notifier posts notifications from a fixed pool of workers. Delivery is
// best-effort: failures are logged and never retried.
type Notifier struct {
	client     *http.Client
	defaultURL string
	queue      chan Notification
	logger     *logger.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a notifier and starts its workers
func New(cfg Config, log *logger.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	n := &Notifier{
		client:     &http.Client{Timeout: cfg.Timeout},
		defaultURL: cfg.DefaultURL,
		queue:      make(chan Notification, cfg.QueueSize),
		logger:     log.Named("notifier"),
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	return n
}

// Notify queues a notification without blocking. When the queue is full the
// notification is dropped.
func (n *Notifier) Notify(note Notification) {
	if note.CallbackURL == "" {
		note.CallbackURL = n.defaultURL
	}
	if note.CallbackURL == "" {
		n.logger.Debug("No callback URL configured, skipping notification",
			logger.String("tracker_id", note.TrackerID),
			logger.String("reason", note.Reason))
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.logger.Warn("Notifier closed, dropping notification",
			logger.String("tracker_id", note.TrackerID),
			logger.String("reason", note.Reason))
		return
	}

	select {
	case n.queue <- note:
	default:
		n.logger.Warn("Callback queue full, dropping notification",
			logger.String("tracker_id", note.TrackerID),
			logger.String("reason", note.Reason))
	}
}

// Close stops accepting notifications and waits for queued ones to be delivered
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	n.wg.Wait()
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for note := range n.queue {
		n.deliver(note)
	}
}

// deliver posts a single notification; panics are contained to this delivery
func (n *Notifier) deliver(note Notification) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Recovered from panic delivering notification",
				logger.String("tracker_id", note.TrackerID),
				logger.Any("panic", r))
		}
	}()

	if err := n.post(context.Background(), note); err != nil {
		n.logger.Warn("Callback delivery failed",
			logger.String("tracker_id", note.TrackerID),
			logger.String("url", note.CallbackURL),
			logger.String("reason", note.Reason),
			logger.Error(err))
		return
	}

	n.logger.Debug("Callback delivered",
		logger.String("tracker_id", note.TrackerID),
		logger.String("reason", note.Reason))
}

func (n *Notifier) post(ctx context.Context, note Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, note.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
