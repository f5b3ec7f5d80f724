package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yegors/iftracker/internal/tracker"
	"github.com/yegors/iftracker/pkg/logger"
	_ "modernc.org/sqlite"
)

// TrackerStorage is a SQLite journal of tracker state. It is written
// through on every registry change and read back on startup.
type TrackerStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewTrackerStorage opens (or creates) the journal at dbPath
func NewTrackerStorage(dbPath string, log *logger.Logger) (*TrackerStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage",
		logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := initDatabase(db, storageLogger); err != nil {
		db.Close()
		return nil, err
	}

	return &TrackerStorage{
		db:     db,
		logger: storageLogger,
	}, nil
}

// Close closes the database connection
func (s *TrackerStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// initDatabase initializes the database schema
func initDatabase(db *sql.DB, log *logger.Logger) error {
	log.Info("Initializing database schema")

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trackers (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			server TEXT NOT NULL,
			callback_url TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_polled_at TIMESTAMP,
			last_seen_at TIMESTAMP,
			next_poll_at TIMESTAMP NOT NULL,
			timeout_at TIMESTAMP NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			flight TEXT,           -- JSON snapshot of the matched flight
			last_flight_id TEXT,
			last_session_id TEXT,
			history TEXT NOT NULL, -- JSON array of events
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create trackers table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_trackers_status ON trackers(status)`)
	if err != nil {
		return fmt.Errorf("failed to create status index: %w", err)
	}

	return nil
}

// SaveTracker upserts the full tracker row
func (s *TrackerStorage) SaveTracker(ctx context.Context, t *tracker.Tracker) error {
	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	var flight interface{}
	if t.Flight != nil {
		data, err := json.Marshal(t.Flight)
		if err != nil {
			return fmt.Errorf("failed to marshal flight: %w", err)
		}
		flight = string(data)
	}

	var lastFlightID, lastSessionID interface{}
	if t.LastFlight != nil {
		lastFlightID = t.LastFlight.FlightID
		lastSessionID = t.LastFlight.SessionID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trackers (
			id, username, server, callback_url, status, created_at, last_polled_at,
			last_seen_at, next_poll_at, timeout_at, attempts, flight, last_flight_id,
			last_session_id, history, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			callback_url = excluded.callback_url,
			last_polled_at = excluded.last_polled_at,
			last_seen_at = excluded.last_seen_at,
			next_poll_at = excluded.next_poll_at,
			timeout_at = excluded.timeout_at,
			attempts = excluded.attempts,
			flight = excluded.flight,
			last_flight_id = excluded.last_flight_id,
			last_session_id = excluded.last_session_id,
			history = excluded.history,
			updated_at = CURRENT_TIMESTAMP`,
		t.ID,
		t.Username,
		t.Server,
		t.CallbackURL,
		string(t.Status),
		formatTime(t.CreatedAt),
		formatNullableTime(t.LastPolledAt),
		formatNullableTime(t.LastSeenAt),
		formatTime(t.NextPollAt),
		formatTime(t.TimeoutAt),
		t.Attempts,
		flight,
		lastFlightID,
		lastSessionID,
		string(history),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tracker %s: %w", t.ID, err)
	}
	return nil
}

// LoadActiveTrackers returns every searching or tracking tracker
func (s *TrackerStorage) LoadActiveTrackers(ctx context.Context) ([]*tracker.Tracker, error) {
	return s.query(ctx, `WHERE status IN (?, ?) ORDER BY created_at`,
		string(tracker.StateSearching), string(tracker.StateTracking))
}

// GetTracker returns one tracker regardless of state
func (s *TrackerStorage) GetTracker(ctx context.Context, id string) (*tracker.Tracker, error) {
	trackers, err := s.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(trackers) == 0 {
		return nil, tracker.ErrNotFound
	}
	return trackers[0], nil
}

func (s *TrackerStorage) query(ctx context.Context, where string, args ...interface{}) ([]*tracker.Tracker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, server, callback_url, status, created_at, last_polled_at,
			last_seen_at, next_poll_at, timeout_at, attempts, flight, last_flight_id,
			last_session_id, history
		FROM trackers `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trackers: %w", err)
	}
	defer rows.Close()

	var out []*tracker.Tracker
	for rows.Next() {
		var (
			t                                    tracker.Tracker
			status, createdAt, nextPoll, timeout string
			callbackURL, lastPolled, lastSeen    sql.NullString
			flight, lastFlightID, lastSessionID  sql.NullString
			history                              string
		)
		if err := rows.Scan(
			&t.ID, &t.Username, &t.Server, &callbackURL, &status, &createdAt, &lastPolled,
			&lastSeen, &nextPoll, &timeout, &t.Attempts, &flight, &lastFlightID,
			&lastSessionID, &history,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tracker: %w", err)
		}

		t.Status = tracker.State(status)
		t.CallbackURL = callbackURL.String
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if t.NextPollAt, err = parseTime(nextPoll); err != nil {
			return nil, err
		}
		if t.TimeoutAt, err = parseTime(timeout); err != nil {
			return nil, err
		}
		if t.LastPolledAt, err = parseNullableTime(lastPolled); err != nil {
			return nil, err
		}
		if t.LastSeenAt, err = parseNullableTime(lastSeen); err != nil {
			return nil, err
		}

		if flight.Valid && flight.String != "" {
			var snap tracker.FlightSnapshot
			if err := json.Unmarshal([]byte(flight.String), &snap); err != nil {
				s.logger.Warn("Discarding unreadable flight snapshot",
					logger.String("tracker_id", t.ID),
					logger.Error(err))
			} else {
				t.Flight = &snap
			}
		}
		if lastFlightID.Valid && lastFlightID.String != "" {
			t.LastFlight = &tracker.FlightRef{
				FlightID:  lastFlightID.String,
				SessionID: lastSessionID.String,
			}
		}
		if err := json.Unmarshal([]byte(history), &t.History); err != nil {
			return nil, fmt.Errorf("failed to parse history of %s: %w", t.ID, err)
		}

		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trackers: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// formatNullableTime formats a nullable time.Time for SQL
func formatNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
