package tracker

import (
	"encoding/json"
	"time"

	"github.com/yegors/iftracker/internal/notifier"
	"github.com/yegors/iftracker/internal/websocket"
	"github.com/yegors/iftracker/pkg/logger"
)

// Notifier delivers callback notifications
type Notifier interface {
	Notify(note notifier.Notification)
}

// WebSocketServer defines the interface for a WebSocket server
type WebSocketServer interface {
	Broadcast(message *websocket.Message)
}

// publisher fans lifecycle notifications out to the webhook notifier and the
// live event stream. Both sinks are optional and must not block.
type publisher struct {
	notifier Notifier
	wsServer WebSocketServer
	logger   *logger.Logger
}

// newNotification fills in the identity and status of a tracker
func newNotification(t *Tracker, reason string, at time.Time) notifier.Notification {
	return notifier.Notification{
		Timestamp:   at,
		CallbackURL: t.CallbackURL,
		TrackerID:   t.ID,
		Username:    t.Username,
		Server:      t.Server,
		Status:      string(t.Status),
		Reason:      reason,
	}
}

func (p *publisher) publish(notes ...notifier.Notification) {
	if p == nil {
		return
	}
	for _, note := range notes {
		p.logger.Info("Tracker event",
			logger.String("tracker_id", note.TrackerID),
			logger.String("username", note.Username),
			logger.String("status", note.Status),
			logger.String("reason", note.Reason))

		if p.notifier != nil {
			p.notifier.Notify(note)
		}
		if p.wsServer != nil {
			p.wsServer.Broadcast(&websocket.Message{
				Type: websocket.MessageTypeTrackerEvent,
				Data: p.toMap(note),
			})
		}
	}
}

// toMap converts a notification to the generic map carried by websocket messages
func (p *publisher) toMap(note notifier.Notification) map[string]any {
	data := make(map[string]any)
	raw, err := json.Marshal(note)
	if err != nil {
		p.logger.Warn("Failed to encode tracker event",
			logger.String("tracker_id", note.TrackerID),
			logger.Error(err))
		return data
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		p.logger.Warn("Failed to decode tracker event",
			logger.String("tracker_id", note.TrackerID),
			logger.Error(err))
	}
	return data
}
