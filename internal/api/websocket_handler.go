package api

import (
	"fmt"

	"github.com/yegors/iftracker/internal/tracker"
	"github.com/yegors/iftracker/internal/websocket"
	"github.com/yegors/iftracker/pkg/logger"
)

// WebSocketHandler answers tracker queries sent over the event stream
type WebSocketHandler struct {
	registry *tracker.Registry
	logger   *logger.Logger
}

// NewWebSocketHandler creates a new WebSocket message handler
func NewWebSocketHandler(registry *tracker.Registry, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		registry: registry,
		logger:   log.Named("tracker-ws-handler"),
	}
}

// HandleMessage handles incoming WebSocket messages
func (h *WebSocketHandler) HandleMessage(client *websocket.Client, messageType string, data map[string]any) error {
	switch messageType {
	case websocket.MessageTypeTrackersRequest:
		return h.handleTrackersRequest(client)
	default:
		h.logger.Debug("Unhandled message type", logger.String("type", messageType))
		return nil
	}
}

// handleTrackersRequest sends the active tracker summaries to one client
func (h *WebSocketHandler) handleTrackersRequest(client *websocket.Client) error {
	active := h.registry.ListActive()
	summaries := make([]tracker.Summary, 0, len(active))
	for _, t := range active {
		summaries = append(summaries, t.Summary())
	}

	message := &websocket.Message{
		Type: websocket.MessageTypeTrackersResponse,
		Data: map[string]any{
			"trackers": summaries,
			"count":    len(summaries),
		},
	}
	if !client.SendMessage(message) {
		return fmt.Errorf("client send buffer full or closed")
	}
	return nil
}
