package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/iftracker/internal/config"
	"github.com/yegors/iftracker/internal/liveapi"
	"github.com/yegors/iftracker/internal/tracker"
	"github.com/yegors/iftracker/internal/websocket"
	"github.com/yegors/iftracker/pkg/logger"
)

// TrackerArchive looks up trackers the registry no longer holds, such as
// terminal trackers from before a restart
type TrackerArchive interface {
	GetTracker(ctx context.Context, id string) (*tracker.Tracker, error)
}

// Handler contains the API handlers
type Handler struct {
	service  *tracker.Service
	registry *tracker.Registry
	archive  TrackerArchive
	config   *config.Config
	logger   *logger.Logger
	wsServer *websocket.Server
}

// NewHandler creates a new API handler. archive and wsServer may be nil.
func NewHandler(service *tracker.Service, archive TrackerArchive, cfg *config.Config, log *logger.Logger, wsServer *websocket.Server) *Handler {
	return &Handler{
		service:  service,
		registry: service.Registry(),
		archive:  archive,
		config:   cfg,
		logger:   log.Named("api-handler"),
		wsServer: wsServer,
	}
}

// CreateTrackersRequest is the body of POST /api/trackers
type CreateTrackersRequest struct {
	Username    string   `json:"username"`
	Usernames   []string `json:"usernames"`
	Server      string   `json:"server"`
	CallbackURL string   `json:"callbackUrl"`
}

// FlightPlanResponse is the filed plan plus its arrival airport
type FlightPlanResponse struct {
	*liveapi.FlightPlan
	Destination string `json:"destination"`
}

// DelayRequest is the optional body of POST /api/trackers/{id}/delay
type DelayRequest struct {
	Seconds int `json:"seconds"`
}

// GetHealth returns the health status of the API and the scheduler
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	st := h.service.Status()

	status := "ok"
	switch {
	case st.LastTick.IsZero():
		status = "starting"
	case !st.LastTickOK:
		status = "degraded"
	}

	response := map[string]interface{}{
		"status":         status,
		"lastTick":       st.LastTick,
		"lastTickOk":     st.LastTickOK,
		"activeTrackers": st.ActiveTrackers,
	}
	if h.wsServer != nil {
		response["wsClients"] = h.wsServer.ClientCount()
	}

	WriteJSON(w, http.StatusOK, response)
}

// CreateTrackers starts tracking one or more pilots
func (h *Handler) CreateTrackers(w http.ResponseWriter, r *http.Request) {
	var req CreateTrackersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	names := make([]string, 0, len(req.Usernames)+1)
	if strings.TrimSpace(req.Username) != "" {
		names = append(names, req.Username)
	}
	for _, u := range req.Usernames {
		if strings.TrimSpace(u) != "" {
			names = append(names, u)
		}
	}
	if len(names) == 0 {
		http.Error(w, "username or usernames is required", http.StatusBadRequest)
		return
	}

	created := h.registry.AddBatch(names, req.Server, req.CallbackURL)
	if len(created) == 0 {
		http.Error(w, "No usable username", http.StatusBadRequest)
		return
	}

	summaries := make([]tracker.Summary, 0, len(created))
	for _, t := range created {
		summaries = append(summaries, t.Summary())
	}

	h.logger.Debug("Trackers requested",
		logger.Int("count", len(summaries)),
		logger.Strings("usernames", names),
		logger.String("server", req.Server))

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"trackers": summaries,
	})
}

// ListTrackers returns all active trackers
func (h *Handler) ListTrackers(w http.ResponseWriter, r *http.Request) {
	active := h.registry.ListActive()
	summaries := make([]tracker.Summary, 0, len(active))
	for _, t := range active {
		summaries = append(summaries, t.Summary())
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"trackers": summaries,
		"count":    len(summaries),
	})
}

// GetTracker returns a tracker with its full history. Trackers unknown to
// the registry are looked up in the archive.
func (h *Handler) GetTracker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := h.registry.Get(id)
	if errors.Is(err, tracker.ErrNotFound) && h.archive != nil {
		t, err = h.archive.GetTracker(r.Context(), id)
	}
	if err != nil {
		h.writeTrackerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// StopTracker stops a tracker
func (h *Handler) StopTracker(w http.ResponseWriter, r *http.Request) {
	t, err := h.registry.Stop(chi.URLParam(r, "id"))
	if err != nil {
		h.writeTrackerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// DelayTracker pushes a tracker's next poll back
func (h *Handler) DelayTracker(w http.ResponseWriter, r *http.Request) {
	seconds := h.config.Tracking.TestDelaySecs

	var req DelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Seconds < 0 {
		http.Error(w, "seconds must be positive", http.StatusBadRequest)
		return
	}
	if req.Seconds > 0 {
		seconds = req.Seconds
	}

	t, err := h.registry.Delay(chi.URLParam(r, "id"), time.Duration(seconds)*time.Second)
	if err != nil {
		h.writeTrackerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// GetFlightPlan returns the flight plan of the tracker's last known flight
func (h *Handler) GetFlightPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	plan, err := h.service.FlightPlan(r.Context(), id)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) || errors.Is(err, tracker.ErrNoFlight) {
			h.writeTrackerError(w, err)
			return
		}
		h.logger.Error("Failed to fetch flight plan",
			logger.String("tracker_id", id),
			logger.Error(err))
		http.Error(w, "Failed to fetch flight plan", http.StatusBadGateway)
		return
	}
	if plan == nil {
		http.Error(w, "No flight plan filed", http.StatusNotFound)
		return
	}

	WriteJSON(w, http.StatusOK, FlightPlanResponse{
		FlightPlan:  plan,
		Destination: plan.Destination(),
	})
}

func (h *Handler) writeTrackerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracker.ErrNotFound), errors.Is(err, tracker.ErrNoFlight):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.logger.Error("Tracker request failed", logger.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
