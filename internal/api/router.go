package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/yegors/iftracker/internal/config"
	"github.com/yegors/iftracker/internal/tracker"
	"github.com/yegors/iftracker/internal/websocket"
	"github.com/yegors/iftracker/pkg/logger"
)

// Router wires the HTTP routes
type Router struct {
	handler  *Handler
	config   *config.Config
	logger   *logger.Logger
	wsServer *websocket.Server
}

// NewRouter creates a new router. archive may be nil. wsServer may be nil,
// in which case /ws is not mounted.
func NewRouter(service *tracker.Service, archive TrackerArchive, cfg *config.Config, log *logger.Logger, wsServer *websocket.Server) *Router {
	return &Router{
		handler:  NewHandler(service, archive, cfg, log, wsServer),
		config:   cfg,
		logger:   log.Named("router"),
		wsServer: wsServer,
	}
}

// Routes returns the HTTP handler for every route
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)

	origins := rt.config.Server.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", rt.handler.GetHealth)

	r.Route("/api/trackers", func(r chi.Router) {
		r.Post("/", rt.handler.CreateTrackers)
		r.Get("/", rt.handler.ListTrackers)
		r.Get("/{id}", rt.handler.GetTracker)
		r.Delete("/{id}", rt.handler.StopTracker)
		r.Post("/{id}/stop", rt.handler.StopTracker)
		r.Post("/{id}/delay", rt.handler.DelayTracker)
		r.Get("/{id}/flightplan", rt.handler.GetFlightPlan)
	})

	if rt.wsServer != nil {
		r.Get("/ws", rt.wsServer.HandleConnection)
	}

	return r
}

// requestLogger logs each request at debug level
func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		rt.logger.Debug("HTTP request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Int("bytes", ww.BytesWritten()),
			logger.Duration("duration", time.Since(start)),
			logger.String("request_id", middleware.GetReqID(r.Context())))
	})
}
