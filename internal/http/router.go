package http

import (
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ninakahr/greenlight/internal/observability"
)

// RouterConfig carries everything NewRouter needs to assemble the
// service routes.
type RouterConfig struct {
	Handler        *Handler
	Logger         *zap.Logger
	RateLimiter    *IPLimiter // nil disables rate limiting
	RequestTimeout time.Duration
}

// NewRouter assembles the routes behind the middleware chain, outermost
// first: recovery, correlation, metrics. Rate limiting, timeouts and
// drain tracking apply to the hook and API routes only, so /healthz and
// /metrics always answer, even when the service is shedding load.
func NewRouter(cfg RouterConfig) *mux.Router {
	h := cfg.Handler

	router := mux.NewRouter()
	router.Use(RecoveryMiddleware(cfg.Logger))
	router.Use(CorrelationIDMiddleware(cfg.Logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/healthz", h.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	hooks := router.PathPrefix("/hooks").Subrouter()
	hooks.Use(RateLimitMiddleware(cfg.RateLimiter))
	hooks.Use(TimeoutMiddleware(cfg.RequestTimeout))
	hooks.Use(InFlightMiddleware)
	hooks.HandleFunc("/push", h.PostHook).Methods("POST")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(cfg.RateLimiter))
	api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	api.Use(InFlightMiddleware)
	api.HandleFunc("/runs", h.GetRuns).Methods("GET")
	api.HandleFunc("/runs", h.PostRun).Methods("POST")
	api.HandleFunc("/runs/{id}", h.GetRun).Methods("GET")
	api.HandleFunc("/schedules", h.GetSchedules).Methods("GET")
	api.HandleFunc("/schedules", h.PostSchedule).Methods("POST")
	api.HandleFunc("/schedules/{id}", h.GetSchedule).Methods("GET")
	api.HandleFunc("/schedules/{id}", h.PatchSchedule).Methods("PATCH")
	api.HandleFunc("/schedules/{id}", h.DeleteSchedule).Methods("DELETE")
	api.HandleFunc("/workflows", h.GetWorkflows).Methods("GET")

	return router
}
