package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-scheduling/internal/metrics"
)

type RouterConfig struct {
	Appointments AppointmentService
	Catalog      CatalogService
	DB           Database
	Redis        redis.UniversalClient // nil when Redis is disabled
	Metrics      *metrics.Collector    // optional
	RateLimiter  *RateLimiter          // optional
	Logger       zerolog.Logger
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.HTTPMiddleware)
	}

	// Health endpoints
	health := NewHealthHandler(cfg.DB, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	var recorder BookingRecorder
	if cfg.Metrics != nil {
		recorder = cfg.Metrics
	}

	r.Group(func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Middleware)
		}

		// Reference data
		r.Get("/specializations", listHandler(cfg.Catalog.Specializations))
		r.Get("/services", listHandler(cfg.Catalog.Services))
		r.Get("/doctors", listHandler(cfg.Catalog.Doctors))
		r.Get("/doctors/{id}", getDoctorHandler(cfg.Catalog))
		r.Get("/doctors/{id}/schedule", getScheduleHandler(cfg.Catalog))
		r.Put("/doctors/{id}/schedule", replaceScheduleHandler(cfg.Catalog))
		r.Get("/doctors/{id}/slots", availableSlotsHandler(cfg.Appointments))

		// Appointment endpoints
		r.Post("/appointments", createAppointmentHandler(cfg.Appointments, recorder))
		r.Get("/appointments", listAppointmentsHandler(cfg.Appointments))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Appointments))
		r.Post("/appointments/{id}/status", updateStatusHandler(cfg.Appointments))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Appointments))
	})

	return r
}
