package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aloktripathi1/hospital-management-system/internal/appointment"
	"github.com/aloktripathi1/hospital-management-system/internal/cache"
	"github.com/aloktripathi1/hospital-management-system/internal/metrics"
)

type RouterConfig struct {
	Service  *appointment.Service
	Cache    *cache.ScheduleCache
	Metrics  *metrics.Collector
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Log      zerolog.Logger
	Location *time.Location
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(ActorMiddleware)
	r.Use(LoggingMiddleware(cfg.Log, cfg.Metrics))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	h := NewHandlers(cfg.Service, cfg.Cache, cfg.Metrics, cfg.Location)

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.book)
		r.Get("/{id}", h.getAppointment)
		r.Get("/{id}/outcome", h.getOutcome)
		r.Post("/{id}/cancel", h.cancel)
		r.Post("/{id}/complete", h.complete)
		r.Post("/{id}/no-show", h.noShow)
		r.Post("/{id}/reschedule", h.reschedule)
	})

	r.Route("/providers/{id}", func(r chi.Router) {
		r.Get("/slots", h.daySlots)
		r.Get("/appointments", h.providerAppointments)
		r.Put("/availability", h.setAvailability)
		r.Post("/availability/import", h.importWeekly)
		r.Delete("/availability/{windowID}", h.closeWindow)
	})

	r.Get("/subjects/{id}/appointments", h.subjectAppointments)

	return r
}
