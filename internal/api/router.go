package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/careloop/telehealth-engine/internal/appointment"
)

type RouterConfig struct {
	Engine    *appointment.Engine
	PgPool    *pgxpool.Pool
	Redis     *redis.Client
	JWTSecret string
	Env       string
	Version   string
	Log       *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := NewHandlers(cfg.Engine, cfg.Log)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))

		r.Post("/appointments", h.BookAppointment)
		r.Get("/appointments/{id}", h.GetAppointment)
		r.Post("/appointments/{id}/accept", h.AcceptAppointment)
		r.Post("/appointments/{id}/reject", h.RejectAppointment)
		r.Post("/appointments/{id}/confirm", h.ConfirmAppointment)
		r.Post("/appointments/{id}/complete", h.CompleteAppointment)
		r.Post("/appointments/{id}/payment", h.FinalizePayment)
		r.Post("/appointments/{id}/cancel", h.CancelAppointment)

		r.Post("/doctors/active", h.SetDoctorActive)
		r.Get("/wallet", h.GetWallet)
	})

	return r
}
