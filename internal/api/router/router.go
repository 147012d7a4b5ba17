package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/wolfman30/clinic-booking-widget/internal/http/middleware"
	"github.com/wolfman30/clinic-booking-widget/internal/webchat"
	"github.com/wolfman30/clinic-booking-widget/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Widget             *webchat.Handler
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
	// ViewRateLimiter throttles session view lookups per client IP.
	ViewRateLimiter *httpmiddleware.RateLimiter
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", healthCheck)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.Widget != nil {
		r.Route("/widget", func(w chi.Router) {
			w.Get("/ws", cfg.Widget.HandleWebSocket)

			w.Group(func(api chi.Router) {
				if len(cfg.CORSAllowedOrigins) > 0 {
					api.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
				}
				if cfg.ViewRateLimiter != nil {
					api.Use(cfg.ViewRateLimiter.Middleware)
				}
				api.Use(middleware.Compress(5))
				api.Get("/sessions/{id}", cfg.Widget.HandleView)
				api.Options("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusNoContent)
				})
			})
		})
	}

	return r
}

func healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
