package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/devicectl/internal/metrics"
	"github.com/psantana5/devicectl/internal/tracing"
)

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Addr       string  `yaml:"addr" mapstructure:"addr"`
	APIKeyHash string  `yaml:"api_key_hash" mapstructure:"api_key_hash"` // bcrypt hash; empty disables auth
	RateLimit  float64 `yaml:"rate_limit" mapstructure:"rate_limit"`     // requests per second per client; 0 disables
	RateBurst  int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// DefaultServerConfig returns the listener defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		RateLimit: 20,
		RateBurst: 40,
	}
}

// NewRouter builds the router with tracing, rate limiting and auth applied
// in that order. A nil recorder leaves /metrics unregistered.
func NewRouter(h *Handler, cfg ServerConfig, rec *metrics.Recorder, tracer trace.Tracer) *mux.Router {
	r := mux.NewRouter()

	if tracer != nil {
		r.Use(tracing.HTTPMiddleware(tracer))
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		r.Use(NewLimiter(cfg.RateLimit, burst).Middleware(IPKeyFunc))
	}
	if cfg.APIKeyHash != "" {
		r.Use(AuthMiddleware(cfg.APIKeyHash))
	}

	if rec != nil {
		r.Handle("/metrics", rec.Handler()).Methods("GET")
	}
	h.RegisterRoutes(r)
	return r
}

// NewServer wraps handler in an http.Server with the service timeouts
func NewServer(cfg ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // reboots block until the device is back
		IdleTimeout:  120 * time.Second,
	}
}
