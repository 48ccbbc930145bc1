package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/relay"
)

// RelayView is the read side of the relay manager.
type RelayView interface {
	Snapshot() []relay.StreamStatus
	ActiveStreamCount() int
	ActiveRelayCount() int
}

// Check reports the health of one dependency.
type Check struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config wires the router.
type Config struct {
	Addr    string
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Relays  RelayView
	// Hooks is mounted under /hooks when set.
	Hooks  http.Handler
	Checks []Check
	// HealthTimeout bounds each dependency check.
	HealthTimeout time.Duration
}

// NewRouter builds the HTTP handler tree.
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware(logger))
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger}))
	r.Use(metrics.HTTPMiddleware(recorder))
	r.Use(securityHeaders)

	r.Get("/healthz", healthHandler(cfg))
	r.Method(http.MethodGet, "/metrics", recorder.Handler(func() {
		if cfg.Relays != nil {
			recorder.SetActive(cfg.Relays.ActiveStreamCount(), cfg.Relays.ActiveRelayCount())
		}
	}))
	if cfg.Relays != nil {
		r.Get("/v1/relays", relaysHandler(cfg.Relays))
	}
	if cfg.Hooks != nil {
		r.Mount("/hooks", cfg.Hooks)
	}
	return r
}

// New builds an http.Server around NewRouter.
func New(cfg Config) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// publish_done holds the request open while relays stop.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

type relaysResponse struct {
	Streams []relay.StreamStatus `json:"streams"`
}

func relaysHandler(view RelayView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, relaysResponse{Streams: view.Snapshot()})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
