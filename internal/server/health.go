package server

import (
	"context"
	"net/http"
	"time"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
	Streams    int               `json:"activeStreams"`
	Relays     int               `json:"activeRelays"`
}

func healthHandler(cfg Config) http.HandlerFunc {
	timeout := cfg.HealthTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Components: make([]componentStatus, 0, len(cfg.Checks))}
		statusCode := http.StatusOK
		for _, check := range cfg.Checks {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			err := check.Check(ctx)
			cancel()
			component := componentStatus{Component: check.Name, Status: "ok"}
			if err != nil {
				component.Status = "degraded"
				component.Error = err.Error()
				resp.Status = "degraded"
				statusCode = http.StatusServiceUnavailable
			}
			resp.Components = append(resp.Components, component)
		}
		if cfg.Relays != nil {
			resp.Streams = cfg.Relays.ActiveStreamCount()
			resp.Relays = cfg.Relays.ActiveRelayCount()
		}
		writeJSON(w, statusCode, resp)
	}
}
