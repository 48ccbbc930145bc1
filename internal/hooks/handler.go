// Package hooks receives nginx-rtmp style notify callbacks and turns them
// into relay starts and stops.
package hooks

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"relaycast/internal/catalog"
	"relaycast/internal/lifecycle"
	"relaycast/internal/observability/logging"
)

const maxBodyBytes = 1 << 20

// Relays is the part of the relay manager the hooks drive.
type Relays interface {
	StartMulticast(ctx context.Context, streamKey string, streamID int64) error
	StopMulticast(ctx context.Context, streamKey string) error
	HasActiveProcesses(streamKey string) bool
}

// Handler serves the media server callbacks. When Events is set, starts and
// stops are published to the queue for a lifecycle worker instead of being
// applied to Relays directly; Relays still answers status checks.
type Handler struct {
	Streams catalog.StreamRepository
	Relays  Relays
	Events  lifecycle.Queue
	// Token, when set, must be presented as a bearer token or a token
	// query parameter.
	Token       string
	Logger      *slog.Logger
	StopTimeout time.Duration
}

// Callback is the subset of the notify body the handlers read. The media
// server sends it either form encoded or as JSON.
type Callback struct {
	Call     string `json:"call"`
	Name     string `json:"name"`
	App      string `json:"app,omitempty"`
	Addr     string `json:"addr,omitempty"`
	ClientID string `json:"clientid,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// StatusResponse keeps an on_update session alive.
type StatusResponse struct {
	Status       string `json:"status"`
	StreamKey    string `json:"streamKey"`
	IsLive       bool   `json:"isLive"`
	HasMulticast bool   `json:"hasMulticast"`
}

// Routes mounts the callbacks on a new router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.authorize)
	r.Post("/publish", h.Publish)
	r.Post("/publish_done", h.PublishDone)
	r.Post("/update", h.Update)
	return r
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return logging.WithContext(r.Context(), base)
}

func (h *Handler) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented := r.URL.Query().Get("token")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.Token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid hook token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Publish validates the stream key, marks the stream live, and starts its
// relays. An unknown key is refused so the media server drops the publisher.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	cb, err := decodeCallback(w, r, "publish")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	ctx := logging.ContextWithStreamKey(r.Context(), cb.Name)
	logger := h.logger(r.WithContext(ctx))
	logger.Debug("publish callback", "app", cb.App, "client_id", cb.ClientID)

	stream, ok, err := h.Streams.StreamByKey(ctx, cb.Name)
	if err != nil {
		logger.Error("stream lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "stream lookup failed"})
		return
	}
	if !ok {
		logger.Warn("publish refused for unknown stream key")
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "stream not found"})
		return
	}
	if err := h.Streams.SetLive(ctx, stream.ID, true); err != nil {
		logger.Error("mark stream live failed", "stream_id", stream.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "update stream failed"})
		return
	}
	logger.Info("stream is live", "stream_id", stream.ID)

	if h.Events != nil {
		err = h.Events.Publish(ctx, lifecycle.Event{
			Type:       lifecycle.EventTypePublish,
			StreamKey:  stream.Key,
			StreamID:   stream.ID,
			OccurredAt: time.Now().UTC(),
		})
	} else {
		err = h.Relays.StartMulticast(ctx, stream.Key, stream.ID)
	}
	if err != nil {
		logger.Error("multicast start failed", "stream_id", stream.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "multicast start failed"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PublishDone stops the relays before marking the stream offline.
func (h *Handler) PublishDone(w http.ResponseWriter, r *http.Request) {
	cb, err := decodeCallback(w, r, "publish_done")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	ctx := logging.ContextWithStreamKey(r.Context(), cb.Name)
	logger := h.logger(r.WithContext(ctx))

	if h.Events != nil {
		err = h.Events.Publish(ctx, lifecycle.Event{
			Type:       lifecycle.EventTypePublishDone,
			StreamKey:  cb.Name,
			OccurredAt: time.Now().UTC(),
		})
	} else {
		err = h.stop(ctx, cb.Name)
	}
	if err != nil {
		logger.Error("multicast stop failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "multicast stop failed"})
		return
	}

	stream, ok, err := h.Streams.StreamByKey(ctx, cb.Name)
	if err != nil {
		logger.Error("stream lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "stream lookup failed"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "stream not found"})
		return
	}
	if err := h.Streams.SetLive(ctx, stream.ID, false); err != nil {
		logger.Error("mark stream offline failed", "stream_id", stream.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "update stream failed"})
		return
	}
	logger.Info("stream is offline", "stream_id", stream.ID)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) stop(ctx context.Context, streamKey string) error {
	timeout := h.StopTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return h.Relays.StopMulticast(stopCtx, streamKey)
}

// Update answers the periodic on_update check. Any non-2xx tells the media
// server to end the session, so a deleted stream gets 404 and backend
// failures get 500.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	cb, err := decodeCallback(w, r, "update", "on_update")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	ctx := logging.ContextWithStreamKey(r.Context(), cb.Name)
	logger := h.logger(r.WithContext(ctx))

	stream, ok, err := h.Streams.StreamByKey(ctx, cb.Name)
	if err != nil {
		logger.Error("stream status check failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	if !ok {
		logger.Warn("stream no longer exists, ending session")
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "stream not found"})
		return
	}
	resp := StatusResponse{
		Status:       "OK",
		StreamKey:    cb.Name,
		IsLive:       stream.IsLive,
		HasMulticast: h.Relays.HasActiveProcesses(cb.Name),
	}
	logger.Debug("stream status check", "stream_id", stream.ID, "is_live", resp.IsLive, "has_multicast", resp.HasMulticast)
	writeJSON(w, http.StatusOK, resp)
}

func decodeCallback(w http.ResponseWriter, r *http.Request, calls ...string) (Callback, error) {
	var cb Callback
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
			return Callback{}, fmt.Errorf("invalid callback body: %w", err)
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return Callback{}, fmt.Errorf("invalid callback body: %w", err)
		}
		cb = Callback{
			Call:     r.PostForm.Get("call"),
			Name:     r.PostForm.Get("name"),
			App:      r.PostForm.Get("app"),
			Addr:     r.PostForm.Get("addr"),
			ClientID: r.PostForm.Get("clientid"),
		}
	}
	cb.Name = strings.TrimSpace(cb.Name)
	matched := false
	for _, call := range calls {
		if cb.Call == call {
			matched = true
			break
		}
	}
	if !matched {
		return Callback{}, fmt.Errorf("invalid event type: %q", cb.Call)
	}
	if cb.Name == "" {
		return Callback{}, errors.New("missing or invalid stream key")
	}
	return cb, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
