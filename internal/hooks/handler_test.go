package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycast/internal/catalog"
	"relaycast/internal/lifecycle"
	"relaycast/internal/observability/logging"
)

type fakeRelays struct {
	mu      sync.Mutex
	started map[string]int64
	stopped []string
	err     error
}

func newFakeRelays() *fakeRelays {
	return &fakeRelays{started: make(map[string]int64)}
}

func (f *fakeRelays) StartMulticast(_ context.Context, key string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.started[key] = id
	return nil
}

func (f *fakeRelays) StopMulticast(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, key)
	delete(f.started, key)
	return f.err
}

func (f *fakeRelays) HasActiveProcesses(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.started[key]
	return ok
}

type brokenStreams struct{}

func (brokenStreams) StreamByKey(context.Context, string) (catalog.Stream, bool, error) {
	return catalog.Stream{}, false, errors.New("database is down")
}

func (brokenStreams) SetLive(context.Context, int64, bool) error { return nil }

func newTestHandler(t *testing.T) (*Handler, *catalog.MemoryStore, *fakeRelays) {
	t.Helper()
	store := catalog.NewMemoryStore()
	require.NoError(t, store.PutStream(catalog.Stream{ID: 42, Key: "abc123"}))
	relays := newFakeRelays()
	return &Handler{Streams: store, Relays: relays, Logger: logging.Discard()}, store, relays
}

func postForm(t *testing.T, h http.Handler, path string, values url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func isLive(t *testing.T, store *catalog.MemoryStore, key string) bool {
	t.Helper()
	stream, ok, err := store.StreamByKey(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	return stream.IsLive
}

func TestPublishStartsMulticast(t *testing.T) {
	h, store, relays := newTestHandler(t)
	routes := h.Routes()

	rec := postForm(t, routes, "/publish", url.Values{"call": {"publish"}, "name": {"abc123"}, "app": {"live"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, int64(42), relays.started["abc123"])
	assert.True(t, isLive(t, store, "abc123"))

	rec = postForm(t, routes, "/publish_done", url.Values{"call": {"publish_done"}, "name": {"abc123"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"abc123"}, relays.stopped)
	assert.False(t, isLive(t, store, "abc123"))
}

func TestPublishAcceptsJSON(t *testing.T) {
	h, _, relays := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/publish", strings.NewReader(`{"call":"publish","name":"abc123"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, relays.started, "abc123")
}

func TestPublishRejectsBadCallbacks(t *testing.T) {
	h, _, relays := newTestHandler(t)
	routes := h.Routes()

	cases := []struct {
		name   string
		path   string
		values url.Values
		status int
	}{
		{"wrong call", "/publish", url.Values{"call": {"play"}, "name": {"abc123"}}, http.StatusBadRequest},
		{"missing name", "/publish", url.Values{"call": {"publish"}}, http.StatusBadRequest},
		{"unknown key", "/publish", url.Values{"call": {"publish"}, "name": {"nope"}}, http.StatusForbidden},
		{"done wrong call", "/publish_done", url.Values{"call": {"publish"}, "name": {"abc123"}}, http.StatusBadRequest},
		{"update wrong call", "/update", url.Values{"call": {"publish"}, "name": {"abc123"}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postForm(t, routes, tc.path, tc.values)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, relays.started)
}

func TestPublishReportsStartFailure(t *testing.T) {
	h, _, relays := newTestHandler(t)
	relays.err = errors.New("catalog unavailable")

	rec := postForm(t, h.Routes(), "/publish", url.Values{"call": {"publish"}, "name": {"abc123"}})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUpdateReportsStatus(t *testing.T) {
	h, store, relays := newTestHandler(t)
	routes := h.Routes()
	require.NoError(t, store.SetLive(context.Background(), 42, true))
	relays.started["abc123"] = 42

	rec := postForm(t, routes, "/update", url.Values{"call": {"update"}, "name": {"abc123"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusResponse{Status: "OK", StreamKey: "abc123", IsLive: true, HasMulticast: true}, resp)

	rec = postForm(t, routes, "/update", url.Values{"call": {"on_update"}, "name": {"deleted"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.Streams = brokenStreams{}
	rec = postForm(t, h.Routes(), "/update", url.Values{"call": {"update"}, "name": {"abc123"}})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHooksRequireToken(t *testing.T) {
	h, _, _ := newTestHandler(t)
	h.Token = "hook-secret"
	routes := h.Routes()
	values := url.Values{"call": {"update"}, "name": {"abc123"}}

	rec := postForm(t, routes, "/update", values)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postForm(t, routes, "/update?token=wrong", values)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postForm(t, routes, "/update?token=hook-secret", values)
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/update", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPublishViaQueue(t *testing.T) {
	h, store, relays := newTestHandler(t)
	queue := lifecycle.NewMemoryQueue(4)
	sub := queue.Subscribe()
	defer sub.Close()
	h.Events = queue
	routes := h.Routes()

	rec := postForm(t, routes, "/publish", url.Values{"call": {"publish"}, "name": {"abc123"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, relays.started, "the worker applies queued events")
	assert.True(t, isLive(t, store, "abc123"))

	rec = postForm(t, routes, "/publish_done", url.Values{"call": {"publish_done"}, "name": {"abc123"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var got []lifecycle.Event
	for len(got) < 2 {
		select {
		case event := <-sub.Events():
			got = append(got, event)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 queued events, got %d", len(got))
		}
	}
	assert.Equal(t, lifecycle.EventTypePublish, got[0].Type)
	assert.Equal(t, int64(42), got[0].StreamID)
	assert.Equal(t, lifecycle.EventTypePublishDone, got[1].Type)
	assert.Equal(t, "abc123", got[1].StreamKey)
}
