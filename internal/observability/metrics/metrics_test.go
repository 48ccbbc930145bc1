package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRelayCounters(t *testing.T) {
	recorder := New()

	recorder.RelaySpawned("twitch", nil)
	recorder.RelaySpawned("twitch", nil)
	recorder.RelaySpawned("youtube", errors.New("boom"))
	recorder.RelayExited("twitch", "clean")
	recorder.RelayExited("twitch", "failed")

	cases := []struct {
		name string
		got  float64
		want float64
	}{
		{"twitch ok", testutil.ToFloat64(recorder.spawns.WithLabelValues("twitch", "ok")), 2},
		{"youtube error", testutil.ToFloat64(recorder.spawns.WithLabelValues("youtube", "error")), 1},
		{"clean exit", testutil.ToFloat64(recorder.exits.WithLabelValues("twitch", "clean")), 1},
		{"failed exit", testutil.ToFloat64(recorder.exits.WithLabelValues("twitch", "failed")), 1},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, tc.got)
		}
	}
}

func TestLifecycleEventCounter(t *testing.T) {
	recorder := New()
	recorder.LifecycleEvent("publish", nil)
	recorder.LifecycleEvent("publish_done", errors.New("stop failed"))

	if got := testutil.ToFloat64(recorder.lifecycleEvents.WithLabelValues("publish", "ok")); got != 1 {
		t.Fatalf("expected one ok publish event, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.lifecycleEvents.WithLabelValues("publish_done", "error")); got != 1 {
		t.Fatalf("expected one failed publish_done event, got %v", got)
	}
}

func TestHandlerRefreshesGaugesBeforeScrape(t *testing.T) {
	recorder := New()
	recorder.RelayStopped("graceful", 120*time.Millisecond)

	refreshed := 0
	handler := recorder.Handler(func() {
		refreshed++
		recorder.SetActive(3, 7)
	})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if refreshed != 1 {
		t.Fatalf("expected refresh to run once, ran %d times", refreshed)
	}

	body, _ := io.ReadAll(rr.Body)
	for _, want := range []string{
		"relaycast_active_streams 3",
		"relaycast_active_relays 7",
		`relaycast_relay_stop_seconds_count{phase="graceful"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected scrape to contain %q", want)
		}
	}
}
