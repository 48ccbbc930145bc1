package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"relaycast/internal/catalog"
	"relaycast/internal/lifecycle"
	"relaycast/internal/observability/logging"
	"relaycast/internal/relay"
	"relaycast/internal/vault"
)

// stubbornProcess ignores quit and terminate and only ends when killed.
type stubbornProcess struct {
	mu     sync.Mutex
	quitAt time.Time
	killed bool
	done   chan struct{}
}

func (p *stubbornProcess) Pid() int { return 4242 }

func (p *stubbornProcess) Quit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quitAt.IsZero() {
		p.quitAt = time.Now()
	}
	return nil
}

func (p *stubbornProcess) Terminate() error { return nil }

func (p *stubbornProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed {
		p.killed = true
		close(p.done)
	}
	return nil
}

func (p *stubbornProcess) Done() <-chan struct{} { return p.done }

func (p *stubbornProcess) ExitStatus() relay.ExitStatus { return relay.ExitStatus{Code: -1, Signal: "killed"} }

func (p *stubbornProcess) quitTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quitAt
}

type stubbornSpawner struct {
	mu    sync.Mutex
	procs map[string]*stubbornProcess
}

func (s *stubbornSpawner) Spawn(req relay.SpawnRequest) (relay.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc := &stubbornProcess{done: make(chan struct{})}
	// The ingress URL is the second argument and ends with the stream key.
	key := req.Args[1][strings.LastIndex(req.Args[1], "/")+1:]
	s.procs[key] = proc
	return proc, nil
}

func (s *stubbornSpawner) proc(key string) *stubbornProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[key]
}

func TestRunStopsRelaysWithinShutdownBudget(t *testing.T) {
	sealer, err := vault.NewFromHex(strings.Repeat("0f", 32))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	sealed, err := sealer.Encrypt("live_secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	store := catalog.NewMemoryStore()
	for id, key := range map[int64]string{1: "busy", 2: "idle"} {
		if err := store.PutStream(catalog.Stream{ID: id, Key: key}); err != nil {
			t.Fatalf("put stream: %v", err)
		}
		if _, err := store.PutDestination(catalog.Destination{StreamID: id, Platform: catalog.PlatformTwitch, EncryptedStreamKey: sealed, Enabled: true}); err != nil {
			t.Fatalf("put destination: %v", err)
		}
	}

	relayCfg := relay.DefaultConfig()
	relayCfg.Stop = relay.Policy{TerminateAfter: 250 * time.Millisecond, KillAfter: 600 * time.Millisecond}
	spawner := &stubbornSpawner{procs: make(map[string]*stubbornProcess)}
	queue := lifecycle.NewMemoryQueue(8)
	budget := 2 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, logging.Discard(), runConfig{
			Addr:          "127.0.0.1:0",
			Relay:         relayCfg,
			Store:         store,
			Queue:         queue,
			Vault:         sealer,
			Spawner:       spawner,
			HookStop:      5 * time.Second,
			ShutdownAfter: budget,
		})
	}()

	waitFor := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s", what)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	publish := func(event lifecycle.Event) {
		if err := queue.Publish(context.Background(), event); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	publish(lifecycle.Event{Type: lifecycle.EventTypePublish, StreamKey: "busy", StreamID: 1})
	publish(lifecycle.Event{Type: lifecycle.EventTypePublish, StreamKey: "idle", StreamID: 2})
	waitFor("both relays to spawn", func() bool { return spawner.proc("busy") != nil && spawner.proc("idle") != nil })

	// Keep the worker busy stopping a relay that ignores quit.
	waitFor("the worker to start stopping busy", func() bool {
		publish(lifecycle.Event{Type: lifecycle.EventTypePublishDone, StreamKey: "busy"})
		time.Sleep(10 * time.Millisecond)
		return !spawner.proc("busy").quitTime().IsZero()
	})

	signalled := time.Now()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(budget + time.Second):
		t.Fatal("run overran the shutdown budget")
	}
	if elapsed := time.Since(signalled); elapsed > budget {
		t.Fatalf("shutdown took %s, budget %s", elapsed, budget)
	}

	idleQuit := spawner.proc("idle").quitTime()
	if idleQuit.IsZero() {
		t.Fatal("idle relay was never asked to quit")
	}
	if lag := idleQuit.Sub(signalled); lag > 200*time.Millisecond {
		t.Fatalf("idle relay was asked to quit %s after the signal, behind the worker's stop", lag)
	}
	for _, key := range []string{"busy", "idle"} {
		select {
		case <-spawner.proc(key).Done():
		default:
			t.Fatalf("relay %s is still running", key)
		}
	}
}

func TestConfigureLifecycleQueueDrivers(t *testing.T) {
	queue, err := configureLifecycleQueue("", lifecycle.RedisQueueConfig{}, slog.Default())
	if err != nil || queue != nil {
		t.Fatalf("default driver should disable the queue, got %v, %v", queue, err)
	}
	queue, err = configureLifecycleQueue("Memory", lifecycle.RedisQueueConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("configureLifecycleQueue returned error: %v", err)
	}
	if queue == nil {
		t.Fatal("configureLifecycleQueue returned nil memory queue")
	}
	_ = queue.Close()

	if _, err := configureLifecycleQueue("kafka", lifecycle.RedisQueueConfig{}, slog.Default()); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestConfigureLifecycleQueueRedisMissingAddress(t *testing.T) {
	if _, err := configureLifecycleQueue("redis", lifecycle.RedisQueueConfig{}, slog.Default()); err == nil {
		t.Fatal("configureLifecycleQueue redis expected error when addr missing")
	}
}

func TestResolveCatalogDriver(t *testing.T) {
	cases := []struct {
		name    string
		flag    string
		env     string
		dsn     string
		want    string
		wantErr bool
	}{
		{name: "defaults to memory", want: "memory"},
		{name: "dsn implies postgres", dsn: "postgres://relay@db/relay", want: "postgres"},
		{name: "flag wins over env", flag: "memory", env: "postgres", dsn: "postgres://relay@db/relay", want: "memory"},
		{name: "env applies", env: "POSTGRES", dsn: "postgres://relay@db/relay", want: "postgres"},
		{name: "postgres without dsn", flag: "postgres", wantErr: true},
		{name: "unknown driver", flag: "sqlite", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveCatalogDriver(tc.flag, tc.env, tc.dsn)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got driver %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestApplyRelayOverrides(t *testing.T) {
	base := relay.DefaultConfig()
	got := applyRelayOverrides(base, relayOverrides{
		FFmpegPath:     " /opt/ffmpeg/bin/ffmpeg ",
		KillAfter:      12 * time.Second,
		IngestBaseURL:  "",
		TerminateAfter: 0,
	})
	if got.FFmpegPath != "/opt/ffmpeg/bin/ffmpeg" {
		t.Fatalf("unexpected ffmpeg path %q", got.FFmpegPath)
	}
	if got.Stop.KillAfter != 12*time.Second {
		t.Fatalf("unexpected kill delay %s", got.Stop.KillAfter)
	}
	if got.Stop.TerminateAfter != base.Stop.TerminateAfter {
		t.Fatalf("terminate delay should keep the default, got %s", got.Stop.TerminateAfter)
	}
	if got.IngestBaseURL != relay.DefaultIngestBaseURL {
		t.Fatalf("ingest base url should keep the default, got %q", got.IngestBaseURL)
	}
	if got.MaxConcurrentSpawns != base.MaxConcurrentSpawns {
		t.Fatalf("spawn limit should keep the default, got %d", got.MaxConcurrentSpawns)
	}
}

func TestResolveHelpers(t *testing.T) {
	t.Setenv("RELAYCAST_TEST_INT", "12")
	t.Setenv("RELAYCAST_TEST_DURATION", "3s")
	t.Setenv("RELAYCAST_TEST_BOOL", "true")
	t.Setenv("RELAYCAST_TEST_BAD", "nope")

	if got := resolveInt(0, "RELAYCAST_TEST_INT"); got != 12 {
		t.Fatalf("resolveInt env = %d", got)
	}
	if got := resolveInt(4, "RELAYCAST_TEST_INT"); got != 4 {
		t.Fatalf("resolveInt flag = %d", got)
	}
	if got := resolveInt(0, "RELAYCAST_TEST_BAD"); got != 0 {
		t.Fatalf("resolveInt bad = %d", got)
	}
	if got := resolveDuration(0, "RELAYCAST_TEST_DURATION", time.Minute); got != 3*time.Second {
		t.Fatalf("resolveDuration env = %s", got)
	}
	if got := resolveDuration(0, "RELAYCAST_TEST_BAD", time.Minute); got != time.Minute {
		t.Fatalf("resolveDuration fallback = %s", got)
	}
	if !resolveBool(false, "RELAYCAST_TEST_BOOL") {
		t.Fatal("resolveBool should read env")
	}
	if resolveBool(false, "RELAYCAST_TEST_BAD") {
		t.Fatal("resolveBool should ignore invalid values")
	}
	if got := firstNonEmpty("  ", "", " value "); got != "value" {
		t.Fatalf("firstNonEmpty = %q", got)
	}
	if got := splitAndTrim(" a, ,b ,"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("splitAndTrim = %v", got)
	}
	if got := splitAndTrim(" , "); got != nil {
		t.Fatalf("splitAndTrim empty = %v", got)
	}
}
