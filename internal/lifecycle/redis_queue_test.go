package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycast/internal/observability/logging"
	"relaycast/internal/testsupport/redisstub"
)

func startRedis(t *testing.T, opts redisstub.Options) *redisstub.Server {
	t.Helper()
	srv, err := redisstub.Start(opts)
	require.NoError(t, err, "start redis stub")
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestRedisQueueDeliversEvents(t *testing.T) {
	for _, useTLS := range []bool{false, true} {
		name := "plain"
		if useTLS {
			name = "tls"
		}
		t.Run(name, func(t *testing.T) {
			srv := startRedis(t, redisstub.Options{Password: "secret", EnableTLS: useTLS})
			cfg := RedisQueueConfig{
				Addr:         srv.Addr(),
				Password:     "secret",
				Stream:       "test-lifecycle",
				Group:        "test-workers",
				BlockTimeout: 100 * time.Millisecond,
				Logger:       logging.Discard(),
			}
			if useTLS {
				caPath := filepath.Join(t.TempDir(), "ca.pem")
				require.NoError(t, os.WriteFile(caPath, srv.CertPEM(), 0o600))
				cfg.TLS = RedisTLSConfig{CAFile: caPath}
			}
			queue, err := NewRedisQueue(cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = queue.Close() })
			require.NoError(t, queue.Ping(context.Background()))

			sub := queue.Subscribe()
			t.Cleanup(sub.Close)

			event := Event{Type: EventTypePublish, StreamKey: "abc123", StreamID: 42, OccurredAt: time.Now().UTC().Truncate(time.Millisecond)}
			require.NoError(t, queue.Publish(context.Background(), event))

			select {
			case got := <-sub.Events():
				assert.Equal(t, event.Type, got.Type)
				assert.Equal(t, event.StreamKey, got.StreamKey)
				assert.Equal(t, event.StreamID, got.StreamID)
				assert.True(t, event.OccurredAt.Equal(got.OccurredAt))
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for event")
			}
			require.Eventually(t, func() bool { return srv.Pending("test-lifecycle", "test-workers") == 0 }, time.Second, 10*time.Millisecond)
		})
	}
}

func TestRedisQueueRequeuesOnCancellation(t *testing.T) {
	srv := startRedis(t, redisstub.Options{Password: "secret"})
	queue, err := NewRedisQueue(RedisQueueConfig{
		Addr:         srv.Addr(),
		Password:     "secret",
		Stream:       "test-lifecycle",
		Group:        "test-workers",
		BlockTimeout: 50 * time.Millisecond,
		Buffer:       1,
		Logger:       logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	sub := queue.Subscribe()

	first := Event{Type: EventTypePublish, StreamKey: "buffer-fill", StreamID: 1, OccurredAt: time.Now().UTC()}
	second := Event{Type: EventTypePublishDone, StreamKey: "needs-requeue", OccurredAt: time.Now().UTC()}
	require.NoError(t, queue.Publish(context.Background(), first))
	require.NoError(t, queue.Publish(context.Background(), second))

	time.Sleep(200 * time.Millisecond)
	sub.Close()

	var drained []Event
	for evt := range sub.Events() {
		drained = append(drained, evt)
	}
	require.Len(t, drained, 1)
	assert.Equal(t, first.StreamKey, drained[0].StreamKey)

	replacement := queue.Subscribe()
	t.Cleanup(replacement.Close)

	select {
	case got := <-replacement.Events():
		assert.Equal(t, second.StreamKey, got.StreamKey)
		assert.Equal(t, EventTypePublishDone, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for requeued event")
	}
}

func TestRedisQueueRejectsWrongPassword(t *testing.T) {
	srv := startRedis(t, redisstub.Options{Password: "secret"})
	_, err := NewRedisQueue(RedisQueueConfig{Addr: srv.Addr(), Password: "wrong", Logger: logging.Discard()})
	assert.Error(t, err)
}

func TestRedisQueueRequiresAddr(t *testing.T) {
	_, err := NewRedisQueue(RedisQueueConfig{})
	assert.Error(t, err)
}
