package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Controller is the relay surface driven by lifecycle events.
type Controller interface {
	StartMulticast(ctx context.Context, streamKey string, streamID int64) error
	StopMulticast(ctx context.Context, streamKey string) error
}

// Observer records handled events.
type Observer interface {
	LifecycleEvent(eventType string, err error)
}

// ErrSubscriptionClosed is returned by Run when the queue stops delivering.
var ErrSubscriptionClosed = errors.New("lifecycle subscription closed")

// Worker applies queued lifecycle events to a Controller. Events for the
// same stream key are applied in order; different keys proceed
// concurrently.
type Worker struct {
	Queue      Queue
	Controller Controller
	Logger     *slog.Logger
	Observer   Observer
	// StopTimeout bounds how long a publish_done waits for relays to stop.
	StopTimeout time.Duration

	mu    sync.Mutex
	tails map[string]chan struct{}
	wg    sync.WaitGroup
}

// Run consumes events until ctx ends, then waits for handlers already
// started to finish.
func (w *Worker) Run(ctx context.Context) error {
	if w.Queue == nil || w.Controller == nil {
		return errors.New("lifecycle worker requires a queue and a controller")
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sub := w.Queue.Subscribe()
	defer w.wg.Wait()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrSubscriptionClosed
			}
			if err := event.Validate(); err != nil {
				logger.Warn("dropping invalid lifecycle event", "type", string(event.Type), "error", err)
				w.observe(event.Type, err)
				continue
			}
			w.enqueue(event.StreamKey, func() { w.handle(context.WithoutCancel(ctx), logger, event) })
		}
	}
}

// enqueue runs fn after every earlier function queued for key.
func (w *Worker) enqueue(key string, fn func()) {
	w.mu.Lock()
	if w.tails == nil {
		w.tails = make(map[string]chan struct{})
	}
	prev := w.tails[key]
	done := make(chan struct{})
	w.tails[key] = done
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if prev != nil {
			<-prev
		}
		fn()
		close(done)
		w.mu.Lock()
		if w.tails[key] == done {
			delete(w.tails, key)
		}
		w.mu.Unlock()
	}()
}

func (w *Worker) handle(ctx context.Context, logger *slog.Logger, event Event) {
	logger = logger.With("stream_key", event.StreamKey, "type", string(event.Type))
	var err error
	switch event.Type {
	case EventTypePublish:
		err = w.Controller.StartMulticast(ctx, event.StreamKey, event.StreamID)
	case EventTypePublishDone:
		timeout := w.StopTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		stopCtx, cancel := context.WithTimeout(ctx, timeout)
		err = w.Controller.StopMulticast(stopCtx, event.StreamKey)
		cancel()
	}
	w.observe(event.Type, err)
	if err != nil {
		logger.Error("lifecycle event failed", "error", err)
		return
	}
	logger.Debug("lifecycle event applied", "queued_for", time.Since(event.OccurredAt).Round(time.Millisecond))
}

func (w *Worker) observe(eventType EventType, err error) {
	if w.Observer != nil {
		w.Observer.LifecycleEvent(string(eventType), err)
	}
}
