package lifecycle

import (
	"context"
	"sync"
)

// Queue carries lifecycle events from hook intake to relay workers.
type Queue interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
	Close() error
}

// Subscription represents an active event stream. Events is closed once the
// subscription has shut down.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// NewMemoryQueue initialises an in-process queue. Unlike a fan-out feed a
// lost publish_done would orphan relays, so Publish waits for buffer space
// instead of dropping events.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- event:
		case <-sub.closing:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue:   q,
		ch:      make(chan Event, q.buffer),
		closing: make(chan struct{}),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

func (q *memoryQueue) Close() error {
	q.mu.RLock()
	subs := make([]*memorySubscription, 0, len(q.subs))
	for sub := range q.subs {
		subs = append(subs, sub)
	}
	q.mu.RUnlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySubscription struct {
	once    sync.Once
	queue   *memoryQueue
	ch      chan Event
	closing chan struct{}
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		close(s.closing)
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
