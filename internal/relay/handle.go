package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"relaycast/internal/catalog"
)

// Handle tracks one relay process for one destination of one stream.
type Handle struct {
	ID            uuid.UUID
	StreamKey     string
	DestinationID int64
	Platform      catalog.Platform
	DisplayName   string

	mu        sync.Mutex
	state     State
	proc      Process
	startTime time.Time

	stopOnce   sync.Once
	stopDone   chan struct{}
	stopResult StopResult
}

func newHandle(streamKey string, dest catalog.Destination) *Handle {
	return &Handle{
		ID:            uuid.New(),
		StreamKey:     streamKey,
		DestinationID: dest.ID,
		Platform:      dest.Platform,
		DisplayName:   dest.DisplayName,
		state:         StateStarting,
		stopDone:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// StartTime is when the process was spawned; zero before that.
func (h *Handle) StartTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startTime
}

// Pid returns the OS process id, or 0 when no process is attached.
func (h *Handle) Pid() int {
	h.mu.Lock()
	proc := h.proc
	h.mu.Unlock()
	if proc == nil {
		return 0
	}
	return proc.Pid()
}

// Exited is closed when the process ends. It is nil before a process is
// attached.
func (h *Handle) Exited() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proc == nil {
		return nil
	}
	return h.proc.Done()
}

func (h *Handle) transition(to State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transitionLocked(to)
}

func (h *Handle) transitionLocked(to State) bool {
	if !canTransition(h.state, to) {
		return false
	}
	h.state = to
	return true
}

func (h *Handle) attach(proc Process, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proc = proc
	h.startTime = now
	h.transitionLocked(StateRunning)
}

func (h *Handle) fail() {
	h.transition(StateFailed)
}

// markExited records a process exit that no stop request initiated. It
// reports false when a stop was already in progress.
func (h *Handle) markExited() bool {
	return h.transition(StateStopped)
}

// stop drives the shutdown sequence once; concurrent callers share the
// result.
func (h *Handle) stop(run func(Process) StopResult) StopResult {
	h.stopOnce.Do(func() {
		defer close(h.stopDone)
		h.mu.Lock()
		proc := h.proc
		begun := h.transitionLocked(StateStopping)
		h.mu.Unlock()
		if !begun || proc == nil {
			h.stopResult = StopResult{Phase: PhaseExited}
			return
		}
		h.stopResult = run(proc)
		h.transition(StateStopped)
	})
	<-h.stopDone
	return h.stopResult
}
