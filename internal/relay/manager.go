package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"relaycast/internal/catalog"
)

// Decrypter opens destination credentials.
type Decrypter interface {
	Decrypt(opaque string) (string, error)
}

// Observer receives relay lifecycle signals, typically for metrics.
type Observer interface {
	RelaySpawned(platform string, err error)
	RelayExited(platform, outcome string)
	RelayStopped(phase string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) RelaySpawned(string, error)         {}
func (nopObserver) RelayExited(string, string)         {}
func (nopObserver) RelayStopped(string, time.Duration) {}

// Options wires a Manager.
type Options struct {
	Config       Config
	Destinations catalog.DestinationRepository
	Vault        Decrypter
	Spawner      Spawner
	Logger       *slog.Logger
	Observer     Observer
}

// Manager owns the relay processes of every live stream, keyed by stream
// key.
type Manager struct {
	cfg       Config
	repo      catalog.DestinationRepository
	vault     Decrypter
	spawner   Spawner
	sequencer Sequencer
	logger    *slog.Logger
	observer  Observer

	mu       sync.Mutex
	streams  map[string][]*Handle
	pending  map[string]struct{}
	stopping map[string]chan struct{}
	draining bool
	inflight sync.WaitGroup
}

// NewManager validates opts and builds a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Destinations == nil {
		return nil, errors.New("destination repository is required")
	}
	if opts.Vault == nil {
		return nil, errors.New("credential vault is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	spawner := opts.Spawner
	if spawner == nil {
		spawner = ExecSpawner{Logger: logger}
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Manager{
		cfg:       opts.Config,
		repo:      opts.Destinations,
		vault:     opts.Vault,
		spawner:   spawner,
		sequencer: Sequencer{Policy: opts.Config.Stop, Logger: logger},
		logger:    logger,
		observer:  observer,
		streams:   make(map[string][]*Handle),
		pending:   make(map[string]struct{}),
		stopping:  make(map[string]chan struct{}),
	}, nil
}

// ValidateStreamKey reports whether key can be embedded in an RTMP path.
func ValidateStreamKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidStreamKey)
	}
	for _, r := range key {
		if r == '/' || r == '?' || r == '#' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: contains %q", ErrInvalidStreamKey, r)
		}
	}
	return nil
}

// StartMulticast launches one relay per enabled destination of the stream.
// Destinations fail independently; only invalid arguments and repository
// failures are returned. A start for a key that already has live relays, or
// whose start is in flight, is ignored, as is any start during shutdown.
func (m *Manager) StartMulticast(ctx context.Context, streamKey string, streamID int64) error {
	if err := ValidateStreamKey(streamKey); err != nil {
		return err
	}
	if streamID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidStreamID, streamID)
	}
	logger := m.logger.With("stream_key", streamKey, "stream_id", streamID)

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		logger.Info("ignoring multicast start during shutdown")
		return nil
	}
	if _, busy := m.pending[streamKey]; busy || hasLive(m.streams[streamKey]) {
		m.mu.Unlock()
		logger.Warn("multicast already active for stream")
		return nil
	}
	m.pending[streamKey] = struct{}{}
	m.inflight.Add(1)
	m.mu.Unlock()
	defer m.inflight.Done()

	destinations, err := m.repo.FindEnabledByStreamID(ctx, streamID)
	if err != nil {
		m.release(streamKey)
		return fmt.Errorf("find destinations for stream %d: %w", streamID, err)
	}
	if len(destinations) == 0 {
		m.release(streamKey)
		logger.Info("no enabled destinations for stream")
		return nil
	}

	launched := make([]*Handle, len(destinations))
	var g errgroup.Group
	g.SetLimit(m.cfg.MaxConcurrentSpawns)
	for i, dest := range destinations {
		g.Go(func() error {
			launched[i] = m.launch(streamKey, dest)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	delete(m.pending, streamKey)
	draining := m.draining
	handles := make([]*Handle, 0, len(launched))
	for _, h := range launched {
		if h != nil && h.State() == StateRunning {
			handles = append(handles, h)
		}
	}
	if !draining && len(handles) > 0 {
		m.streams[streamKey] = handles
	}
	m.mu.Unlock()

	if draining {
		logger.Info("shutdown began during start, stopping new relays", "relays", len(handles))
		m.stopHandles(handles)
		return nil
	}
	logger.Info("multicast started", "relays", len(handles), "destinations", len(destinations))
	return nil
}

func (m *Manager) release(streamKey string) {
	m.mu.Lock()
	delete(m.pending, streamKey)
	m.mu.Unlock()
}

// launch starts the relay for one destination. It returns nil when the
// destination is skipped; the plaintext credential never leaves this
// function except inside the spawned argument vector.
func (m *Manager) launch(streamKey string, dest catalog.Destination) *Handle {
	logger := m.logger.With(
		"stream_key", streamKey,
		"destination_id", dest.ID,
		"platform", string(dest.Platform),
	)
	h := newHandle(streamKey, dest)

	base, err := catalog.ResolveRTMPURL(dest.Platform, dest.RTMPURL)
	if err != nil {
		h.fail()
		m.observer.RelaySpawned(string(dest.Platform), err)
		logger.Error("skipping destination with unusable rtmp url", "error", err)
		return nil
	}

	plaintext, err := m.vault.Decrypt(dest.EncryptedStreamKey)
	if err != nil {
		h.fail()
		m.observer.RelaySpawned(string(dest.Platform), err)
		logger.Error("skipping destination, stream key could not be decrypted", "error", err)
		return nil
	}
	proc, err := m.spawner.Spawn(SpawnRequest{
		Binary: m.cfg.FFmpegPath,
		Args:   ffmpegArgs(m.cfg.ingressURL(streamKey), base+"/"+plaintext),
		Stdout: newLogWriter(logger, "stdout"),
		Stderr: newLogWriter(logger, "stderr"),
	})
	if err != nil {
		spawnErr := &SpawnError{DestinationID: dest.ID, Platform: dest.Platform, Err: err}
		h.fail()
		m.observer.RelaySpawned(string(dest.Platform), spawnErr)
		logger.Error("relay failed to start", "error", spawnErr)
		return nil
	}

	h.attach(proc, time.Now())
	m.observer.RelaySpawned(string(dest.Platform), nil)
	logger.Info("relay started", "relay_id", h.ID.String(), "pid", proc.Pid(), "display_name", dest.DisplayName)
	go m.watch(h, proc, logger)
	return h
}

// watch logs the exit of a relay and reaps handles whose process ended on
// its own.
func (m *Manager) watch(h *Handle, proc Process, logger *slog.Logger) {
	<-proc.Done()
	status := proc.ExitStatus()
	m.observer.RelayExited(string(h.Platform), status.Outcome())
	uptime := time.Since(h.StartTime()).Round(time.Millisecond)
	if status.Clean() {
		logger.Info("relay ended normally", "pid", proc.Pid(), "uptime", uptime)
	} else {
		logger.Warn("relay exited", "pid", proc.Pid(), "exit_code", status.Code, "signal", status.Signal, "uptime", uptime, "error", &ExitError{Status: status})
	}

	if !h.markExited() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(h.StreamKey, h)
}

func (m *Manager) removeLocked(streamKey string, gone ...*Handle) {
	current, ok := m.streams[streamKey]
	if !ok {
		return
	}
	kept := current[:0:0]
	for _, h := range current {
		if !containsHandle(gone, h) {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(m.streams, streamKey)
		return
	}
	m.streams[streamKey] = kept
}

// StopMulticast stops every relay of the stream and waits for them. Unknown
// keys return immediately. If ctx ends first the stop keeps running in the
// background and ctx's error is returned.
func (m *Manager) StopMulticast(ctx context.Context, streamKey string) error {
	m.mu.Lock()
	done, ok := m.stopLocked(streamKey)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopLocked starts, or joins, the stop of streamKey.
func (m *Manager) stopLocked(streamKey string) (<-chan struct{}, bool) {
	if done, ok := m.stopping[streamKey]; ok {
		return done, true
	}
	handles, ok := m.streams[streamKey]
	if !ok {
		return nil, false
	}
	done := make(chan struct{})
	m.stopping[streamKey] = done
	snapshot := append([]*Handle(nil), handles...)
	go func() {
		defer close(done)
		started := time.Now()
		m.stopHandles(snapshot)
		m.mu.Lock()
		m.removeLocked(streamKey, snapshot...)
		delete(m.stopping, streamKey)
		m.mu.Unlock()
		m.logger.Info("multicast stopped", "stream_key", streamKey, "relays", len(snapshot), "elapsed", time.Since(started).Round(time.Millisecond))
	}()
	return done, true
}

func (m *Manager) stopHandles(handles []*Handle) {
	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			result := h.stop(m.sequencer.Stop)
			if result.Phase != PhaseExited {
				m.observer.RelayStopped(string(result.Phase), result.Elapsed)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// HasActiveProcesses reports whether the stream has tracked relays.
func (m *Manager) HasActiveProcesses(streamKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams[streamKey]) > 0
}

// ActiveStreamCount returns the number of streams with tracked relays.
func (m *Manager) ActiveStreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// ActiveRelayCount returns the number of tracked relays across all streams.
func (m *Manager) ActiveRelayCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, handles := range m.streams {
		total += len(handles)
	}
	return total
}

// Shutdown rejects new starts, waits for in-flight starts, and stops every
// stream concurrently. It returns ctx's error if ctx ends before all relays
// have stopped. It is safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()

	starts := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(starts)
	}()
	select {
	case <-starts:
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached while starts were in flight")
	}

	m.mu.Lock()
	keys := make([]string, 0, len(m.streams)+len(m.stopping))
	for key := range m.streams {
		keys = append(keys, key)
	}
	for key := range m.stopping {
		if _, ok := m.streams[key]; !ok {
			keys = append(keys, key)
		}
	}
	waits := make([]<-chan struct{}, 0, len(keys))
	for _, key := range keys {
		if done, ok := m.stopLocked(key); ok {
			waits = append(waits, done)
		}
	}
	m.mu.Unlock()

	m.logger.Info("shutting down multicast relays", "streams", len(waits))
	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// DestinationStatus summarises one tracked relay.
type DestinationStatus struct {
	RelayID       string           `json:"relayId"`
	DestinationID int64            `json:"destinationId"`
	Platform      catalog.Platform `json:"platform"`
	DisplayName   string           `json:"displayName,omitempty"`
	State         State            `json:"state"`
	PID           int              `json:"pid"`
	StartedAt     time.Time        `json:"startedAt"`
	Uptime        string           `json:"uptime"`
}

// StreamStatus summarises the relays of one stream.
type StreamStatus struct {
	StreamKey string              `json:"streamKey"`
	Relays    []DestinationStatus `json:"relays"`
}

// Snapshot returns the tracked relays ordered by stream key.
func (m *Manager) Snapshot() []StreamStatus {
	m.mu.Lock()
	copied := make(map[string][]*Handle, len(m.streams))
	keys := make([]string, 0, len(m.streams))
	for key, handles := range m.streams {
		copied[key] = append([]*Handle(nil), handles...)
		keys = append(keys, key)
	}
	m.mu.Unlock()

	slices.Sort(keys)
	now := time.Now()
	out := make([]StreamStatus, 0, len(keys))
	for _, key := range keys {
		status := StreamStatus{StreamKey: key}
		for _, h := range copied[key] {
			started := h.StartTime()
			status.Relays = append(status.Relays, DestinationStatus{
				RelayID:       h.ID.String(),
				DestinationID: h.DestinationID,
				Platform:      h.Platform,
				DisplayName:   h.DisplayName,
				State:         h.State(),
				PID:           h.Pid(),
				StartedAt:     started,
				Uptime:        now.Sub(started).Round(time.Second).String(),
			})
		}
		out = append(out, status)
	}
	return out
}

func hasLive(handles []*Handle) bool {
	for _, h := range handles {
		if h.State().Live() {
			return true
		}
	}
	return false
}

func containsHandle(handles []*Handle, target *Handle) bool {
	for _, h := range handles {
		if h == target {
			return true
		}
	}
	return false
}
