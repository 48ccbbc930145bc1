package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaycast/internal/catalog"
	"relaycast/internal/vault"
)

// fakeProcess obeys whichever stop request its behaviour allows.
type fakeProcess struct {
	pid  int
	args []string

	obeyQuit      bool
	obeyTerminate bool

	mu         sync.Mutex
	calls      []string
	callTimes  []time.Time
	once       sync.Once
	done       chan struct{}
	exitStatus ExitStatus
}

var nextFakePID atomic.Int64

func newFakeProcess(args []string) *fakeProcess {
	return &fakeProcess{
		pid:  int(nextFakePID.Add(1)) + 1000,
		args: args,
		done: make(chan struct{}),
	}
}

func (p *fakeProcess) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.callTimes = append(p.callTimes, time.Now())
	p.mu.Unlock()
}

func (p *fakeProcess) exit(status ExitStatus) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exitStatus = status
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Quit() error {
	p.record("quit")
	if p.obeyQuit {
		go p.exit(ExitStatus{})
	}
	return nil
}

func (p *fakeProcess) Terminate() error {
	p.record("terminate")
	if p.obeyTerminate {
		go p.exit(ExitStatus{Code: -1, Signal: "terminated"})
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.record("kill")
	go p.exit(ExitStatus{Code: -1, Signal: "killed"})
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus
}

func (p *fakeProcess) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// fakeSpawner hands out fakeProcesses and can fail chosen egress URLs.
type fakeSpawner struct {
	mu        sync.Mutex
	procs     []*fakeProcess
	failOn    string
	configure func(*fakeProcess)
}

func (s *fakeSpawner) Spawn(req SpawnRequest) (Process, error) {
	egress := req.Args[len(req.Args)-1]
	if s.failOn != "" && strings.Contains(egress, s.failOn) {
		return nil, errors.New("exec: no such file or directory")
	}
	proc := newFakeProcess(append([]string{req.Binary}, req.Args...))
	proc.obeyQuit = true
	if s.configure != nil {
		s.configure(proc)
	}
	s.mu.Lock()
	s.procs = append(s.procs, proc)
	s.mu.Unlock()
	return proc, nil
}

func (s *fakeSpawner) Procs() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProcess(nil), s.procs...)
}

// recordingObserver counts observer callbacks.
type recordingObserver struct {
	mu      sync.Mutex
	spawned map[string]int
	failed  map[string]int
	exits   map[string]int
	phases  []string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		spawned: make(map[string]int),
		failed:  make(map[string]int),
		exits:   make(map[string]int),
	}
}

func (o *recordingObserver) RelaySpawned(platform string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.failed[platform]++
		return
	}
	o.spawned[platform]++
}

func (o *recordingObserver) RelayExited(_ string, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exits[outcome]++
}

func (o *recordingObserver) RelayStopped(phase string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, phase)
}

// blockingRepo holds FindEnabledByStreamID until release is closed.
type blockingRepo struct {
	catalog.DestinationRepository
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRepo) FindEnabledByStreamID(ctx context.Context, streamID int64) ([]catalog.Destination, error) {
	close(r.entered)
	<-r.release
	return r.DestinationRepository.FindEnabledByStreamID(ctx, streamID)
}

type failingRepo struct{ err error }

func (r failingRepo) FindEnabledByStreamID(context.Context, int64) ([]catalog.Destination, error) {
	return nil, r.err
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	v, err := vault.NewFromHex(key)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	return v
}

func seal(t *testing.T, v *vault.Vault, plaintext string) string {
	t.Helper()
	sealed, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return sealed
}

// fastConfig scales the stop policy down so escalation tests stay quick.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.FFmpegPath = "/usr/bin/ffmpeg"
	cfg.Stop = Policy{TerminateAfter: 60 * time.Millisecond, KillAfter: 160 * time.Millisecond}
	return cfg
}
