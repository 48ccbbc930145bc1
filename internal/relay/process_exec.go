package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	child_process_manager "github.com/AgustinSRG/go-child-process-manager"
)

// ExecSpawner starts relay processes with os/exec.
type ExecSpawner struct {
	// BindLifetime ties each child to this process via
	// go-child-process-manager so relays die with the daemon. main must call
	// child_process_manager.InitializeChildProcessManager first.
	BindLifetime bool
	// WaitDelay bounds how long Wait keeps draining output after the
	// process exits.
	WaitDelay time.Duration
	Logger    *slog.Logger
}

// Spawn starts req. The argument vector, which carries the destination
// credential, is not retained once the process has started.
func (s ExecSpawner) Spawn(req SpawnRequest) (Process, error) {
	if req.Binary == "" {
		return nil, errors.New("relay binary is not configured")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(req.Binary, req.Args...)
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Second
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin: %w", err)
	}
	if s.BindLifetime {
		if err := child_process_manager.ConfigureCommand(cmd); err != nil {
			logger.Warn("unable to configure relay to die with the daemon", "error", err)
		}
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, err
	}
	cmd.Args = nil
	if s.BindLifetime {
		if err := child_process_manager.AddChildProcess(cmd.Process); err != nil {
			logger.Warn("unable to register relay for auto-kill", "pid", cmd.Process.Pid, "error", err)
		}
	}

	proc := &execProcess{
		cmd:     cmd,
		stdin:   stdin,
		done:    make(chan struct{}),
		flushes: flushersOf(req.Stdout, req.Stderr),
	}
	go proc.wait()
	return proc, nil
}

type flusher interface{ Flush() }

func flushersOf(writers ...io.Writer) []flusher {
	var out []flusher
	for _, w := range writers {
		if f, ok := w.(flusher); ok {
			out = append(out, f)
		}
	}
	return out
}

type execProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	done    chan struct{}
	flushes []flusher

	mu     sync.Mutex
	status ExitStatus
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	status := exitStatusFrom(p.cmd.ProcessState, err)
	for _, f := range p.flushes {
		f.Flush()
	}
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Quit() error {
	if _, err := io.WriteString(p.stdin, "q\n"); err != nil {
		return fmt.Errorf("write quit command: %w", err)
	}
	return nil
}

func (p *execProcess) Terminate() error {
	return ignoreDone(terminate(p.cmd.Process))
}

func (p *execProcess) Kill() error {
	return ignoreDone(p.cmd.Process.Kill())
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func exitStatusFrom(state *os.ProcessState, waitErr error) ExitStatus {
	var status ExitStatus
	if state != nil {
		status.Code = state.ExitCode()
		status.Signal = signalName(state)
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		status.Err = waitErr
	}
	return status
}
