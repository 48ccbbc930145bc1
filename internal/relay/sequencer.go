package relay

import (
	"log/slog"
	"time"
)

// Policy sets the escalation deadlines of the shutdown sequence, both
// measured from the moment the quit command is written.
type Policy struct {
	TerminateAfter time.Duration
	KillAfter      time.Duration
}

// DefaultPolicy escalates to SIGTERM after 3s and SIGKILL after 8s.
func DefaultPolicy() Policy {
	return Policy{TerminateAfter: 3 * time.Second, KillAfter: 8 * time.Second}
}

// Phase names the step of the shutdown sequence that ended it.
type Phase string

const (
	// PhaseExited means the process was already gone.
	PhaseExited    Phase = "exited"
	PhaseQuit      Phase = "quit"
	PhaseTerminate Phase = "terminate"
	PhaseKill      Phase = "kill"
)

// StopResult reports how a shutdown sequence ended.
type StopResult struct {
	Phase   Phase
	Elapsed time.Duration
}

// Sequencer stops relay processes with escalating force: a quit command on
// stdin, then the graceful signal, then a kill. It resolves as soon as the
// process exits and never later than KillAfter.
type Sequencer struct {
	Policy Policy
	Logger *slog.Logger
}

// Stop runs the sequence against proc. It does not return an error; a
// process that ignores every request is killed at KillAfter and Stop returns
// without waiting for the kill to be reaped.
func (s Sequencer) Stop(proc Process) StopResult {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	select {
	case <-proc.Done():
		return StopResult{Phase: PhaseExited}
	default:
	}

	if err := proc.Quit(); err != nil {
		logger.Warn("relay quit request failed", "pid", proc.Pid(), "error", err)
	}

	terminate := time.NewTimer(s.Policy.TerminateAfter)
	defer terminate.Stop()
	kill := time.NewTimer(s.Policy.KillAfter)
	defer kill.Stop()

	phase := PhaseQuit
	for {
		select {
		case <-proc.Done():
			return StopResult{Phase: phase, Elapsed: time.Since(start)}
		case <-terminate.C:
			phase = PhaseTerminate
			logger.Info("relay did not quit, sending terminate", "pid", proc.Pid())
			if err := proc.Terminate(); err != nil {
				logger.Warn("relay terminate failed", "pid", proc.Pid(), "error", err)
			}
		case <-kill.C:
			logger.Warn("relay did not stop, killing", "pid", proc.Pid())
			if err := proc.Kill(); err != nil {
				logger.Warn("relay kill failed", "pid", proc.Pid(), "error", err)
			}
			return StopResult{Phase: PhaseKill, Elapsed: time.Since(start)}
		}
	}
}
