package relay

import (
	"io"
)

// Process is a running relay subprocess.
type Process interface {
	Pid() int
	// Quit asks the process to finish on its own by writing "q\n" to stdin.
	Quit() error
	// Terminate sends the platform's graceful stop signal.
	Terminate() error
	// Kill stops the process immediately.
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitStatus is valid after Done is closed.
	ExitStatus() ExitStatus
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code   int
	Signal string
	// Err carries wait failures that are not a plain non-zero exit.
	Err error
}

// Clean reports a zero exit code without a signal.
func (s ExitStatus) Clean() bool {
	return s.Err == nil && s.Code == 0 && s.Signal == ""
}

// Outcome is a short label for metrics and logs.
func (s ExitStatus) Outcome() string {
	switch {
	case s.Clean():
		return "clean"
	case s.Signal != "":
		return "signaled"
	default:
		return "failed"
	}
}

// SpawnRequest describes one relay process to start.
type SpawnRequest struct {
	Binary string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

// Spawner starts relay processes.
type Spawner interface {
	Spawn(req SpawnRequest) (Process, error)
}

// ffmpegArgs builds the copy-codec remux command line.
func ffmpegArgs(ingress, egress string) []string {
	return []string{"-i", ingress, "-c", "copy", "-f", "flv", egress}
}
