//go:build windows

package relay

import "os"

// Windows has no graceful termination signal for console children, so the
// middle phase falls through to TerminateProcess.
func terminate(p *os.Process) error {
	return p.Kill()
}

func signalName(*os.ProcessState) string {
	return ""
}
