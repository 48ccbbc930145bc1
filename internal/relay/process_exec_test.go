//go:build !windows

package relay

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycast/internal/observability/logging"
)

func shellPath(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return path
}

func TestExecSpawnerQuitsOnStdin(t *testing.T) {
	spawner := ExecSpawner{Logger: logging.Discard()}
	proc, err := spawner.Spawn(SpawnRequest{
		Binary: shellPath(t),
		Args:   []string{"-c", "read line; [ \"$line\" = q ] && exit 0; exit 3"},
	})
	require.NoError(t, err)
	require.NotZero(t, proc.Pid())

	result := Sequencer{Policy: DefaultPolicy(), Logger: logging.Discard()}.Stop(proc)

	assert.Equal(t, PhaseQuit, result.Phase)
	assert.True(t, proc.ExitStatus().Clean(), "exit status %+v", proc.ExitStatus())
}

func TestExecSpawnerKillsStubbornProcess(t *testing.T) {
	spawner := ExecSpawner{Logger: logging.Discard(), WaitDelay: 200 * time.Millisecond}
	proc, err := spawner.Spawn(SpawnRequest{
		Binary: shellPath(t),
		Args:   []string{"-c", "trap '' TERM; exec sleep 30"},
	})
	require.NoError(t, err)

	policy := Policy{TerminateAfter: 50 * time.Millisecond, KillAfter: 150 * time.Millisecond}
	result := Sequencer{Policy: policy, Logger: logging.Discard()}.Stop(proc)
	assert.Equal(t, PhaseKill, result.Phase)

	select {
	case <-proc.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("killed process was not reaped")
	}
	status := proc.ExitStatus()
	assert.Equal(t, "signaled", status.Outcome())
	assert.NoError(t, proc.Kill(), "kill after exit is a no-op")
}

func TestExecSpawnerMissingBinary(t *testing.T) {
	_, err := ExecSpawner{}.Spawn(SpawnRequest{Binary: "/nonexistent/ffmpeg", Args: []string{"-version"}})
	assert.Error(t, err)

	_, err = ExecSpawner{}.Spawn(SpawnRequest{})
	assert.Error(t, err)
}
