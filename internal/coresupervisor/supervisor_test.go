package coresupervisor

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/fleetform/internal/coreevents"
	"github.com/cuemby/fleetform/internal/coreruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	broker := coreevents.NewBroker(0)
	broker.Start()
	t.Cleanup(broker.Stop)
	return New(coreruntime.Test(io.Discard), broker)
}

func TestSpawnSuccessfulExit(t *testing.T) {
	sv := newTestSupervisor(t)

	h, err := sv.Spawn(context.Background(), Spec{
		AgentID: "agent-1",
		Command: "/bin/sh",
		Args:    []string{"-c", "echo hello"},
	})
	require.NoError(t, err)

	res := h.Wait()
	assert.Equal(t, ExitOutcomeSuccess, res.Outcome)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "hello")
}

func TestSpawnNonzeroExit(t *testing.T) {
	sv := newTestSupervisor(t)

	h, err := sv.Spawn(context.Background(), Spec{
		AgentID: "agent-1",
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 3"},
	})
	require.NoError(t, err)

	res := h.Wait()
	assert.Equal(t, ExitOutcomeNonzero, res.Outcome)
	assert.Equal(t, 3, res.ExitCode)
}

func TestSpawnUnknownCommandFails(t *testing.T) {
	sv := newTestSupervisor(t)

	_, err := sv.Spawn(context.Background(), Spec{
		AgentID: "agent-1",
		Command: "/no/such/binary-xyz",
	})
	assert.Error(t, err)
}

func TestSpawnTimeoutEscalatesToKill(t *testing.T) {
	sv := newTestSupervisor(t)

	h, err := sv.Spawn(context.Background(), Spec{
		AgentID:     "agent-1",
		Command:     "/bin/sh",
		Args:        []string{"-c", "trap '' TERM; sleep 30"},
		Timeout:     50 * time.Millisecond,
		GracePeriod: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	res := h.Wait()
	elapsed := time.Since(start)

	assert.Equal(t, ExitOutcomeTimedOut, res.Outcome)
	assert.Less(t, elapsed, 5*time.Second, "SIGKILL escalation must bound total wait time")
}

func TestRingBufferCapsRetainedOutput(t *testing.T) {
	sv := newTestSupervisor(t)

	h, err := sv.Spawn(context.Background(), Spec{
		AgentID: "agent-1",
		Command: "/bin/sh",
		Args:    []string{"-c", "yes x | head -c 100000"},
		RingCap: 1024,
	})
	require.NoError(t, err)

	res := h.Wait()
	assert.LessOrEqual(t, len(res.Stdout), 1024)
}

func TestHandleLookupAndTerminate(t *testing.T) {
	sv := newTestSupervisor(t)

	h, err := sv.Spawn(context.Background(), Spec{
		AgentID: "agent-1",
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
	})
	require.NoError(t, err)

	got, ok := sv.Handle(h.WorkerID)
	require.True(t, ok)
	assert.Equal(t, h.WorkerID, got.WorkerID)

	require.NoError(t, sv.Terminate(h.WorkerID, 100*time.Millisecond))
	res := h.Wait()
	assert.Equal(t, ExitOutcomeKilled, res.Outcome)
}

func TestTerminateUnknownWorker(t *testing.T) {
	sv := newTestSupervisor(t)
	err := sv.Terminate("does-not-exist", 0)
	assert.Error(t, err)
}

func TestStdoutTeePreferredWhenLarger(t *testing.T) {
	sv := newTestSupervisor(t)
	teePath := filepath.Join(t.TempDir(), "out.txt")

	h, err := sv.Spawn(context.Background(), Spec{
		AgentID:       "agent-1",
		Command:       "/bin/sh",
		Args:          []string{"-c", "yes x | head -c 5000"},
		StdoutTeePath: teePath,
		RingCap:       1024, // forces the piped capture to be smaller than the tee file
	})
	require.NoError(t, err)
	res := h.Wait()
	assert.Equal(t, ExitOutcomeSuccess, res.Outcome)
	assert.Len(t, res.Stdout, 5000, "the untruncated tee file must win over the capped ring buffer")
}

func TestStdoutTeeMissingFallsBackToPipe(t *testing.T) {
	sv := newTestSupervisor(t)

	h, err := sv.Spawn(context.Background(), Spec{
		AgentID:       "agent-1",
		Command:       "/bin/sh",
		Args:          []string{"-c", "echo hello"},
		StdoutTeePath: filepath.Join(t.TempDir(), "never-written.txt"),
	})
	require.NoError(t, err)
	res := h.Wait()
	assert.Contains(t, res.Stdout, "hello")
}

func TestActiveWorkerIDsExcludesExited(t *testing.T) {
	sv := newTestSupervisor(t)

	running, err := sv.Spawn(context.Background(), Spec{AgentID: "agent-1", Command: "/bin/sh", Args: []string{"-c", "sleep 30"}})
	require.NoError(t, err)
	exited, err := sv.Spawn(context.Background(), Spec{AgentID: "agent-2", Command: "/bin/sh", Args: []string{"-c", "true"}})
	require.NoError(t, err)
	exited.Wait()

	ids := sv.ActiveWorkerIDs()
	assert.Contains(t, ids, running.WorkerID)
	assert.NotContains(t, ids, exited.WorkerID)

	require.NoError(t, sv.Terminate(running.WorkerID, 100*time.Millisecond))
}
