package corecoordinator

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/cuemby/fleetform/internal/coreruntime"
	"github.com/cuemby/fleetform/internal/coretypes"
	"github.com/cuemby/fleetform/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRuntime() *coreruntime.Runtime {
	return coreruntime.Test(io.Discard)
}

// fastOptions returns SwarmOptions tuned so a test objective runs to
// completion quickly: a single attempt per task (no multi-second backoff
// cycling) and a short swarm timeout as a backstop.
func fastOptions(t *testing.T) SwarmOptions {
	t.Helper()
	opts := DefaultSwarmOptions()
	opts.WorkspaceRoot = t.TempDir()
	opts.LLMCLIPath = testutil.FakeWorkerScript(t, testutil.FakeWorkerBehavior{
		Stdout:   "ARTIFACT: done\n",
		ExitCode: 0,
	})
	opts.TaskTimeout = 2 * time.Second
	opts.SwarmTimeout = 5 * time.Second
	opts.RetryPolicy = RetryPolicy{MaxAttempts: 1, BackoffBaseMs: 10, BackoffCapMs: 50}
	return opts
}

func TestRunObjectiveReachesTerminalStatus(t *testing.T) {
	c := New(testRuntime())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := c.RunObjective(ctx, "build a small feature", coretypes.StrategyDevelopment, fastOptions(t))
	require.NoError(t, err)

	assert.NotEmpty(t, result.ObjectiveID)
	assert.Contains(t, []coretypes.ObjectiveStatus{
		coretypes.ObjectiveStatusCompleted, coretypes.ObjectiveStatusFailed,
	}, result.Status, "a drained swarm must resolve to a genuinely terminal status")
	assert.NotEmpty(t, result.Tasks)
	assert.NotEmpty(t, result.Agents)

	for _, task := range result.Tasks {
		assert.Contains(t, []coretypes.TaskStatus{
			coretypes.TaskStatusCompleted, coretypes.TaskStatusFailed, coretypes.TaskStatusCancelled,
		}, task.Status, "spec invariant: a swarm never reports terminal while any task is non-terminal")
	}
}

func TestRunObjectiveRejectsEmptyObjective(t *testing.T) {
	c := New(testRuntime())
	opts := fastOptions(t)
	// MaxAgents 0 falls back to the default; the empty objective is what is rejected.
	opts.MaxAgents = 0

	_, err := c.RunObjective(context.Background(), "", coretypes.StrategyAuto, opts)
	assert.Error(t, err)
}

func TestCancelIsIdempotent(t *testing.T) {
	c := New(testRuntime())
	opts := fastOptions(t)
	opts.SwarmTimeout = time.Minute // long enough that the test drives cancellation, not the timeout
	opts.TaskTimeout = time.Minute
	opts.RetryPolicy = RetryPolicy{MaxAttempts: 1, BackoffBaseMs: 10, BackoffCapMs: 50}

	// Long-running worker command so the objective is still in-flight when
	// we cancel it.
	opts.LLMCLIPath = testutil.FakeWorkerScript(t, testutil.FakeWorkerBehavior{Sleep: 10 * time.Second})

	var objectiveID string
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		result, _ := c.RunObjective(ctx, "investigate and research the topic", coretypes.StrategyResearch, opts)
		objectiveID = result.ObjectiveID
	}()

	// Give RunObjective a moment to register the run before we try to cancel it.
	require.Eventually(t, func() bool {
		c.mu.Lock()
		n := len(c.runs)
		c.mu.Unlock()
		return n > 0
	}, 2*time.Second, 10*time.Millisecond)

	c.mu.Lock()
	var anyID string
	for id := range c.runs {
		anyID = id
	}
	c.mu.Unlock()

	require.NoError(t, c.Cancel(anyID))
	require.NoError(t, c.Cancel(anyID), "a second cancel on an already-cancelling objective must be a no-op")

	<-done
	_ = objectiveID
}

func TestGetStatusUnknownObjective(t *testing.T) {
	c := New(testRuntime())
	_, err := c.GetStatus("does-not-exist")
	assert.Error(t, err)
}

func TestCancelUnknownObjective(t *testing.T) {
	c := New(testRuntime())
	assert.Error(t, c.Cancel("does-not-exist"))
}
