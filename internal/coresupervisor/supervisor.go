// Package coresupervisor is the Worker Process Supervisor (spec.md §4.2): it
// spawns one LLM-CLI subprocess per Spawn call (the scheduler calls it once
// per task attempt), streams its stdout/stderr into
// ring buffers, enforces a timeout with a SIGTERM-then-SIGKILL escalation,
// and reports exit outcomes as events. Grounded on the reference
// orchestrator's pkg/worker (the per-node container handle registry and its
// health-monitor ticker loop), generalized from containerd containers to
// os/exec subprocesses — spec.md §1 excludes an OCI container runtime, so
// there is no containerd/runc layer here, only the process primitives the
// standard library already gives us plus the teacher's supervision shape.
package coresupervisor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/fleetform/internal/coreerrors"
	"github.com/cuemby/fleetform/internal/coreevents"
	"github.com/cuemby/fleetform/internal/coremetrics"
	"github.com/cuemby/fleetform/internal/coreruntime"
	"github.com/cuemby/fleetform/internal/coretypes"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultRingBufferCap bounds how much of stdout/stderr is retained in
// memory per worker (spec.md §4.2).
const DefaultRingBufferCap = 8 << 20 // 8 MiB

// DefaultGracePeriod is how long a worker gets between SIGTERM and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// Spec describes one subprocess to spawn.
type Spec struct {
	WorkerID   string
	AgentID    string
	Command    string
	Args       []string
	Env        []string
	WorkDir    string
	Timeout    time.Duration // 0 = no timeout
	RingCap    int           // 0 = DefaultRingBufferCap
	GracePeriod time.Duration // 0 = DefaultGracePeriod

	// StdoutTeePath, if set, makes buildCmd run the worker through a
	// `sh -c ... | tee PATH` launcher so its stdout is also written to this
	// file. The larger non-empty of the tee file and the piped stdout
	// capture wins (spec.md §9's tee-vs-pipe open question).
	StdoutTeePath string
}

// ExitOutcome is how a worker process ended.
type ExitOutcome string

const (
	ExitOutcomeSuccess    ExitOutcome = "success"
	ExitOutcomeNonzero    ExitOutcome = "nonzero-exit"
	ExitOutcomeKilled     ExitOutcome = "killed"
	ExitOutcomeTimedOut   ExitOutcome = "timed-out"
	ExitOutcomeSpawnError ExitOutcome = "spawn-error"
)

// Result is the terminal report for a worker process.
type Result struct {
	Outcome  ExitOutcome
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// ringBuffer is a capped byte buffer: once full, the oldest bytes are
// dropped to make room for new writes. Its own mutex guards it, since the
// exec copy goroutine writes while Handle readers take snapshots.
type ringBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	cap int
}

func newRingBuffer(cap int) *ringBuffer {
	return &ringBuffer{cap: cap}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Write(p)
	if over := r.buf.Len() - r.cap; over > 0 {
		r.buf.Next(over)
	}
	return len(p), nil
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

// Handle is a live or exited worker process.
type Handle struct {
	WorkerID string
	AgentID  string

	mu            sync.Mutex
	cmd           *exec.Cmd
	stdout        *ringBuffer
	stderr        *ringBuffer
	stdoutTeePath string
	done          chan struct{}
	result        Result
	finished      bool
}

// Stdout returns a snapshot of retained stdout.
func (h *Handle) Stdout() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stdout.String()
}

// Stderr returns a snapshot of retained stderr.
func (h *Handle) Stderr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stderr.String()
}

// Wait blocks until the process has exited and returns its terminal Result.
func (h *Handle) Wait() Result {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Supervisor spawns and tracks worker subprocesses.
type Supervisor struct {
	logger zerolog.Logger
	broker *coreevents.Broker

	mu       sync.Mutex
	handles  map[string]*Handle
}

// New creates a Supervisor publishing worker lifecycle events on broker.
func New(rt *coreruntime.Runtime, broker *coreevents.Broker) *Supervisor {
	return &Supervisor{
		logger:  rt.WithComponent("supervisor"),
		broker:  broker,
		handles: make(map[string]*Handle),
	}
}

func (sv *Supervisor) publish(typ coreevents.Type, actor, msg string, payload map[string]string) {
	if sv.broker == nil {
		return
	}
	sv.broker.Publish(&coreevents.Event{Type: typ, Actor: actor, Message: msg, Payload: payload})
}

// buildCmd wraps spec.Command in a small `sh -c ... | tee` launcher when a
// tee path was requested, matching spec.md §4.2's "tee'd output file" note —
// not every LLM CLI writes its own tee file, so the supervisor offers one.
// Without a tee path it runs the command directly, no shell involved.
func buildCmd(ctx context.Context, spec Spec) *exec.Cmd {
	if spec.StdoutTeePath == "" {
		return exec.CommandContext(ctx, spec.Command, spec.Args...)
	}
	script := `exec "$0" "$@" | tee "` + spec.StdoutTeePath + `"`
	argv := append([]string{"-c", script, spec.Command}, spec.Args...)
	return exec.CommandContext(ctx, "sh", argv...)
}

// Spawn starts spec's command as a subprocess and returns a Handle
// immediately; the process runs asynchronously. stdin is closed immediately
// after spawn — workers never receive piped input (spec.md §4.2).
func (sv *Supervisor) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.WorkerID == "" {
		spec.WorkerID = uuid.NewString()
	}
	ringCap := spec.RingCap
	if ringCap <= 0 {
		ringCap = DefaultRingBufferCap
	}
	grace := spec.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := buildCmd(runCtx, spec)
	cmd.Dir = spec.WorkDir
	cmd.Env = spec.Env

	h := &Handle{
		WorkerID:      spec.WorkerID,
		AgentID:       spec.AgentID,
		cmd:           cmd,
		stdout:        newRingBuffer(ringCap),
		stderr:        newRingBuffer(ringCap),
		stdoutTeePath: spec.StdoutTeePath,
		done:          make(chan struct{}),
	}
	cmd.Stdout = h.stdout
	cmd.Stderr = h.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		coremetrics.WorkerSpawnFailures.Inc()
		return nil, coreerrors.Wrap("supervisor.Spawn", coretypes.ErrorKindSpawnFailed, "stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		coremetrics.WorkerSpawnFailures.Inc()
		return nil, coreerrors.Wrap("supervisor.Spawn", coretypes.ErrorKindSpawnFailed, "start %s: %w", spec.Command, err)
	}
	stdin.Close() // no interactive stdin; close immediately per spec

	sv.mu.Lock()
	sv.handles[h.WorkerID] = h
	sv.mu.Unlock()

	coremetrics.WorkersActive.Inc()
	coremetrics.WorkersSpawned.Inc()
	sv.publish(coreevents.TypeWorkerStarted, spec.AgentID, "worker started", map[string]string{"worker_id": h.WorkerID})

	go sv.supervise(runCtx, cancel, h, spec.Timeout, grace)
	return h, nil
}

func (sv *Supervisor) supervise(runCtx context.Context, cancel context.CancelFunc, h *Handle, timeout, grace time.Duration) {
	defer cancel()
	defer coremetrics.WorkersActive.Dec()

	timer := coremetrics.NewTimer()
	defer timer.ObserveDuration(coremetrics.WorkerExecDuration)

	waitErr := make(chan error, 1)
	go func() { waitErr <- h.cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var res Result
	select {
	case err := <-waitErr:
		res = sv.classifyExit(h, err)
	case <-timeoutCh:
		coremetrics.WorkersTimedOut.Inc()
		sv.logger.Warn().Str("worker_id", h.WorkerID).Msg("worker timed out, sending SIGTERM")
		_ = h.cmd.Process.Signal(syscall.SIGTERM)

		select {
		case err := <-waitErr:
			res = sv.classifyExit(h, err)
			res.Outcome = ExitOutcomeTimedOut
		case <-time.After(grace):
			sv.logger.Warn().Str("worker_id", h.WorkerID).Msg("worker did not exit after SIGTERM grace period, sending SIGKILL")
			_ = h.cmd.Process.Kill()
			<-waitErr
			res = Result{Outcome: ExitOutcomeTimedOut, ExitCode: -1, Stdout: h.Stdout(), Stderr: h.Stderr()}
		}
	}

	res.Stdout = resolveStdout(res.Stdout, h.stdoutTeePath)

	h.mu.Lock()
	h.result = res
	h.finished = true
	h.mu.Unlock()
	close(h.done)

	sv.publish(coreevents.TypeWorkerExited, h.AgentID, "worker exited", map[string]string{
		"worker_id": h.WorkerID, "outcome": string(res.Outcome),
	})
}

func (sv *Supervisor) classifyExit(h *Handle, err error) Result {
	res := Result{Stdout: h.Stdout(), Stderr: h.Stderr()}
	if err == nil {
		res.Outcome = ExitOutcomeSuccess
		res.ExitCode = 0
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			res.Outcome = ExitOutcomeKilled
		} else {
			res.Outcome = ExitOutcomeNonzero
		}
		res.Err = err
		return res
	}

	res.Outcome = ExitOutcomeSpawnError
	res.Err = err
	res.ExitCode = -1
	return res
}

// resolveStdout picks between the piped stdout capture and a tee file the
// worker was told to also write through, per spec.md §9: the larger
// non-empty of the two wins. teePath may be empty if the spec didn't ask
// for one.
func resolveStdout(piped, teePath string) string {
	if teePath == "" {
		return piped
	}
	data, err := os.ReadFile(teePath)
	if err != nil || len(data) == 0 {
		return piped
	}
	if len(data) > len(piped) {
		return string(data)
	}
	return piped
}

// Handle returns the tracked handle for workerID, if any.
func (sv *Supervisor) Handle(workerID string) (*Handle, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	h, ok := sv.handles[workerID]
	return h, ok
}

// ActiveWorkerIDs returns the ids of every tracked worker that has not yet
// exited, used by the coordinator to target a swarm-wide cancellation.
func (sv *Supervisor) ActiveWorkerIDs() []string {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	var ids []string
	for id, h := range sv.handles {
		h.mu.Lock()
		finished := h.finished
		h.mu.Unlock()
		if !finished {
			ids = append(ids, id)
		}
	}
	return ids
}

// Terminate sends SIGTERM (escalating to SIGKILL after grace) to a tracked
// worker, used by the coordinator on objective cancellation.
func (sv *Supervisor) Terminate(workerID string, grace time.Duration) error {
	sv.mu.Lock()
	h, ok := sv.handles[workerID]
	sv.mu.Unlock()
	if !ok {
		return coreerrors.Wrap("supervisor.Terminate", coretypes.ErrorKindInvalidInput, "unknown worker %s", workerID)
	}

	h.mu.Lock()
	proc := h.cmd.Process
	finished := h.finished
	h.mu.Unlock()
	if finished || proc == nil {
		return nil
	}

	_ = proc.Signal(syscall.SIGTERM)
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	select {
	case <-h.done:
	case <-time.After(grace):
		_ = proc.Kill()
		<-h.done
	}
	return nil
}
