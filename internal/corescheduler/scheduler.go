// Package corescheduler is the Scheduler/Dispatcher (spec.md §4.5): it
// drives the task graph to completion by placing ready tasks onto capable
// agents under the configured topology, spawning a worker subprocess per
// attempt, and feeding exit results back into the Shared Coordination
// Store's state machine with retry/backoff. Grounded on the reference
// orchestrator's pkg/scheduler (ticker-driven reconciliation loop) and
// pkg/reconciler (dependent-cancellation pattern), generalized from
// container placement to task-to-agent placement.
package corescheduler

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/fleetform/internal/coremetrics"
	"github.com/cuemby/fleetform/internal/coreruntime"
	"github.com/cuemby/fleetform/internal/corestore"
	"github.com/cuemby/fleetform/internal/coresupervisor"
	"github.com/cuemby/fleetform/internal/coretypes"
	"github.com/cuemby/fleetform/internal/coreworkspace"
	"github.com/rs/zerolog"
)

// Config configures one scheduler instance (spec.md §4.6 SwarmOptions
// subset relevant to dispatch).
type Config struct {
	SwarmID     string
	Objective   string
	Strategy    coretypes.Strategy
	Topology    coretypes.Topology
	TaskTimeout time.Duration // per-task worker timeout, default 300s

	MaxRunningTasks      int // 0 = sum of agent caps
	StarvationThreshold  int // loop iterations before a priority bump, default 20
	TickInterval         time.Duration
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	GracePeriod          time.Duration

	LLMCLIPath        string
	LLMCLIDefaultTools []string
	EnvOverrides      map[string]string
}

func (c *Config) setDefaults() {
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 300 * time.Second
	}
	if c.StarvationThreshold == 0 {
		c.StarvationThreshold = 20
	}
	if c.TickInterval == 0 {
		c.TickInterval = 200 * time.Millisecond
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.Topology == "" {
		c.Topology = coretypes.TopologyHybrid
	}
	if c.LLMCLIPath == "" {
		c.LLMCLIPath = "claude"
	}
}

// Scheduler dispatches ready tasks onto agents and processes worker exits.
type Scheduler struct {
	cfg        Config
	store      *corestore.Store
	supervisor *coresupervisor.Supervisor
	workspace  *coreworkspace.Manager
	logger     zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu             sync.Mutex
	agentWorkspace map[string]coretypes.AgentWorkspace
	agentLayer     map[string]int
	starvation     map[string]int
	retryNotBefore map[string]time.Time
	inFlight       int // outstanding dispatched workers, for maxRunningTasks backpressure
}

// New creates a Scheduler for one swarm.
func New(rt *coreruntime.Runtime, cfg Config, store *corestore.Store, supervisor *coresupervisor.Supervisor, workspace *coreworkspace.Manager) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		cfg:            cfg,
		store:          store,
		supervisor:     supervisor,
		workspace:      workspace,
		logger:         rt.WithSwarmID(cfg.SwarmID),
		stopCh:         make(chan struct{}),
		agentWorkspace: make(map[string]coretypes.AgentWorkspace),
		agentLayer:     make(map[string]int),
		starvation:     make(map[string]int),
		retryNotBefore: make(map[string]time.Time),
	}
}

// SetAgentLayer records an agent's hierarchical layer, used by the
// hierarchical and hybrid topologies. Called once per agent at spawn time.
func (sch *Scheduler) SetAgentLayer(agentID string, layer int) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.agentLayer[agentID] = layer
}

// AgentWorkspace returns the workspace an agent was actually provisioned
// with, if any task for it was ever dispatched. Used by the coordinator at
// teardown so it tears down exactly the workspaces ensureAgentWorkspace
// created, instead of recreating one for every agent on the team.
func (sch *Scheduler) AgentWorkspace(agentID string) (coretypes.AgentWorkspace, bool) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	ws, ok := sch.agentWorkspace[agentID]
	return ws, ok
}

// Start begins the dispatch loop.
func (sch *Scheduler) Start() {
	sch.wg.Add(1)
	go sch.run()
}

// Stop stops the dispatch loop. Idempotent.
func (sch *Scheduler) Stop() {
	sch.stopOnce.Do(func() { close(sch.stopCh) })
	sch.wg.Wait()
}

func (sch *Scheduler) run() {
	defer sch.wg.Done()
	ticker := time.NewTicker(sch.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sch.tick()
		case <-sch.stopCh:
			return
		}
	}
}

// Drained reports whether the swarm has no ready tasks and no in-flight
// workers, i.e. it has run to completion (spec.md §4.5 main loop step 1).
func (sch *Scheduler) Drained() bool {
	sch.mu.Lock()
	inFlight := sch.inFlight
	sch.mu.Unlock()
	return inFlight == 0 && len(sch.store.GetReadyTasks()) == 0
}

func (sch *Scheduler) tick() {
	timer := coremetrics.NewTimer()
	defer timer.ObserveDuration(coremetrics.ReconciliationDuration)
	coremetrics.ReconciliationCyclesTotal.Inc()

	ready := sch.store.GetReadyTasks()
	agents := sch.store.ListAgents()

	sch.mu.Lock()
	agentLayer := make(map[string]int, len(sch.agentLayer))
	for k, v := range sch.agentLayer {
		agentLayer[k] = v
	}
	sch.mu.Unlock()

	now := time.Now()
	for _, task := range ready {
		sch.mu.Lock()
		notBefore, waiting := sch.retryNotBefore[task.ID]
		sch.mu.Unlock()
		if waiting && now.Before(notBefore) {
			continue
		}

		if !sch.hasBudget() {
			break
		}

		agent := Place(sch.cfg.Topology, task, agents, agentLayer)
		if agent == nil {
			sch.bumpStarvation(task.ID)
			continue
		}

		sch.dispatch(task, agent)
		// Reflect the workload increment locally so subsequent placements
		// within the same tick don't pile every ready task on one agent.
		agent.Workload++
	}
}

func (sch *Scheduler) hasBudget() bool {
	max := sch.cfg.MaxRunningTasks
	if max <= 0 {
		max = sch.sumAgentCaps()
	}
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return max <= 0 || sch.inFlight < max
}

func (sch *Scheduler) sumAgentCaps() int {
	sum := 0
	for _, a := range sch.store.ListAgents() {
		if a.Limits.MaxConcurrentTasks > 0 {
			sum += a.Limits.MaxConcurrentTasks
		} else {
			sum++
		}
	}
	return sum
}

func (sch *Scheduler) bumpStarvation(taskID string) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.starvation[taskID]++
	if sch.starvation[taskID] >= sch.cfg.StarvationThreshold {
		sch.starvation[taskID] = 0
		go func() {
			if err := sch.store.BumpPriority(taskID); err != nil {
				sch.logger.Warn().Str("task_id", taskID).Err(err).Msg("failed to bump starved task priority")
			}
		}()
	}
}

func (sch *Scheduler) dispatch(task *coretypes.Task, agent *coretypes.Agent) {
	log := sch.logger.With().Str("task_id", task.ID).Str("agent_id", agent.ID).Logger()

	if err := sch.store.IncrementAgentWorkload(agent.ID); err != nil {
		log.Warn().Err(err).Msg("could not claim agent workload, skipping this tick")
		return
	}
	if err := sch.store.MarkTaskAssigned(task.ID, agent.ID); err != nil {
		log.Error().Err(err).Msg("failed to mark task assigned")
		_ = sch.store.DecrementAgentWorkload(agent.ID)
		return
	}

	// Mark the task Running as soon as the scheduler commits to this
	// attempt, before touching the filesystem or spawning a process, so
	// any setup failure below still lands on a valid Running->{Ready,
	// Failed} edge instead of the dead-end Assigned state.
	if err := sch.store.MarkTaskRunning(task.ID); err != nil {
		log.Error().Err(err).Msg("failed to mark task running")
		_ = sch.store.DecrementAgentWorkload(agent.ID)
		return
	}

	ws, err := sch.ensureAgentWorkspace(agent)
	if err != nil {
		log.Error().Err(err).Msg("failed to prepare agent workspace")
		sch.finishAttempt(task.ID, agent.ID, coretypes.ErrorKindIOError, err.Error())
		return
	}

	prompt := buildPrompt(sch.cfg, task, agent)
	promptPath, err := sch.workspace.WritePrompt(ws, prompt)
	if err != nil {
		log.Error().Err(err).Msg("failed to write prompt")
		sch.finishAttempt(task.ID, agent.ID, coretypes.ErrorKindIOError, err.Error())
		return
	}

	spec := coresupervisor.Spec{
		AgentID:       agent.ID,
		Command:       sch.cfg.LLMCLIPath,
		Args:          workerArgv(promptPath, sch.cfg.LLMCLIDefaultTools),
		Env:           workerEnv(sch.cfg, task, agent, ws),
		WorkDir:       ws.Dir,
		Timeout:       sch.cfg.TaskTimeout,
		GracePeriod:   sch.cfg.GracePeriod,
		StdoutTeePath: filepath.Join(ws.OutputDir, task.ID+".stdout"),
	}

	h, err := sch.supervisor.Spawn(context.Background(), spec)
	if err != nil {
		log.Error().Err(err).Msg("failed to spawn worker")
		sch.finishAttempt(task.ID, agent.ID, coretypes.ErrorKindSpawnFailed, err.Error())
		return
	}

	sch.mu.Lock()
	sch.inFlight++
	sch.mu.Unlock()
	coremetrics.TasksScheduled.Inc()

	sch.wg.Add(1)
	go sch.awaitResult(task.ID, agent.ID, ws, h)
}

func (sch *Scheduler) ensureAgentWorkspace(agent *coretypes.Agent) (coretypes.AgentWorkspace, error) {
	sch.mu.Lock()
	ws, ok := sch.agentWorkspace[agent.ID]
	sch.mu.Unlock()
	if ok {
		return ws, nil
	}

	ws, err := sch.workspace.CreateAgentWorkspace(sch.cfg.SwarmID, agent.ID, "")
	if err != nil {
		return coretypes.AgentWorkspace{}, err
	}
	sch.mu.Lock()
	sch.agentWorkspace[agent.ID] = ws
	sch.mu.Unlock()
	return ws, nil
}

func (sch *Scheduler) awaitResult(taskID, agentID string, ws coretypes.AgentWorkspace, h *coresupervisor.Handle) {
	defer sch.wg.Done()
	res := h.Wait()

	sch.mu.Lock()
	sch.inFlight--
	sch.mu.Unlock()

	harvest, err := sch.workspace.HarvestOutputs(ws)
	if err != nil {
		sch.logger.Warn().Str("task_id", taskID).Err(err).Msg("failed to harvest outputs")
	}

	task, err := sch.store.GetTask(taskID)
	if err != nil {
		sch.logger.Error().Str("task_id", taskID).Err(err).Msg("task vanished before result could be processed")
		return
	}

	if ok, kind := outcomeVerdict(res, task.Type, harvest); ok {
		unblocked, err := sch.store.MarkTaskCompleted(taskID, &coretypes.TaskResult{
			Stdout: res.Stdout, Files: harvest.Files, Artifacts: harvest.ArtifactList,
		})
		if err != nil {
			sch.logger.Error().Str("task_id", taskID).Err(err).Msg("failed to mark task completed")
		}
		_ = sch.store.DecrementAgentWorkload(agentID)
		for _, id := range unblocked {
			sch.logger.Info().Str("task_id", id).Msg("dependent task unblocked")
		}
		return
	}
	sch.finishAttempt(taskID, agentID, kind, attemptErrorMessage(res))
}

// finishAttempt records a failed attempt, decides retry vs. terminal via the
// store's retriable policy, and — on retry — parks the task out of the
// ready pool until its exponential backoff elapses (spec.md §4.5 step 5).
func (sch *Scheduler) finishAttempt(taskID, agentID string, kind coretypes.ErrorKind, msg string) {
	terminal, cancelled, err := sch.store.MarkTaskFailed(taskID, kind, msg)
	if err != nil {
		sch.logger.Error().Str("task_id", taskID).Err(err).Msg("failed to mark task failed")
	}
	if agentID != "" {
		_ = sch.store.DecrementAgentWorkload(agentID)
	}
	for _, id := range cancelled {
		sch.logger.Info().Str("task_id", id).Msg("dependent task cancelled after terminal failure")
	}

	if terminal {
		return
	}

	task, err := sch.store.GetTask(taskID)
	if err != nil {
		return
	}
	delay := backoffDelay(sch.cfg.BackoffBase, sch.cfg.BackoffCap, len(task.Attempts))
	sch.mu.Lock()
	sch.retryNotBefore[taskID] = time.Now().Add(delay)
	sch.mu.Unlock()
}

// backoffDelay computes the exponential-with-jitter retry delay of
// spec.md §4.5: base 2s, cap 30s, jitter ±20%.
func backoffDelay(base, cap time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts && d < cap; i++ {
		d *= 2
	}
	if d > cap {
		d = cap
	}
	jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(d)) // ±20%
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}

func outcomeVerdict(res coresupervisor.Result, taskType coretypes.TaskType, harvest coreworkspace.HarvestResult) (success bool, kind coretypes.ErrorKind) {
	switch res.Outcome {
	case coresupervisor.ExitOutcomeTimedOut:
		return false, coretypes.ErrorKindTimeout
	case coresupervisor.ExitOutcomeKilled:
		return false, coretypes.ErrorKindWorkerKilled
	case coresupervisor.ExitOutcomeNonzero:
		return false, coretypes.ErrorKindWorkerNonzeroExit
	case coresupervisor.ExitOutcomeSpawnError:
		return false, coretypes.ErrorKindSpawnFailed
	}

	// Exit code 0: deliverable-presence check decides success (spec.md §6,
	// §8 boundary behavior). Coding tasks need a harvested file; research
	// and documentation tasks need at least an artifact reference; other
	// task types are judged on exit code alone.
	switch taskType {
	case coretypes.TaskTypeCoding:
		if len(harvest.Files) == 0 {
			return false, coretypes.ErrorKindIOError
		}
	case coretypes.TaskTypeResearch, coretypes.TaskTypeDocumentation:
		if len(harvest.ArtifactList) == 0 {
			return false, coretypes.ErrorKindIOError
		}
	}
	return true, ""
}

func attemptErrorMessage(res coresupervisor.Result) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	return fmt.Sprintf("worker exited with outcome %s (code %d) but did not satisfy deliverable check", res.Outcome, res.ExitCode)
}

// buildPrompt renders the task into the text the LLM CLI is invoked with,
// written to the agent's workspace rather than passed inline on argv (the
// reference's shell-interpolated prompt is one of the patterns spec.md §9
// calls out for re-architecture).
func buildPrompt(cfg Config, task *coretypes.Task, agent *coretypes.Agent) string {
	return fmt.Sprintf(
		"# Objective\n%s\n\n# Task: %s\n%s\n\n# Agent\nType: %s\nName: %s\n",
		cfg.Objective, task.Name, task.Description, agent.Type, agent.Name,
	)
}

// workerArgv builds argv per spec.md §6: executable (supplied separately as
// Spec.Command), the prompt source, a print flag, a skip-interactive-
// permissions flag, and a single comma-separated --allowed-tools argument.
// promptPath is passed rather than inline prompt text, per the §9 redesign
// note on argv-size/shell-interpolation safety.
func workerArgv(promptPath string, tools []string) []string {
	args := []string{promptPath, "--print", "--dangerously-skip-permissions"}
	if len(tools) > 0 {
		args = append(args, "--allowed-tools", joinComma(tools))
	}
	return args
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func workerEnv(cfg Config, task *coretypes.Task, agent *coretypes.Agent, ws coretypes.AgentWorkspace) []string {
	env := []string{
		"AGENT_ID=" + agent.ID,
		"AGENT_TYPE=" + string(agent.Type),
		"AGENT_NAME=" + agent.Name,
		"WORKING_DIR=" + ws.Dir,
		"SWARM_ID=" + cfg.SwarmID,
		"OBJECTIVE=" + cfg.Objective,
		"STRATEGY=" + string(cfg.Strategy),
		"TASK_ID=" + task.ID,
	}
	for k, v := range cfg.EnvOverrides {
		env = append(env, k+"="+v)
	}
	return env
}

// CancelAll cancels every non-terminal task and terminates every tracked
// worker (SIGTERM, then SIGKILL once grace elapses), used by the
// coordinator on swarm cancel/timeout
// (spec.md §5 "Cancellation").
func (sch *Scheduler) CancelAll(workerIDs []string, grace time.Duration) {
	for _, t := range sch.store.ListTasks() {
		switch t.Status {
		case coretypes.TaskStatusCompleted, coretypes.TaskStatusFailed, coretypes.TaskStatusCancelled:
			continue
		default:
			if err := sch.store.CancelTask(t.ID); err != nil {
				sch.logger.Warn().Str("task_id", t.ID).Err(err).Msg("cancel failed")
			}
		}
	}
	for _, id := range workerIDs {
		if err := sch.supervisor.Terminate(id, grace); err != nil {
			sch.logger.Warn().Str("worker_id", id).Err(err).Msg("terminate failed")
		}
	}
}
