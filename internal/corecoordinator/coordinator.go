// Package corecoordinator is the Swarm Coordinator (spec.md §4.6): the
// user-visible façade that accepts an objective, wires up a workspace,
// store, supervisor and scheduler for it, decomposes the objective into a
// task graph and agent team, runs the swarm to completion or timeout, and
// summarizes the result. Grounded on the reference orchestrator's
// pkg/manager.Manager — a façade struct that owns its sub-components and
// exposes one method per top-level operation — stripped of the Raft/mTLS/
// DNS/ingress cluster machinery spec.md §1 excludes.
package corecoordinator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/fleetform/internal/coredecompose"
	"github.com/cuemby/fleetform/internal/coreerrors"
	"github.com/cuemby/fleetform/internal/coreevents"
	"github.com/cuemby/fleetform/internal/corescheduler"
	"github.com/cuemby/fleetform/internal/corestore"
	"github.com/cuemby/fleetform/internal/coreruntime"
	"github.com/cuemby/fleetform/internal/coresupervisor"
	"github.com/cuemby/fleetform/internal/coretypes"
	"github.com/cuemby/fleetform/internal/coreworkspace"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RetryPolicy is the retry/backoff schedule applied to every task in a
// swarm (spec.md §4.6).
type RetryPolicy struct {
	MaxAttempts   int
	BackoffBaseMs int
	BackoffCapMs  int
}

// SwarmOptions are the options recognized by RunObjective (spec.md §4.6).
type SwarmOptions struct {
	MaxAgents                 int
	MaxConcurrentTasksPerAgent int
	TaskTimeout               time.Duration
	SwarmTimeout              time.Duration
	Topology                  coretypes.Topology
	WorkspaceRoot             string
	RetainWorkspaces          coretypes.TeardownPolicy
	RetryPolicy               RetryPolicy

	LLMCLIPath         string
	LLMCLIDefaultTools []string
	EnvOverrides       map[string]string
}

// DefaultSwarmOptions returns spec.md §4.6's documented defaults.
func DefaultSwarmOptions() SwarmOptions {
	return SwarmOptions{
		MaxAgents:                  5,
		MaxConcurrentTasksPerAgent: 3,
		TaskTimeout:                300 * time.Second,
		SwarmTimeout:               30 * time.Minute,
		Topology:                   coretypes.TopologyHybrid,
		WorkspaceRoot:              "./swarm-workspaces",
		RetainWorkspaces:           coretypes.TeardownKeep,
		RetryPolicy:                RetryPolicy{MaxAttempts: 3, BackoffBaseMs: 2000, BackoffCapMs: 30000},
		LLMCLIPath:                 "claude",
	}
}

func (o *SwarmOptions) applyDefaults() {
	d := DefaultSwarmOptions()
	if o.MaxAgents <= 0 {
		o.MaxAgents = d.MaxAgents
	}
	if o.MaxConcurrentTasksPerAgent <= 0 {
		o.MaxConcurrentTasksPerAgent = d.MaxConcurrentTasksPerAgent
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = d.TaskTimeout
	}
	if o.SwarmTimeout <= 0 {
		o.SwarmTimeout = d.SwarmTimeout
	}
	if o.Topology == "" {
		o.Topology = d.Topology
	}
	if o.WorkspaceRoot == "" {
		o.WorkspaceRoot = d.WorkspaceRoot
	}
	if o.RetainWorkspaces == "" {
		o.RetainWorkspaces = d.RetainWorkspaces
	}
	if o.RetryPolicy.MaxAttempts <= 0 {
		o.RetryPolicy = d.RetryPolicy
	}
	if o.LLMCLIPath == "" {
		o.LLMCLIPath = d.LLMCLIPath
	}
}

// ObjectiveResult is what RunObjective returns on termination.
type ObjectiveResult struct {
	ObjectiveID string
	Status      coretypes.ObjectiveStatus
	Tasks       []*coretypes.Task
	Agents      []*coretypes.Agent
	Elapsed     time.Duration
}

// Snapshot is what GetStatus returns (spec.md §4.6).
type Snapshot struct {
	ObjectiveID    string
	Status         coretypes.ObjectiveStatus
	Agents         []*coretypes.Agent
	TasksByStatus  map[coretypes.TaskStatus][]*coretypes.Task
	RunningWorkers int
	Elapsed        time.Duration
	RecentEvents   []*coreevents.Event
}

// run holds everything one in-flight or terminated objective owns.
type run struct {
	objective *coretypes.SwarmObjective
	opts      SwarmOptions
	broker    *coreevents.Broker
	store     *corestore.Store
	supervisor *coresupervisor.Supervisor
	workspace *coreworkspace.Manager
	scheduler *corescheduler.Scheduler
	paths     coretypes.WorkspacePaths

	mu        sync.Mutex
	cancelled bool
}

// Coordinator is the swarm orchestrator's top-level façade. One Coordinator
// tracks every objective run made through it.
type Coordinator struct {
	rt     *coreruntime.Runtime
	logger zerolog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// New creates an empty Coordinator. rt is the explicit logging/config
// context threaded into every sub-component this Coordinator constructs
// (spec.md §9: no package-level shared logger).
func New(rt *coreruntime.Runtime) *Coordinator {
	return &Coordinator{
		rt:     rt,
		logger: rt.WithComponent("coordinator"),
		runs:   make(map[string]*run),
	}
}

// RunObjective orchestrates the full pipeline for one objective: decompose,
// provision workspace/agents/tasks, run the scheduler to completion or
// timeout, and return a summary (spec.md §4.6). It blocks until the swarm
// terminates.
func (c *Coordinator) RunObjective(ctx context.Context, objectiveText string, strategy coretypes.Strategy, opts SwarmOptions) (ObjectiveResult, error) {
	if strings.TrimSpace(objectiveText) == "" {
		return ObjectiveResult{}, coreerrors.Wrap("coordinator.RunObjective", coretypes.ErrorKindInvalidInput, "objective must not be empty")
	}
	opts.applyDefaults()

	plan, err := coredecompose.Decompose(objectiveText, strategy, opts.MaxAgents)
	if err != nil {
		return ObjectiveResult{}, err
	}

	objectiveID := uuid.NewString()
	log := c.rt.WithSwarmID(objectiveID)

	broker := coreevents.NewBroker(0)
	broker.Start()
	defer broker.Stop()

	store := corestore.New(c.rt, broker)
	supervisor := coresupervisor.New(c.rt, broker)
	workspace := coreworkspace.NewManager(c.rt, opts.WorkspaceRoot, 0)

	paths, err := workspace.CreateSwarmWorkspace(objectiveID)
	if err != nil {
		return ObjectiveResult{}, err
	}

	objective := &coretypes.SwarmObjective{
		ID: objectiveID, Description: objectiveText, Strategy: strategy, Topology: opts.Topology,
		CreatedAt: time.Now(), Status: coretypes.ObjectiveStatusRunning,
		Timeline: coretypes.Timeline{StartedAt: time.Now()},
	}

	sch := corescheduler.New(c.rt, corescheduler.Config{
		SwarmID: objectiveID, Objective: objectiveText, Strategy: strategy, Topology: opts.Topology,
		TaskTimeout: opts.TaskTimeout, BackoffBase: time.Duration(opts.RetryPolicy.BackoffBaseMs) * time.Millisecond,
		BackoffCap: time.Duration(opts.RetryPolicy.BackoffCapMs) * time.Millisecond,
		LLMCLIPath: opts.LLMCLIPath, LLMCLIDefaultTools: opts.LLMCLIDefaultTools, EnvOverrides: opts.EnvOverrides,
	}, store, supervisor, workspace)

	r := &run{objective: objective, opts: opts, broker: broker, store: store, supervisor: supervisor, workspace: workspace, scheduler: sch, paths: paths}
	c.mu.Lock()
	c.runs[objectiveID] = r
	c.mu.Unlock()

	if err := c.provision(r, plan); err != nil {
		objective.Status = coretypes.ObjectiveStatusFailed
		return c.finish(r, log), err
	}

	sch.Start()

	swarmTimer := time.NewTimer(opts.SwarmTimeout)
	defer swarmTimer.Stop()
	pollTicker := time.NewTicker(500 * time.Millisecond)
	defer pollTicker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			objective.Status = coretypes.ObjectiveStatusCancelling
			r.mu.Unlock()
			c.terminateAll(r)
			objective.Status = coretypes.ObjectiveStatusCancelled
			break loop
		case <-swarmTimer.C:
			log.Warn().Msg("swarm timeout reached, cancelling remaining work")
			c.terminateAll(r)
			objective.Status = coretypes.ObjectiveStatusTimedOut
			break loop
		case <-pollTicker.C:
			_ = c.writeSnapshot(r)
			r.mu.Lock()
			cancelled := r.cancelled
			r.mu.Unlock()
			if cancelled || cancelSentinelExists(r.paths) {
				c.terminateAll(r)
				objective.Status = coretypes.ObjectiveStatusCancelled
				break loop
			}
			if sch.Drained() {
				objective.Status = terminalStatus(store)
				break loop
			}
		}
	}

	sch.Stop()
	return c.finish(r, log), nil
}

// provision registers the decomposed team and task graph with the store.
func (c *Coordinator) provision(r *run, plan coredecompose.Plan) error {
	nameToID := make(map[string]string, len(plan.Tasks))
	taskIDs := make([]string, 0, len(plan.Tasks))
	for _, ts := range plan.Tasks {
		id := uuid.NewString()
		nameToID[ts.Name] = id
		taskIDs = append(taskIDs, id)
	}

	resolvedDeps, err := coredecompose.ResolveDependencies(plan.Tasks, nameToID)
	if err != nil {
		return err
	}

	for i, ts := range plan.Tasks {
		now := time.Now().Add(time.Duration(i) * time.Nanosecond) // preserve FIFO createdAt ordering
		task := &coretypes.Task{
			ID: taskIDs[i], Name: ts.Name, Description: ts.Description, Type: ts.Type,
			Priority: ts.Priority, Requirements: ts.Requirements, Dependencies: resolvedDeps[i],
			MaxAttempts: r.opts.RetryPolicy.MaxAttempts, Timeout: r.opts.TaskTimeout, CreatedAt: now,
		}
		if err := r.store.AddTask(task); err != nil {
			return err
		}
	}
	r.objective.Tasks = taskIDs

	for _, profile := range plan.Team {
		agentID := uuid.NewString()
		agent := &coretypes.Agent{
			ID: agentID, Name: profile.Name, Type: profile.Type, Capabilities: profile.Capabilities,
			Status: coretypes.AgentStatusIdle, CreatedAt: time.Now(),
			Limits: coretypes.AgentLimits{MaxConcurrentTasks: r.opts.MaxConcurrentTasksPerAgent, TimeoutPerTask: r.opts.TaskTimeout},
		}
		if err := r.store.RegisterAgent(agent); err != nil {
			return err
		}
		r.scheduler.SetAgentLayer(agentID, profile.Layer)
	}
	return nil
}

// terminalStatus derives the objective's terminal status from its tasks,
// per spec.md §8 ("a swarm never reports completed while any task is
// non-terminal").
func terminalStatus(store *corestore.Store) coretypes.ObjectiveStatus {
	anyFailed := false
	for _, t := range store.ListTasks() {
		switch t.Status {
		case coretypes.TaskStatusCompleted, coretypes.TaskStatusCancelled:
			// terminal, fine
		case coretypes.TaskStatusFailed:
			anyFailed = true
		default:
			// still non-terminal: the scheduler shouldn't report Drained
			// in this case, but fail safe rather than report completed.
			return coretypes.ObjectiveStatusFailed
		}
	}
	if anyFailed {
		return coretypes.ObjectiveStatusFailed
	}
	return coretypes.ObjectiveStatusCompleted
}

// CancelSentinelName is the file a cross-process "cancel" CLI invocation
// touches inside a swarm's workspace root; a running RunObjective's poll
// loop treats its presence as an external cancel request, since the CLI and
// the in-flight swarm are typically different processes with no shared
// Coordinator (spec.md §6: "thin CLI, out of core").
const CancelSentinelName = "cancel-requested"

func cancelSentinelPath(paths coretypes.WorkspacePaths) string {
	return filepath.Join(paths.Root, CancelSentinelName)
}

func cancelSentinelExists(paths coretypes.WorkspacePaths) bool {
	_, err := os.Stat(cancelSentinelPath(paths))
	return err == nil
}

// RequestCancelByWorkspace touches the cancel sentinel for a swarm whose
// workspace root is known but whose Coordinator is not (the cross-process
// CLI `cancel` path). A running swarm notices it on its next poll tick.
func RequestCancelByWorkspace(workspaceRoot, objectiveID string) error {
	root := filepath.Join(workspaceRoot, "swarm-"+objectiveID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, CancelSentinelName), []byte(time.Now().Format(time.RFC3339)), 0o644)
}

func (c *Coordinator) terminateAll(r *run) {
	r.scheduler.CancelAll(r.supervisor.ActiveWorkerIDs(), 5*time.Second)
}

func (c *Coordinator) writeSnapshot(r *run) error {
	snap := r.store.BuildSnapshot()
	doc := sharedMemoryDoc{
		SwarmID:   r.objective.ID,
		CreatedAt: r.objective.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		Status:    r.objective.Status,
		Metadata: sharedMemoryMetadata{
			Topology: r.objective.Topology, Strategy: r.objective.Strategy, Objective: r.objective.Description,
		},
		Agents: snap.Agents,
		Tasks:  snap.Tasks,
		Coordination: sharedMemoryCoordination{
			CommunicationLog: communicationLogFrom(r.broker.Recent(200)),
		},
	}
	data, err := marshalSharedMemory(doc)
	if err != nil {
		return err
	}
	return r.workspace.WriteSharedMemorySnapshot(r.paths, data)
}

func (c *Coordinator) finish(r *run, log zerolog.Logger) ObjectiveResult {
	r.objective.Timeline.EndedAt = time.Now()
	_ = c.writeSnapshot(r)

	for _, a := range r.store.ListAgents() {
		ws, ok := r.scheduler.AgentWorkspace(a.ID)
		if !ok {
			// never dispatched a task, so ensureAgentWorkspace never created
			// a workspace for it — nothing to tear down.
			continue
		}
		if err := r.workspace.TeardownAgentWorkspace(ws, r.opts.RetainWorkspaces); err != nil {
			log.Warn().Str("agent_id", a.ID).Err(err).Msg("teardown failed")
		}
	}

	return ObjectiveResult{
		ObjectiveID: r.objective.ID,
		Status:      r.objective.Status,
		Tasks:       r.store.ListTasks(),
		Agents:      r.store.ListAgents(),
		Elapsed:     r.objective.Timeline.EndedAt.Sub(r.objective.Timeline.StartedAt),
	}
}

// GetStatus returns a point-in-time view of an in-flight or terminated
// objective (spec.md §4.6).
func (c *Coordinator) GetStatus(objectiveID string) (Snapshot, error) {
	r, err := c.lookup(objectiveID)
	if err != nil {
		return Snapshot{}, err
	}

	byStatus := make(map[coretypes.TaskStatus][]*coretypes.Task)
	for _, t := range r.store.ListTasks() {
		byStatus[t.Status] = append(byStatus[t.Status], t)
	}

	elapsed := time.Since(r.objective.Timeline.StartedAt)
	if !r.objective.Timeline.EndedAt.IsZero() {
		elapsed = r.objective.Timeline.EndedAt.Sub(r.objective.Timeline.StartedAt)
	}

	return Snapshot{
		ObjectiveID: objectiveID, Status: r.objective.Status, Agents: r.store.ListAgents(),
		TasksByStatus: byStatus, RunningWorkers: len(r.supervisor.ActiveWorkerIDs()),
		Elapsed: elapsed, RecentEvents: r.broker.Recent(50),
	}, nil
}

// Cancel propagates a cancel request for objectiveID. Idempotent: a second
// call on an already-cancelled or terminated objective is a no-op
// (spec.md §8).
func (c *Coordinator) Cancel(objectiveID string) error {
	r, err := c.lookup(objectiveID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return nil
	}
	r.cancelled = true
	r.mu.Unlock()

	switch r.objective.Status {
	case coretypes.ObjectiveStatusCompleted, coretypes.ObjectiveStatusFailed,
		coretypes.ObjectiveStatusCancelled, coretypes.ObjectiveStatusTimedOut:
		return nil
	}

	r.objective.Status = coretypes.ObjectiveStatusCancelling
	c.terminateAll(r)
	return nil
}

// SpawnAgent adds a new agent to a running objective's team, exposed for
// test and external control (spec.md §4.6).
func (c *Coordinator) SpawnAgent(objectiveID string, profile coretypes.AgentProfile) (string, error) {
	r, err := c.lookup(objectiveID)
	if err != nil {
		return "", err
	}

	agentID := uuid.NewString()
	agent := &coretypes.Agent{
		ID: agentID, Name: profile.Name, Type: profile.Type, Capabilities: profile.Capabilities,
		Status: coretypes.AgentStatusIdle, CreatedAt: time.Now(),
		Limits: coretypes.AgentLimits{MaxConcurrentTasks: r.opts.MaxConcurrentTasksPerAgent, TimeoutPerTask: r.opts.TaskTimeout},
	}
	if err := r.store.RegisterAgent(agent); err != nil {
		return "", err
	}
	r.scheduler.SetAgentLayer(agentID, profile.Layer)
	return agentID, nil
}

// TerminateAgent removes an agent from a running objective.
func (c *Coordinator) TerminateAgent(objectiveID, agentID string) error {
	r, err := c.lookup(objectiveID)
	if err != nil {
		return err
	}
	return r.store.TerminateAgent(agentID)
}

// ListAgents lists the current team for a running or terminated objective.
func (c *Coordinator) ListAgents(objectiveID string) ([]*coretypes.Agent, error) {
	r, err := c.lookup(objectiveID)
	if err != nil {
		return nil, err
	}
	return r.store.ListAgents(), nil
}

func (c *Coordinator) lookup(objectiveID string) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[objectiveID]
	if !ok {
		return nil, coreerrors.Wrap("coordinator.lookup", coretypes.ErrorKindInvalidInput, "unknown objective %s", objectiveID)
	}
	return r, nil
}
