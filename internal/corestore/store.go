// Package corestore is the Shared Coordination Store (spec.md §4.3): the
// single in-memory source of truth for live agent state, task state,
// resource locks, and cross-agent memory. It is grounded on the reference
// orchestrator's pkg/manager (single source-of-truth object store) and
// pkg/storage (Store interface shape), generalized from cluster resources
// (nodes/services/containers) to agents/tasks/locks/memory and stripped of
// Raft replication — spec.md §1 excludes cluster-wide distribution, so a
// single process's mutex-guarded maps are the whole store.
package corestore

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/fleetform/internal/coreerrors"
	"github.com/cuemby/fleetform/internal/coreevents"
	"github.com/cuemby/fleetform/internal/coremetrics"
	"github.com/cuemby/fleetform/internal/coreruntime"
	"github.com/cuemby/fleetform/internal/coretypes"
	"github.com/rs/zerolog"
)

// Store is the coordination store. All exported methods are atomic with
// respect to each other (spec.md §4.3 "Operations (all atomic w.r.t. the
// store)").
type Store struct {
	mu     sync.Mutex
	logger zerolog.Logger
	broker *coreevents.Broker

	agents map[string]*coretypes.Agent
	tasks  map[string]*coretypes.Task

	locks map[string]*lockState

	memory    map[memKey]*coretypes.MemoryEntry
	memByTag  map[string]map[memKey]struct{}
	memByOwner map[string]map[memKey]struct{}
}

type memKey struct {
	Namespace string
	Key       string
}

// New creates an empty Store publishing events on broker.
func New(rt *coreruntime.Runtime, broker *coreevents.Broker) *Store {
	return &Store{
		logger:     rt.WithComponent("store"),
		broker:     broker,
		agents:     make(map[string]*coretypes.Agent),
		tasks:      make(map[string]*coretypes.Task),
		locks:      make(map[string]*lockState),
		memory:     make(map[memKey]*coretypes.MemoryEntry),
		memByTag:   make(map[string]map[memKey]struct{}),
		memByOwner: make(map[string]map[memKey]struct{}),
	}
}

func (s *Store) publish(typ coreevents.Type, actor, msg string, payload map[string]string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&coreevents.Event{Type: typ, Actor: actor, Message: msg, Payload: payload})
}

// ---- Agents --------------------------------------------------------------

// RegisterAgent adds a new agent to the store.
func (s *Store) RegisterAgent(a *coretypes.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[a.ID]; exists {
		return coreerrors.Wrap("store.RegisterAgent", coretypes.ErrorKindInvalidInput, "agent %s already registered", a.ID)
	}
	cp := *a
	s.agents[a.ID] = &cp
	coremetrics.AgentsTotal.WithLabelValues(string(a.Type), string(a.Status)).Inc()
	s.publish(coreevents.TypeAgentRegistered, a.ID, "agent registered", map[string]string{"type": string(a.Type)})
	return nil
}

// GetAgent returns a copy of the agent record.
func (s *Store) GetAgent(id string) (*coretypes.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, coreerrors.Wrap("store.GetAgent", coretypes.ErrorKindInvalidInput, "agent %s not found", id)
	}
	cp := *a
	return &cp, nil
}

// ListAgents returns a snapshot of all agents.
func (s *Store) ListAgents() []*coretypes.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*coretypes.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateAgentStatus transitions an agent's status field.
func (s *Store) UpdateAgentStatus(id string, status coretypes.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return coreerrors.Wrap("store.UpdateAgentStatus", coretypes.ErrorKindInvalidInput, "agent %s not found", id)
	}
	old := a.Status
	a.Status = status
	a.Metrics.LastActivity = time.Now()
	coremetrics.AgentsTotal.WithLabelValues(string(a.Type), string(old)).Dec()
	coremetrics.AgentsTotal.WithLabelValues(string(a.Type), string(status)).Inc()
	s.publish(coreevents.TypeAgentStatusChanged, id, "status changed", map[string]string{"from": string(old), "to": string(status)})
	return nil
}

// IncrementAgentWorkload increments an agent's workload by one, enforcing
// the invariant workload <= maxConcurrentTasks.
func (s *Store) IncrementAgentWorkload(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return coreerrors.Wrap("store.IncrementAgentWorkload", coretypes.ErrorKindInvalidInput, "agent %s not found", id)
	}
	if a.Limits.MaxConcurrentTasks > 0 && a.Workload >= a.Limits.MaxConcurrentTasks {
		return coreerrors.Wrap("store.IncrementAgentWorkload", coretypes.ErrorKindCapabilityUnmet, "agent %s at capacity (%d)", id, a.Limits.MaxConcurrentTasks)
	}
	a.Workload++
	if a.Status == coretypes.AgentStatusIdle {
		a.Status = coretypes.AgentStatusBusy
	}
	coremetrics.AgentWorkload.WithLabelValues(id).Set(float64(a.Workload))
	return nil
}

// DecrementAgentWorkload decrements an agent's workload by one. Underflow
// (decrementing below zero) is a programming-error invariant violation and
// panics, matching spec.md §4.3 ("underflow is a bug").
func (s *Store) DecrementAgentWorkload(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return coreerrors.Wrap("store.DecrementAgentWorkload", coretypes.ErrorKindInvalidInput, "agent %s not found", id)
	}
	if a.Workload <= 0 {
		panic("corestore: agent workload underflow for " + id)
	}
	a.Workload--
	if a.Workload == 0 && a.Status == coretypes.AgentStatusBusy {
		a.Status = coretypes.AgentStatusIdle
	}
	coremetrics.AgentWorkload.WithLabelValues(id).Set(float64(a.Workload))
	return nil
}

// TerminateAgent marks an agent terminated; it will never be scheduled
// again.
func (s *Store) TerminateAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return coreerrors.Wrap("store.TerminateAgent", coretypes.ErrorKindInvalidInput, "agent %s not found", id)
	}
	old := a.Status
	a.Status = coretypes.AgentStatusTerminated
	coremetrics.AgentsTotal.WithLabelValues(string(a.Type), string(old)).Dec()
	coremetrics.AgentsTotal.WithLabelValues(string(a.Type), string(coretypes.AgentStatusTerminated)).Inc()
	s.publish(coreevents.TypeAgentTerminated, id, "agent terminated", nil)
	return nil
}

// ---- Tasks -----------------------------------------------------------------

// taskTransitions enumerates the task state machine edges of spec.md §4.5.
var taskTransitions = map[coretypes.TaskStatus]map[coretypes.TaskStatus]bool{
	coretypes.TaskStatusCreated: {
		coretypes.TaskStatusReady:     true,
		coretypes.TaskStatusCancelled: true,
	},
	coretypes.TaskStatusReady: {
		coretypes.TaskStatusAssigned:  true,
		coretypes.TaskStatusCancelled: true,
	},
	coretypes.TaskStatusAssigned: {
		coretypes.TaskStatusRunning:   true,
		coretypes.TaskStatusCancelled: true,
	},
	coretypes.TaskStatusRunning: {
		coretypes.TaskStatusCompleted: true,
		coretypes.TaskStatusReady:     true, // retry
		coretypes.TaskStatusFailed:    true,
		coretypes.TaskStatusCancelled: true,
	},
}

func validTaskTransition(from, to coretypes.TaskStatus) bool {
	if from == to {
		return false
	}
	edges, ok := taskTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// AddTask inserts a new task. Its status is Created, or Ready immediately
// if it has no dependencies (spec.md §4.5 "Initial state").
func (s *Store) AddTask(t *coretypes.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return coreerrors.Wrap("store.AddTask", coretypes.ErrorKindInvalidInput, "task %s already exists", t.ID)
	}
	cp := *t
	cp.Status = coretypes.TaskStatusCreated
	if len(cp.Dependencies) == 0 {
		cp.Status = coretypes.TaskStatusReady
	}
	s.tasks[t.ID] = &cp
	coremetrics.TasksTotal.WithLabelValues(string(cp.Status)).Inc()
	s.publish(coreevents.TypeTaskCreated, "coordinator", "task created", map[string]string{"task_id": t.ID})
	if cp.Status == coretypes.TaskStatusReady {
		s.publish(coreevents.TypeTaskReady, "coordinator", "task ready", map[string]string{"task_id": t.ID})
	}
	return nil
}

// GetTask returns a copy of the task record.
func (s *Store) GetTask(id string) (*coretypes.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTaskLocked(id)
}

func (s *Store) getTaskLocked(id string) (*coretypes.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, coreerrors.Wrap("store.GetTask", coretypes.ErrorKindInvalidInput, "task %s not found", id)
	}
	cp := *t
	return &cp, nil
}

// ListTasks returns a snapshot of all tasks.
func (s *Store) ListTasks() []*coretypes.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*coretypes.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) transition(t *coretypes.Task, to coretypes.TaskStatus) error {
	if !validTaskTransition(t.Status, to) {
		return coreerrors.Wrap("store.transition", coretypes.ErrorKindInvalidTransition, "task %s: %s -> %s not allowed", t.ID, t.Status, to)
	}
	coremetrics.TasksTotal.WithLabelValues(string(t.Status)).Dec()
	t.Status = to
	coremetrics.TasksTotal.WithLabelValues(string(to)).Inc()
	return nil
}

// MarkTaskAssigned assigns a ready task to an agent.
func (s *Store) MarkTaskAssigned(taskID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return coreerrors.Wrap("store.MarkTaskAssigned", coretypes.ErrorKindInvalidInput, "task %s not found", taskID)
	}
	if err := s.transition(t, coretypes.TaskStatusAssigned); err != nil {
		return err
	}
	t.AssignedTo = agentID
	s.publish(coreevents.TypeTaskAssigned, agentID, "task assigned", map[string]string{"task_id": taskID})
	return nil
}

// MarkTaskRunning transitions an assigned task to running.
func (s *Store) MarkTaskRunning(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return coreerrors.Wrap("store.MarkTaskRunning", coretypes.ErrorKindInvalidInput, "task %s not found", taskID)
	}
	if err := s.transition(t, coretypes.TaskStatusRunning); err != nil {
		return err
	}
	t.Attempts = append(t.Attempts, coretypes.Attempt{AgentID: t.AssignedTo, StartedAt: time.Now()})
	s.publish(coreevents.TypeTaskRunning, t.AssignedTo, "task running", map[string]string{"task_id": taskID})
	return nil
}

// MarkTaskCompleted transitions a running task to completed and stores its
// result; it also unblocks any dependent whose last outstanding dependency
// was this task.
func (s *Store) MarkTaskCompleted(taskID string, result *coretypes.TaskResult) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, coreerrors.Wrap("store.MarkTaskCompleted", coretypes.ErrorKindInvalidInput, "task %s not found", taskID)
	}
	if err := s.transition(t, coretypes.TaskStatusCompleted); err != nil {
		return nil, err
	}
	t.Result = result
	if n := len(t.Attempts); n > 0 {
		t.Attempts[n-1].EndedAt = time.Now()
		t.Attempts[n-1].Outcome = coretypes.AttemptOutcomeSuccess
	}
	s.publish(coreevents.TypeTaskCompleted, t.AssignedTo, "task completed", map[string]string{"task_id": taskID})

	return s.unblockDependents(taskID), nil
}

// unblockDependents promotes any Created task whose dependency set is now
// fully satisfied to Ready. Must be called with s.mu held.
func (s *Store) unblockDependents(completedID string) []string {
	var unblocked []string
	for _, t := range s.tasks {
		if t.Status != coretypes.TaskStatusCreated {
			continue
		}
		dependsOnCompleted := false
		for _, dep := range t.Dependencies {
			if dep == completedID {
				dependsOnCompleted = true
				break
			}
		}
		if !dependsOnCompleted {
			continue
		}
		if s.allDepsCompletedLocked(t) {
			_ = s.transition(t, coretypes.TaskStatusReady)
			s.publish(coreevents.TypeTaskReady, "coordinator", "task ready", map[string]string{"task_id": t.ID})
			unblocked = append(unblocked, t.ID)
		}
	}
	sort.Strings(unblocked)
	return unblocked
}

func (s *Store) allDepsCompletedLocked(t *coretypes.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := s.tasks[dep]
		if !ok || d.Status != coretypes.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// MarkTaskFailed records a failed attempt. If the kind is retriable and
// attempts remain, the task returns to Ready; otherwise it becomes
// terminally Failed and every non-terminal dependent is Cancelled.
func (s *Store) MarkTaskFailed(taskID string, kind coretypes.ErrorKind, errMsg string) (terminal bool, cancelled []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return false, nil, coreerrors.Wrap("store.MarkTaskFailed", coretypes.ErrorKindInvalidInput, "task %s not found", taskID)
	}
	if n := len(t.Attempts); n > 0 {
		t.Attempts[n-1].EndedAt = time.Now()
		t.Attempts[n-1].Outcome = coretypes.AttemptOutcomeFailure
		t.Attempts[n-1].ErrorKind = kind
	}

	retry := kind.Retriable() && len(t.Attempts) < t.MaxAttempts
	if retry {
		if terr := s.transition(t, coretypes.TaskStatusReady); terr != nil {
			return false, nil, terr
		}
		coremetrics.TasksRetried.Inc()
		t.AssignedTo = ""
		s.publish(coreevents.TypeTaskReady, "coordinator", "task retrying", map[string]string{"task_id": taskID, "kind": string(kind)})
		return false, nil, nil
	}

	if terr := s.transition(t, coretypes.TaskStatusFailed); terr != nil {
		return false, nil, terr
	}
	coremetrics.TasksFailed.Inc()
	s.publish(coreevents.TypeTaskFailed, t.AssignedTo, errMsg, map[string]string{"task_id": taskID, "kind": string(kind)})

	cancelled = s.cancelDependents(taskID)
	return true, cancelled, nil
}

// cancelDependents transitively cancels every non-terminal task that
// (directly or transitively) depends on failedID. Must be called with
// s.mu held.
func (s *Store) cancelDependents(failedID string) []string {
	var cancelled []string
	frontier := []string{failedID}
	seen := map[string]bool{failedID: true}

	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]

		for _, t := range s.tasks {
			dependsOnCur := false
			for _, dep := range t.Dependencies {
				if dep == cur {
					dependsOnCur = true
					break
				}
			}
			if !dependsOnCur || seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			switch t.Status {
			case coretypes.TaskStatusCompleted, coretypes.TaskStatusFailed, coretypes.TaskStatusCancelled:
				// terminal already, nothing to do
			default:
				_ = s.transition(t, coretypes.TaskStatusCancelled)
				s.publish(coreevents.TypeTaskCancelled, "coordinator", "dependency failed", map[string]string{"task_id": t.ID, "failed_dependency": failedID})
				cancelled = append(cancelled, t.ID)
			}
			frontier = append(frontier, t.ID)
		}
	}
	sort.Strings(cancelled)
	return cancelled
}

// CancelTask cancels a single non-terminal task directly (external cancel
// request, not a dependency cascade).
func (s *Store) CancelTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return coreerrors.Wrap("store.CancelTask", coretypes.ErrorKindInvalidInput, "task %s not found", taskID)
	}
	switch t.Status {
	case coretypes.TaskStatusCompleted, coretypes.TaskStatusFailed, coretypes.TaskStatusCancelled:
		return nil // idempotent no-op on terminal tasks
	}
	if err := s.transition(t, coretypes.TaskStatusCancelled); err != nil {
		return err
	}
	s.publish(coreevents.TypeTaskCancelled, "coordinator", "cancelled", map[string]string{"task_id": taskID})
	return nil
}

// GetReadyTasks returns every Ready task ordered by (priority desc,
// createdAt asc), matching the readyQueue ordering of spec.md §4.3.
func (s *Store) GetReadyTasks() []*coretypes.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*coretypes.Task
	for _, t := range s.tasks {
		if t.Status == coretypes.TaskStatusReady {
			cp := *t
			ready = append(ready, &cp)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready
}

// BumpPriority raises a task's effective priority by one tier (used by the
// scheduler's starvation guard, spec.md §4.5 "Fairness").
func (s *Store) BumpPriority(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return coreerrors.Wrap("store.BumpPriority", coretypes.ErrorKindInvalidInput, "task %s not found", taskID)
	}
	if t.Priority < coretypes.PriorityCritical {
		t.Priority++
	}
	return nil
}
