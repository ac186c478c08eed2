package corestore

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/fleetform/internal/corestore/persist"
	"github.com/cuemby/fleetform/internal/coretypes"
)

const memoryBucket = "memory"

// PersistMemory durably writes every in-memory entry to kv, keyed by
// "namespace\x00key". Intended to be called periodically or on swarm
// shutdown; corestore itself never requires a KV to function.
func (s *Store) PersistMemory(kv persist.KV) error {
	s.mu.Lock()
	entries := make([]*coretypes.MemoryEntry, 0, len(s.memory))
	for _, e := range s.memory {
		cp := *e
		entries = append(entries, &cp)
	}
	s.mu.Unlock()

	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("persist memory: marshal %s/%s: %w", e.Namespace, e.Key, err)
		}
		if err := kv.Put(memoryBucket, e.Namespace+"\x00"+e.Key, data); err != nil {
			return fmt.Errorf("persist memory: put %s/%s: %w", e.Namespace, e.Key, err)
		}
	}
	return nil
}

// HydrateMemory loads every persisted entry from kv back into the store.
// The coordinator does not call it; callers that hold a KV invoke it.
func (s *Store) HydrateMemory(kv persist.KV) error {
	return kv.ForEach(memoryBucket, func(_ string, value []byte) error {
		var e coretypes.MemoryEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("hydrate memory: unmarshal: %w", err)
		}

		s.mu.Lock()
		k := memKey{Namespace: e.Namespace, Key: e.Key}
		s.memory[k] = &e
		s.indexLocked(k, &e)
		s.mu.Unlock()
		return nil
	})
}

// AgentSnapshot is the subset of Agent fields written to shared-memory.json
// (spec.md §6).
type AgentSnapshot struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Type          coretypes.AgentType  `json:"type"`
	Status        coretypes.AgentStatus `json:"status"`
	WorkspaceDir  string               `json:"workspaceDir"`
	LastHeartbeat string               `json:"lastHeartbeat"`
	Metrics       coretypes.AgentMetrics `json:"metrics"`
}

// TaskSnapshot is the subset of Task fields written to shared-memory.json.
type TaskSnapshot struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Type         coretypes.TaskType  `json:"type"`
	Status       coretypes.TaskStatus `json:"status"`
	Dependencies []string            `json:"dependencies"`
	AssignedTo   string              `json:"assignedTo"`
	Attempts     int                 `json:"attempts"`
	Priority     string              `json:"priority"`
}

// Snapshot is the agents/tasks portion of shared-memory.json; the
// coordinator wraps it with the swarm envelope and communication log.
type Snapshot struct {
	Agents []AgentSnapshot `json:"agents"`
	Tasks  []TaskSnapshot  `json:"tasks"`
}

// BuildSnapshot renders the current store state into the agents/tasks part
// of the document the workspace manager writes atomically to disk.
func (s *Store) BuildSnapshot() Snapshot {
	agents := s.ListAgents()
	tasks := s.ListTasks()

	snap := Snapshot{
		Agents: make([]AgentSnapshot, 0, len(agents)),
		Tasks:  make([]TaskSnapshot, 0, len(tasks)),
	}
	for _, a := range agents {
		snap.Agents = append(snap.Agents, AgentSnapshot{
			ID: a.ID, Name: a.Name, Type: a.Type, Status: a.Status,
			WorkspaceDir: a.WorkspaceDir, LastHeartbeat: a.Metrics.LastActivity.Format("2006-01-02T15:04:05Z07:00"),
			Metrics: a.Metrics,
		})
	}
	for _, t := range tasks {
		snap.Tasks = append(snap.Tasks, TaskSnapshot{
			ID: t.ID, Name: t.Name, Type: t.Type, Status: t.Status,
			Dependencies: t.Dependencies, AssignedTo: t.AssignedTo,
			Attempts: len(t.Attempts), Priority: t.Priority.String(),
		})
	}
	return snap
}
