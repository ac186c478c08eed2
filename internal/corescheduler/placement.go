package corescheduler

import (
	"math/rand"
	"sort"

	"github.com/cuemby/fleetform/internal/coretypes"
)

// capable reports whether agent can run task per spec.md §4.5's capability
// match rule: task.requirements.capabilities ⊆ agent.capabilities, and
// preferredType is unset or matches.
func capable(task *coretypes.Task, agent *coretypes.Agent) bool {
	if agent.Status == coretypes.AgentStatusTerminated || agent.Status == coretypes.AgentStatusOffline || agent.Status == coretypes.AgentStatusError {
		return false
	}
	if agent.Limits.MaxConcurrentTasks > 0 && agent.Workload >= agent.Limits.MaxConcurrentTasks {
		return false
	}
	if !task.Requirements.Capabilities.IsSubsetOf(agent.Capabilities) {
		return false
	}
	if task.Requirements.PreferredType != "" && task.Requirements.PreferredType != agent.Type {
		return false
	}
	return true
}

func capableAgents(task *coretypes.Task, agents []*coretypes.Agent) []*coretypes.Agent {
	var out []*coretypes.Agent
	for _, a := range agents {
		if capable(task, a) {
			out = append(out, a)
		}
	}
	return out
}

func leastLoaded(agents []*coretypes.Agent) *coretypes.Agent {
	if len(agents) == 0 {
		return nil
	}
	sorted := append([]*coretypes.Agent(nil), agents...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Workload != sorted[j].Workload {
			return sorted[i].Workload < sorted[j].Workload
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}

// recentFailureRate is an agent's failures over its completed+failed total,
// used by the mesh topology's tie-break (spec.md §4.5).
func recentFailureRate(a *coretypes.Agent) float64 {
	total := a.Metrics.TasksCompleted + a.Metrics.TasksFailed
	if total == 0 {
		return 0
	}
	return float64(a.Metrics.TasksFailed) / float64(total)
}

func meshPlacement(task *coretypes.Task, agents []*coretypes.Agent) *coretypes.Agent {
	candidates := capableAgents(task, agents)
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Workload != candidates[j].Workload {
			return candidates[i].Workload < candidates[j].Workload
		}
		fi, fj := recentFailureRate(candidates[i]), recentFailureRate(candidates[j])
		if fi != fj {
			return fi < fj
		}
		return candidates[i].ID < candidates[j].ID
	})
	// Collect every candidate tied with the winner on (workload, failure
	// rate) and break the final tie at random, per spec.md §4.5.
	best := candidates[0]
	var tied []*coretypes.Agent
	for _, c := range candidates {
		if c.Workload == best.Workload && recentFailureRate(c) == recentFailureRate(best) {
			tied = append(tied, c)
		}
	}
	return tied[rand.Intn(len(tied))]
}

func hierarchicalPlacement(task *coretypes.Task, agents []*coretypes.Agent, agentLayer map[string]int) *coretypes.Agent {
	candidates := capableAgents(task, agents)
	var eligible []*coretypes.Agent
	for _, a := range candidates {
		if agentLayer[a.ID] <= task.Layer {
			eligible = append(eligible, a)
		}
	}
	return leastLoaded(eligible)
}

func centralizedPlacement(task *coretypes.Task, agents []*coretypes.Agent) *coretypes.Agent {
	if task.Type == coretypes.TaskTypeAnalysis || task.Requirements.PreferredType == coretypes.AgentTypeCoordinator {
		for _, a := range agents {
			if a.Type == coretypes.AgentTypeCoordinator && capable(task, a) {
				return a
			}
		}
	}
	return leastLoaded(capableAgents(task, agents))
}

// Place runs the placement policy for topology, returning the chosen agent
// or nil if no capable agent is currently available (spec.md §4.5).
func Place(topology coretypes.Topology, task *coretypes.Task, agents []*coretypes.Agent, agentLayer map[string]int) *coretypes.Agent {
	switch topology {
	case coretypes.TopologyCentralized:
		return centralizedPlacement(task, agents)
	case coretypes.TopologyHierarchical:
		return hierarchicalPlacement(task, agents, agentLayer)
	case coretypes.TopologyMesh:
		return meshPlacement(task, agents)
	case coretypes.TopologyHybrid:
		// hierarchicalPlacement only ever returns an agent under its
		// workload cap (capable() already excludes saturated agents), so a
		// non-nil result here already satisfies the "workload < cap" half
		// of the hybrid rule; nil means fall back to mesh over the same
		// capability set.
		if a := hierarchicalPlacement(task, agents, agentLayer); a != nil {
			return a
		}
		return meshPlacement(task, agents)
	default:
		return meshPlacement(task, agents)
	}
}
