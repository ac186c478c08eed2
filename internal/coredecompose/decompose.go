// Package coredecompose is the Objective Decomposer (spec.md §4.4): a
// deterministic, rule-based mapping from a free-form objective plus a
// strategy into a task graph and an agent team. Grounded on the reference
// orchestrator's pkg/scheduler placement-policy table (a fixed set of named
// policies selected by a string key, spec.md §4.5's Topology selection is
// the same shape), generalized here to decomposition policies selected by
// Strategy.
package coredecompose

import (
	"strings"

	"github.com/cuemby/fleetform/internal/coreerrors"
	"github.com/cuemby/fleetform/internal/coretypes"
)

// TaskSpec is a decomposer-produced task before the coordinator assigns it
// a real ID and CreatedAt.
type TaskSpec struct {
	Name         string
	Description  string
	Type         coretypes.TaskType
	Priority     coretypes.Priority
	Requirements coretypes.TaskRequirements
	Dependencies []string // references TaskSpec.Name, resolved by the coordinator
}

// Plan is what the decomposer produces for one objective.
type Plan struct {
	Tasks []TaskSpec
	Team  []coretypes.AgentProfile
}

// capabilitiesForType is the fixed type->capability mapping spec.md §4.4
// requires ("every task carries requirements.capabilities derived from
// type").
func capabilitiesForType(t coretypes.TaskType) coretypes.CapabilitySet {
	switch t {
	case coretypes.TaskTypeCoding:
		return coretypes.NewCapabilitySet(coretypes.CapabilityCodeGeneration)
	case coretypes.TaskTypeResearch:
		return coretypes.NewCapabilitySet(coretypes.CapabilityResearch)
	case coretypes.TaskTypeTesting:
		return coretypes.NewCapabilitySet(coretypes.CapabilityTesting)
	case coretypes.TaskTypeDocumentation:
		return coretypes.NewCapabilitySet(coretypes.CapabilityDocumentation)
	case coretypes.TaskTypeAnalysis:
		return coretypes.NewCapabilitySet(coretypes.CapabilityAnalysis)
	default:
		return coretypes.NewCapabilitySet()
	}
}

func task(name, desc string, typ coretypes.TaskType, priority coretypes.Priority, deps ...string) TaskSpec {
	return TaskSpec{
		Name: name, Description: desc, Type: typ, Priority: priority,
		Requirements: coretypes.TaskRequirements{Capabilities: capabilitiesForType(typ)},
		Dependencies: deps,
	}
}

func profile(typ coretypes.AgentType, name string, priority coretypes.Priority, layer int, caps ...coretypes.Capability) coretypes.AgentProfile {
	return coretypes.AgentProfile{
		Type: typ, Name: name, Priority: priority, Layer: layer,
		Capabilities: coretypes.NewCapabilitySet(caps...),
	}
}

// Decompose builds a Plan for objective under strategy, capped at maxAgents
// team slots. strategy == StrategyAuto inspects objective for keywords and
// falls back to a minimal three-step pipeline if nothing matches (spec.md
// §4.4).
func Decompose(objective string, strategy coretypes.Strategy, maxAgents int) (Plan, error) {
	if maxAgents < 1 {
		return Plan{}, coreerrors.Wrap("decompose.Decompose", coretypes.ErrorKindInvalidInput, "maxAgents must be >= 1, got %d", maxAgents)
	}

	resolved := strategy
	if resolved == coretypes.StrategyAuto || resolved == "" {
		resolved = inferStrategy(objective)
	}

	var plan Plan
	switch resolved {
	case coretypes.StrategyResearch:
		plan = researchPlan()
	case coretypes.StrategyDevelopment:
		plan = developmentPlan(maxAgents)
	default:
		plan = minimalPipelinePlan()
	}

	return capTeam(plan, maxAgents), nil
}

// inferStrategy matches spec.md §4.4's keyword table, checked in a fixed
// order so overlapping keywords resolve deterministically.
func inferStrategy(objective string) coretypes.Strategy {
	lower := strings.ToLower(objective)
	switch {
	case containsAny(lower, "research", "investigate", "survey", "literature"):
		return coretypes.StrategyResearch
	case containsAny(lower, "build", "implement", "develop", "fix", "create", "add"):
		return coretypes.StrategyDevelopment
	case containsAny(lower, "optimize", "tune", "speed up", "performance"):
		return coretypes.StrategyOptimization
	case containsAny(lower, "test", "verify", "validate"):
		return coretypes.StrategyTesting
	case containsAny(lower, "analyze", "analysis", "assess"):
		return coretypes.StrategyAnalysis
	default:
		return coretypes.StrategyAuto // signals "use the minimal pipeline"
	}
}

func containsAny(s string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// researchPlan: literature review -> {primary research, data analysis} ->
// synthesis (spec.md §4.4).
func researchPlan() Plan {
	return Plan{
		Tasks: []TaskSpec{
			task("literature-review", "Survey existing work relevant to the objective", coretypes.TaskTypeResearch, coretypes.PriorityHigh),
			task("primary-research", "Gather primary findings", coretypes.TaskTypeResearch, coretypes.PriorityNormal, "literature-review"),
			task("data-analysis", "Analyze gathered data", coretypes.TaskTypeAnalysis, coretypes.PriorityNormal, "literature-review"),
			task("synthesis", "Synthesize findings into a final report", coretypes.TaskTypeDocumentation, coretypes.PriorityHigh,
				"literature-review", "primary-research", "data-analysis"),
		},
		Team: []coretypes.AgentProfile{
			profile(coretypes.AgentTypeCoordinator, "coordinator", coretypes.PriorityCritical, 0, coretypes.CapabilityCoordination),
			profile(coretypes.AgentTypeResearcher, "researcher-1", coretypes.PriorityHigh, 1, coretypes.CapabilityResearch),
			profile(coretypes.AgentTypeResearcher, "researcher-2", coretypes.PriorityHigh, 1, coretypes.CapabilityResearch),
			profile(coretypes.AgentTypeAnalyst, "analyst", coretypes.PriorityNormal, 1, coretypes.CapabilityAnalysis),
		},
	}
}

// developmentPlan picks the development-strategy task graph's shape from
// maxAgents (spec.md §8 scenario 1: maxAgents=2 yields team {coordinator,
// coder} driving a strictly linear architecture -> implementation -> test
// chain; §8's "decomposer is deterministic" property makes maxAgents part
// of the graph's own input, not just a post-hoc team trim). A team budget
// of 3+ gets the fuller fan-out/fan-in graph with a dedicated architect and
// tester.
func developmentPlan(maxAgents int) Plan {
	if maxAgents <= 2 {
		return Plan{
			Tasks: []TaskSpec{
				task("architecture", "Design the system architecture", coretypes.TaskTypeCoding, coretypes.PriorityCritical),
				task("implementation", "Implement the objective", coretypes.TaskTypeCoding, coretypes.PriorityHigh, "architecture"),
				task("test-suite", "Write and run the test suite", coretypes.TaskTypeTesting, coretypes.PriorityNormal, "implementation"),
			},
			Team: []coretypes.AgentProfile{
				profile(coretypes.AgentTypeCoordinator, "coordinator", coretypes.PriorityCritical, 0, coretypes.CapabilityCoordination),
				profile(coretypes.AgentTypeCoder, "coder", coretypes.PriorityHigh, 1, coretypes.CapabilityCodeGeneration, coretypes.CapabilityTesting),
			},
		}
	}

	return Plan{
		Tasks: []TaskSpec{
			task("architecture", "Design the system architecture", coretypes.TaskTypeCoding, coretypes.PriorityCritical),
			task("backend-impl", "Implement the backend", coretypes.TaskTypeCoding, coretypes.PriorityHigh, "architecture"),
			task("frontend-impl", "Implement the frontend", coretypes.TaskTypeCoding, coretypes.PriorityHigh, "architecture"),
			task("test-suite", "Write and run the test suite", coretypes.TaskTypeTesting, coretypes.PriorityNormal, "backend-impl", "frontend-impl"),
		},
		Team: []coretypes.AgentProfile{
			profile(coretypes.AgentTypeCoordinator, "coordinator", coretypes.PriorityCritical, 0, coretypes.CapabilityCoordination),
			profile(coretypes.AgentTypeArchitect, "architect", coretypes.PriorityCritical, 1, coretypes.CapabilityArchitecture),
			profile(coretypes.AgentTypeCoder, "coder-1", coretypes.PriorityHigh, 1, coretypes.CapabilityCodeGeneration),
			profile(coretypes.AgentTypeCoder, "coder-2", coretypes.PriorityHigh, 1, coretypes.CapabilityCodeGeneration),
			profile(coretypes.AgentTypeTester, "tester", coretypes.PriorityNormal, 1, coretypes.CapabilityTesting),
		},
	}
}

// minimalPipelinePlan is the auto-strategy fallback: analyze requirements ->
// implement -> validate (spec.md §4.4).
func minimalPipelinePlan() Plan {
	return Plan{
		Tasks: []TaskSpec{
			task("analyze-requirements", "Analyze the objective's requirements", coretypes.TaskTypeAnalysis, coretypes.PriorityHigh),
			task("implement", "Implement the objective", coretypes.TaskTypeCoding, coretypes.PriorityHigh, "analyze-requirements"),
			task("validate", "Validate the result", coretypes.TaskTypeTesting, coretypes.PriorityNormal, "implement"),
		},
		Team: []coretypes.AgentProfile{
			profile(coretypes.AgentTypeCoordinator, "coordinator", coretypes.PriorityCritical, 0, coretypes.CapabilityCoordination),
			profile(coretypes.AgentTypeAnalyst, "analyst", coretypes.PriorityHigh, 1, coretypes.CapabilityAnalysis),
			profile(coretypes.AgentTypeCoder, "coder", coretypes.PriorityHigh, 1, coretypes.CapabilityCodeGeneration),
			profile(coretypes.AgentTypeTester, "tester", coretypes.PriorityNormal, 1, coretypes.CapabilityTesting),
		},
	}
}

// capTeam trims a plan's team to maxAgents, keeping the coordinator and
// highest-priority profiles first; the decomposer never invents new agent
// types to fill a shortfall (spec.md §4.4).
func capTeam(plan Plan, maxAgents int) Plan {
	if len(plan.Team) <= maxAgents {
		return plan
	}
	kept := make([]coretypes.AgentProfile, 0, maxAgents)
	for _, p := range plan.Team {
		if p.Type == coretypes.AgentTypeCoordinator {
			kept = append(kept, p)
		}
	}
	for _, p := range plan.Team {
		if len(kept) >= maxAgents {
			break
		}
		if p.Type == coretypes.AgentTypeCoordinator {
			continue
		}
		kept = append(kept, p)
	}
	plan.Team = kept
	return plan
}

// ResolveDependencies converts each TaskSpec.Dependencies entry (a task
// name) into a real task ID using the name->id mapping the coordinator
// built while inserting tasks into the store, returning an error if a
// dependency name is unknown.
func ResolveDependencies(specs []TaskSpec, nameToID map[string]string) ([][]string, error) {
	resolved := make([][]string, len(specs))
	for i, ts := range specs {
		ids := make([]string, 0, len(ts.Dependencies))
		for _, depName := range ts.Dependencies {
			id, ok := nameToID[depName]
			if !ok {
				return nil, coreerrors.Wrap("decompose.ResolveDependencies", coretypes.ErrorKindInvalidInput,
					"task %s depends on unknown task %q", ts.Name, depName)
			}
			ids = append(ids, id)
		}
		resolved[i] = ids
	}
	return resolved, nil
}
