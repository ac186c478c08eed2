package coredecompose

import (
	"testing"

	"github.com/cuemby/fleetform/internal/coretypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecomposeRejectsInvalidMaxAgents(t *testing.T) {
	_, err := Decompose("research quantum computing", coretypes.StrategyResearch, 0)
	assert.Error(t, err)
}

func TestDecomposeResearchStrategy(t *testing.T) {
	plan, err := Decompose("anything", coretypes.StrategyResearch, 10)
	require.NoError(t, err)

	names := taskNames(plan.Tasks)
	assert.ElementsMatch(t, []string{"literature-review", "primary-research", "data-analysis", "synthesis"}, names)

	synthesis := findTask(plan.Tasks, "synthesis")
	require.NotNil(t, synthesis)
	assert.ElementsMatch(t, []string{"literature-review", "primary-research", "data-analysis"}, synthesis.Dependencies)

	review := findTask(plan.Tasks, "literature-review")
	require.NotNil(t, review)
	assert.Empty(t, review.Dependencies, "root task must have no dependencies")
}

func TestDecomposeDevelopmentStrategy(t *testing.T) {
	plan, err := Decompose("anything", coretypes.StrategyDevelopment, 10)
	require.NoError(t, err)

	testSuite := findTask(plan.Tasks, "test-suite")
	require.NotNil(t, testSuite)
	assert.ElementsMatch(t, []string{"backend-impl", "frontend-impl"}, testSuite.Dependencies)
}

func TestDecomposeDevelopmentStrategyLinearChainAtSmallMaxAgents(t *testing.T) {
	plan, err := Decompose("anything", coretypes.StrategyDevelopment, 2)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"architecture", "implementation", "test-suite"}, taskNames(plan.Tasks))

	impl := findTask(plan.Tasks, "implementation")
	require.NotNil(t, impl)
	assert.Equal(t, []string{"architecture"}, impl.Dependencies)

	testSuite := findTask(plan.Tasks, "test-suite")
	require.NotNil(t, testSuite)
	assert.Equal(t, []string{"implementation"}, testSuite.Dependencies)

	require.Len(t, plan.Team, 2)
	types := make([]coretypes.AgentType, len(plan.Team))
	for i, p := range plan.Team {
		types[i] = p.Type
	}
	assert.ElementsMatch(t, []coretypes.AgentType{coretypes.AgentTypeCoordinator, coretypes.AgentTypeCoder}, types)
}

func TestDecomposeAutoKeywordMatching(t *testing.T) {
	plan, err := Decompose("build a new payments microservice", coretypes.StrategyAuto, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"architecture", "backend-impl", "frontend-impl", "test-suite"}, taskNames(plan.Tasks))

	plan, err = Decompose("research competitor pricing", coretypes.StrategyAuto, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"literature-review", "primary-research", "data-analysis", "synthesis"}, taskNames(plan.Tasks))
}

func TestDecomposeAutoFallsBackToMinimalPipeline(t *testing.T) {
	plan, err := Decompose("something with no recognizable keyword at all", coretypes.StrategyAuto, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"analyze-requirements", "implement", "validate"}, taskNames(plan.Tasks))
}

func TestDecomposeEveryTaskHasCapabilityRequirements(t *testing.T) {
	plan, err := Decompose("anything", coretypes.StrategyDevelopment, 10)
	require.NoError(t, err)
	for _, ts := range plan.Tasks {
		assert.NotEmpty(t, ts.Requirements.Capabilities, "task %s must carry derived capabilities", ts.Name)
	}
}

func TestDecomposeCapsTeamAtMaxAgentsKeepingCoordinator(t *testing.T) {
	plan, err := Decompose("anything", coretypes.StrategyDevelopment, 2)
	require.NoError(t, err)

	require.Len(t, plan.Team, 2)
	foundCoordinator := false
	for _, p := range plan.Team {
		if p.Type == coretypes.AgentTypeCoordinator {
			foundCoordinator = true
		}
	}
	assert.True(t, foundCoordinator, "capped team must still include the coordinator")
}

func TestDecomposeNeverInventsAgentTypes(t *testing.T) {
	for _, strategy := range []coretypes.Strategy{coretypes.StrategyResearch, coretypes.StrategyDevelopment, coretypes.StrategyAuto} {
		plan, err := Decompose("xyz", strategy, 10)
		require.NoError(t, err)
		for _, p := range plan.Team {
			switch p.Type {
			case coretypes.AgentTypeCoordinator, coretypes.AgentTypeResearcher, coretypes.AgentTypeCoder,
				coretypes.AgentTypeArchitect, coretypes.AgentTypeTester, coretypes.AgentTypeAnalyst,
				coretypes.AgentTypeReviewer, coretypes.AgentTypeOptimizer, coretypes.AgentTypeDocumenter,
				coretypes.AgentTypeMonitor:
				// known type, fine
			default:
				t.Errorf("unexpected agent type %q produced by strategy %q", p.Type, strategy)
			}
		}
	}
}

func TestResolveDependencies(t *testing.T) {
	specs := []TaskSpec{
		{Name: "a"},
		{Name: "b", Dependencies: []string{"a"}},
	}
	nameToID := map[string]string{"a": "task-1", "b": "task-2"}

	resolved, err := ResolveDependencies(specs, nameToID)
	require.NoError(t, err)
	assert.Empty(t, resolved[0])
	assert.Equal(t, []string{"task-1"}, resolved[1])
}

func TestResolveDependenciesUnknownName(t *testing.T) {
	specs := []TaskSpec{{Name: "b", Dependencies: []string{"missing"}}}
	_, err := ResolveDependencies(specs, map[string]string{})
	assert.Error(t, err)
}

func taskNames(specs []TaskSpec) []string {
	names := make([]string, len(specs))
	for i, ts := range specs {
		names[i] = ts.Name
	}
	return names
}

func findTask(specs []TaskSpec, name string) *TaskSpec {
	for i := range specs {
		if specs[i].Name == name {
			return &specs[i]
		}
	}
	return nil
}
