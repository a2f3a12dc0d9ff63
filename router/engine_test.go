package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario: edge over CPU budget leaves only the local fallback.
func TestRank_ConditionFailureFallsToNextRule(t *testing.T) {
	r := newRig(t, twoTierPolicy)
	r.advertise(t, "edge-compute", "text_classifier")
	r.advertise(t, "local", "text_classifier")

	r.registry.UpdateUtilization("edge-compute", Utilization{CPUPercent: 80})

	cands, err := r.engine.Rank("text_classifier", ResourceProfile{})
	require.NoError(t, err)
	assert.Equal(t, []string{"local"}, candidateNames(cands))
}

func TestRank_PriorityOrder(t *testing.T) {
	r := newRig(t, twoTierPolicy)
	r.advertise(t, "edge-compute", "text_classifier")
	r.advertise(t, "local", "text_classifier")

	cands, err := r.engine.Rank("text_classifier", ResourceProfile{})
	require.NoError(t, err)
	assert.Equal(t, []string{"edge-compute", "local"}, candidateNames(cands))
}

// Removing the top target's admissibility never changes the relative
// order of the remaining candidates.
func TestRank_RemainingOrderStableWhenTopDropsOut(t *testing.T) {
	policy := `
targets:
  - {name: a, tier: edge, endpoint: "http://a"}
  - {name: b, tier: edge, endpoint: "http://b"}
  - {name: c, tier: cloud, endpoint: "http://c"}
services:
  svc:
    rules:
      - {target: a, priority: 1}
      - {target: b, priority: 2}
      - {target: c, priority: 3}
`
	r := newRig(t, policy)
	for _, tgt := range []string{"a", "b", "c"} {
		r.advertise(t, tgt, "svc")
	}

	cands, err := r.engine.Rank("svc", ResourceProfile{})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, candidateNames(cands))

	r.registry.MarkUnreachable("a")
	cands, err = r.engine.Rank("svc", ResourceProfile{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, candidateNames(cands))
}

func TestRank_SkipsUnreachableAndUnadvertised(t *testing.T) {
	r := newRig(t, twoTierPolicy)
	// Only local advertises the model; edge never discovered it.
	r.advertise(t, "local", "text_classifier")

	cands, err := r.engine.Rank("text_classifier", ResourceProfile{})
	require.NoError(t, err)
	assert.Equal(t, []string{"local"}, candidateNames(cands))
}

func TestRank_NoAdmissibleTargetCarriesDiagnostics(t *testing.T) {
	r := newRig(t, twoTierPolicy)
	r.advertise(t, "edge-compute", "text_classifier")
	// local never advertises; edge is over budget.
	r.registry.UpdateUtilization("edge-compute", Utilization{CPUPercent: 95})

	_, err := r.engine.Rank("text_classifier", ResourceProfile{})
	var noTarget *NoAdmissibleTarget
	require.ErrorAs(t, err, &noTarget)
	require.Len(t, noTarget.Evaluated, 2)
	assert.Equal(t, "edge-compute", noTarget.Evaluated[0].Target)
	assert.Contains(t, noTarget.Evaluated[0].Reason, "cpu_utilization < 70%")
	assert.Equal(t, "local", noTarget.Evaluated[1].Target)
	assert.Contains(t, noTarget.Evaluated[1].Reason, "capability")
}

func TestRank_UnknownService(t *testing.T) {
	r := newRig(t, twoTierPolicy)
	_, err := r.engine.Rank("unknown_service", ResourceProfile{})
	var noTarget *NoAdmissibleTarget
	require.ErrorAs(t, err, &noTarget)
	assert.Empty(t, noTarget.Evaluated)
}

func TestRank_ProfileCapacityGate(t *testing.T) {
	r := newRig(t, twoTierPolicy)
	r.advertise(t, "edge-compute", "text_classifier")
	r.advertise(t, "local", "text_classifier")

	// 6 cores rules out local (4 cores), keeps edge (8 cores).
	cands, err := r.engine.Rank("text_classifier", ResourceProfile{CPUCores: 6})
	require.NoError(t, err)
	assert.Equal(t, []string{"edge-compute"}, candidateNames(cands))
}

func TestRank_RoundRobinTieBreak(t *testing.T) {
	r := newRig(t, `
targets:
  - {name: a, tier: edge, endpoint: "http://a"}
  - {name: b, tier: edge, endpoint: "http://b"}
services:
  svc:
    rules:
      - {target: a, priority: 1}
      - {target: b, priority: 1}
global:
  load_balancing: round-robin
`)
	r.advertise(t, "a", "svc")
	r.advertise(t, "b", "svc")

	first, err := r.engine.Rank("svc", ResourceProfile{})
	require.NoError(t, err)
	second, err := r.engine.Rank("svc", ResourceProfile{})
	require.NoError(t, err)

	// The cursor rotates the tie group between calls.
	assert.Equal(t, []string{"a", "b"}, candidateNames(first))
	assert.Equal(t, []string{"b", "a"}, candidateNames(second))
}

func TestRank_LeastLoadedTieBreak(t *testing.T) {
	r := newRig(t, `
targets:
  - {name: a, tier: edge, endpoint: "http://a"}
  - {name: b, tier: edge, endpoint: "http://b"}
services:
  svc:
    rules:
      - {target: a, priority: 1}
      - {target: b, priority: 1}
global:
  load_balancing: least-loaded
`)
	r.advertise(t, "a", "svc")
	r.advertise(t, "b", "svc")
	r.registry.UpdateUtilization("a", Utilization{CPUPercent: 60})
	r.registry.UpdateUtilization("b", Utilization{CPUPercent: 20})

	cands, err := r.engine.Rank("svc", ResourceProfile{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, candidateNames(cands))
}

func TestRank_DemotedTargetSinksWithinTieGroup(t *testing.T) {
	r := newRig(t, `
targets:
  - {name: a, tier: edge, endpoint: "http://a"}
  - {name: b, tier: edge, endpoint: "http://b"}
services:
  svc:
    rules:
      - {target: a, priority: 1}
      - {target: b, priority: 1}
global:
  load_balancing: least-loaded
`)
	r.advertise(t, "a", "svc")
	r.advertise(t, "b", "svc")
	r.registry.UpdateUtilization("b", Utilization{CPUPercent: 0})
	r.registry.Demote("b")

	cands, err := r.engine.Rank("svc", ResourceProfile{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, candidateNames(cands))
}

func TestRank_CostOptimizationPrefersCheaperUnderLatencyCeiling(t *testing.T) {
	policy := `
targets:
  - {name: pricey, tier: gpu-cluster, endpoint: "http://p", cost_per_hour: 2.40}
  - {name: cheap, tier: cloud, endpoint: "http://c", cost_per_hour: 0.45}
services:
  svc:
    rules:
      - {target: pricey, priority: 1}
      - {target: cheap, priority: 2}
global:
  latency_threshold: 100ms
  cost_optimization: true
`
	r := newRig(t, policy)
	r.advertise(t, "pricey", "svc")
	r.advertise(t, "cheap", "svc")

	// Cheap target well under the latency ceiling: promoted to front.
	r.registry.RecordOutcome("cheap", true, 40*time.Millisecond)
	cands, err := r.engine.Rank("svc", ResourceProfile{})
	require.NoError(t, err)
	assert.Equal(t, []string{"cheap", "pricey"}, candidateNames(cands))
}

func TestRank_CostOptimizationNeverTradesAwayLatency(t *testing.T) {
	policy := `
targets:
  - {name: pricey, tier: gpu-cluster, endpoint: "http://p", cost_per_hour: 2.40}
  - {name: cheap, tier: cloud, endpoint: "http://c", cost_per_hour: 0.45}
services:
  svc:
    rules:
      - {target: pricey, priority: 1}
      - {target: cheap, priority: 2}
global:
  latency_threshold: 100ms
  cost_optimization: true
`
	r := newRig(t, policy)
	r.advertise(t, "pricey", "svc")
	r.advertise(t, "cheap", "svc")

	// Cheap target over the ceiling: priority order stands.
	r.registry.RecordOutcome("cheap", true, 250*time.Millisecond)
	cands, err := r.engine.Rank("svc", ResourceProfile{})
	require.NoError(t, err)
	assert.Equal(t, []string{"pricey", "cheap"}, candidateNames(cands))
}

func TestRank_CostThresholdGatesRuleWhenOptimizing(t *testing.T) {
	r := newRig(t, `
targets:
  - {name: cloud-gpu, tier: cloud, endpoint: "http://c", cost_per_hour: 0.60}
services:
  svc:
    rules:
      - {target: cloud-gpu, priority: 1, cost_threshold: 0.50}
global:
  cost_optimization: true
`)
	r.advertise(t, "cloud-gpu", "svc")

	_, err := r.engine.Rank("svc", ResourceProfile{})
	var noTarget *NoAdmissibleTarget
	require.ErrorAs(t, err, &noTarget)
	assert.Contains(t, noTarget.Evaluated[0].Reason, "cost")
}

func TestRank_PinnedSnapshotIgnoresConcurrentReload(t *testing.T) {
	r := newRig(t, twoTierPolicy)
	r.advertise(t, "edge-compute", "text_classifier")
	r.advertise(t, "local", "text_classifier")

	pinned := r.policies.Current()

	// Reload drops the service entirely; the pinned snapshot still ranks.
	_, err := r.policies.Load(parseDoc(t, `
targets:
  - {name: edge-compute, tier: edge, endpoint: "http://edge:8000"}
`))
	require.NoError(t, err)

	cands, err := r.engine.RankWith(pinned, "text_classifier", ResourceProfile{})
	require.NoError(t, err)
	assert.NotEmpty(t, cands)

	_, err = r.engine.Rank("text_classifier", ResourceProfile{})
	assert.Error(t, err)
}
