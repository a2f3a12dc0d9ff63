package router

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Candidate pairs an admissible target view with the rule that admitted it.
type Candidate struct {
	Target TargetView
	Rule   PlacementRule
}

// Engine is the placement decision engine: it turns a service name and a
// request profile into a ranked admissible target list by consulting the
// policy store, the target registry, and the capability catalog.
//
// Ranking is pure computation over snapshots; the only mutable state is
// the per-service round-robin cursor.
type Engine struct {
	policies *Store
	registry *Registry
	catalog  *Catalog

	mu      sync.Mutex
	cursors map[string]int
}

func NewEngine(policies *Store, registry *Registry, catalog *Catalog) *Engine {
	return &Engine{
		policies: policies,
		registry: registry,
		catalog:  catalog,
		cursors:  make(map[string]int),
	}
}

// Rank evaluates the service's placement rules against live state using
// the currently active policy snapshot.
func (e *Engine) Rank(service string, profile ResourceProfile) ([]Candidate, error) {
	return e.RankWith(e.policies.Current(), service, profile)
}

// RankWith ranks against a pinned policy snapshot. The dispatcher pins the
// snapshot at request start so a hot reload never changes rules mid-request.
//
// Admissibility per rule: target known and not Unreachable, capability
// present for the service, static capacity fits the merged profile, and
// every admission condition holds. With cost optimization on, a rule's
// cost threshold also gates its target. Admissible candidates come out in
// rule-priority order; ties share a priority group and are ordered by the
// global load-balancing strategy, demoted targets last.
func (e *Engine) RankWith(snap *PolicySnapshot, service string, profile ResourceProfile) ([]Candidate, error) {
	if snap == nil {
		return nil, &NoAdmissibleTarget{Service: service}
	}
	rules := snap.RulesFor(service)
	if len(rules) == 0 {
		return nil, &NoAdmissibleTarget{Service: service}
	}

	views := e.registry.Snapshot()
	var admissible []Candidate
	var evaluated []RuleDiagnostic

	reject := func(rule PlacementRule, reason string) {
		evaluated = append(evaluated, RuleDiagnostic{Target: rule.Target, Priority: rule.Priority, Reason: reason})
	}

	for _, rule := range rules {
		view, ok := views[rule.Target]
		if !ok {
			reject(rule, "target not registered")
			continue
		}
		if view.HealthState() == Unreachable {
			reject(rule, "target unreachable")
			continue
		}
		if !e.catalog.Supports(rule.Target, service) {
			reject(rule, "capability not advertised")
			continue
		}
		merged := mergeProfiles(rule.Requires, profile)
		if ok, why := merged.Fits(view); !ok {
			reject(rule, why)
			continue
		}
		if failed := firstFailedCondition(rule.Conditions, view); failed != "" {
			reject(rule, "condition failed: "+failed)
			continue
		}
		if snap.Global.CostOptimization && rule.CostThreshold != nil && view.CostPerHour > *rule.CostThreshold {
			reject(rule, "cost above rule threshold")
			continue
		}
		admissible = append(admissible, Candidate{Target: view, Rule: rule})
	}

	if len(admissible) == 0 {
		logrus.Debugf("engine: no admissible target for %s (%d rules rejected)", service, len(evaluated))
		return nil, &NoAdmissibleTarget{Service: service, Evaluated: evaluated}
	}

	e.orderTies(service, snap.Global.LoadBalancing, admissible)

	if snap.Global.CostOptimization {
		preferCheaper(admissible, snap.Global.LatencyThresholdMillis)
	}
	return admissible, nil
}

// mergeProfiles takes the elementwise maximum of the rule's requirement
// profile and the request's own profile; the stricter latency ceiling wins.
func mergeProfiles(rule, req ResourceProfile) ResourceProfile {
	out := rule
	if req.CPUCores > out.CPUCores {
		out.CPUCores = req.CPUCores
	}
	if req.MemoryBytes > out.MemoryBytes {
		out.MemoryBytes = req.MemoryBytes
	}
	if req.GPUMemoryBytes > out.GPUMemoryBytes {
		out.GPUMemoryBytes = req.GPUMemoryBytes
	}
	if req.MaxLatencyMillis > 0 && (out.MaxLatencyMillis == 0 || req.MaxLatencyMillis < out.MaxLatencyMillis) {
		out.MaxLatencyMillis = req.MaxLatencyMillis
	}
	return out
}

func firstFailedCondition(conds []Condition, v TargetView) string {
	for _, c := range conds {
		if !c.Holds(v) {
			return c.Raw
		}
	}
	return ""
}

// orderTies reorders candidates within each equal-priority group: demoted
// targets go last, then the strategy orders the rest. Round-robin rotates
// the group by a per-service cursor; least-loaded sorts by CPU utilization.
// Groups never move relative to each other.
func (e *Engine) orderTies(service, strategy string, cands []Candidate) {
	start := 0
	for start < len(cands) {
		end := start + 1
		for end < len(cands) && cands[end].Rule.Priority == cands[start].Rule.Priority {
			end++
		}
		group := cands[start:end]
		if len(group) > 1 {
			switch strategy {
			case LBLeastLoaded:
				sort.SliceStable(group, func(a, b int) bool {
					return group[a].Target.Utilization.CPUPercent < group[b].Target.Utilization.CPUPercent
				})
			default: // round-robin
				e.mu.Lock()
				cur := e.cursors[service]
				e.cursors[service] = cur + 1
				e.mu.Unlock()
				rotate(group, cur%len(group))
			}
		}
		// Demoted targets sink to the back of their group.
		sort.SliceStable(group, func(a, b int) bool {
			return !group[a].Target.Demoted && group[b].Target.Demoted
		})
		start = end
	}
}

func rotate(group []Candidate, by int) {
	if by == 0 {
		return
	}
	rotated := make([]Candidate, 0, len(group))
	rotated = append(rotated, group[by:]...)
	rotated = append(rotated, group[:by]...)
	copy(group, rotated)
}

// preferCheaper applies the cost/latency trade-off: when the top-ranked
// candidate is strictly more expensive than some other admissible
// candidate, the cheapest candidate whose smoothed latency stays under the
// global threshold moves to the front. Cost wins ties, latency is a hard
// ceiling and is never traded away.
func preferCheaper(cands []Candidate, latencyThresholdMillis float64) {
	if len(cands) < 2 {
		return
	}
	cheapest := 0
	for i := 1; i < len(cands); i++ {
		if cands[i].Target.CostPerHour < cands[cheapest].Target.CostPerHour {
			cheapest = i
		}
	}
	if cheapest == 0 || cands[cheapest].Target.CostPerHour >= cands[0].Target.CostPerHour {
		return
	}
	if latencyThresholdMillis > 0 && cands[cheapest].Target.LatencyMillis >= latencyThresholdMillis {
		return
	}
	moved := cands[cheapest]
	copy(cands[1:cheapest+1], cands[0:cheapest])
	cands[0] = moved
	logrus.Debugf("engine: cost optimization promoted %s (%.2f/h) over %s",
		moved.Target.Name, moved.Target.CostPerHour, cands[1].Target.Name)
}
