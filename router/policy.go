package router

import (
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Load-balancing strategies for priority ties during ranking.
const (
	LBRoundRobin  = "round-robin"
	LBLeastLoaded = "least-loaded"
)

// ValidLoadBalancing is the set of recognized tie-break strategy names.
// An empty string defaults to round-robin.
var ValidLoadBalancing = map[string]bool{"": true, LBRoundRobin: true, LBLeastLoaded: true}

// Reactive actions. Routing-weight actions are applied by the registry
// immediately; capacity actions are advisory events for the external
// autoscaler.
const (
	ActionScaleDown      = "scale_down"
	ActionScaleUp        = "scale_up"
	ActionOffloadCheaper = "offload_to_cheaper_target"
	ActionPreferLocal    = "prefer_local_deployment"
)

// ValidActions is the set of recognized reactive action names.
var ValidActions = map[string]bool{
	ActionScaleDown:      true,
	ActionScaleUp:        true,
	ActionOffloadCheaper: true,
	ActionPreferLocal:    true,
}

// PolicyDocument is the on-disk YAML shape of the routing policy: target
// declarations, per-service placement rules, global routing settings, and
// reactive policies. Pointer fields mean "not set" and fall back to
// defaults.
type PolicyDocument struct {
	Targets  []TargetDoc           `yaml:"targets"`
	Services map[string]ServiceDoc `yaml:"services"`
	Global   GlobalDoc             `yaml:"global"`
	Reactive []ReactiveDoc         `yaml:"reactive_policies"`
}

// TargetDoc declares one execution target.
type TargetDoc struct {
	Name        string      `yaml:"name"`
	Tier        string      `yaml:"tier"`
	Endpoint    string      `yaml:"endpoint"`
	CostPerHour float64     `yaml:"cost_per_hour"`
	Capacity    CapacityDoc `yaml:"capacity"`
}

// CapacityDoc carries quantities in document form ("128Gi").
type CapacityDoc struct {
	CPU       float64 `yaml:"cpu"`
	Memory    string  `yaml:"memory"`
	GPUClass  string  `yaml:"gpu_class"`
	GPUMemory string  `yaml:"gpu_memory"`
}

// ServiceDoc holds the ordered placement rules for one logical service.
type ServiceDoc struct {
	Rules []RuleDoc `yaml:"rules"`
}

// RuleDoc is one placement rule in document form.
type RuleDoc struct {
	Target        string     `yaml:"target"`
	Priority      int        `yaml:"priority"`
	Requires      RequireDoc `yaml:"requires"`
	Conditions    []string   `yaml:"conditions"`
	CostThreshold *float64   `yaml:"cost_threshold"`
}

// RequireDoc is a resource requirement profile in document form.
type RequireDoc struct {
	CPU        float64 `yaml:"cpu"`
	Memory     string  `yaml:"memory"`
	GPUMemory  string  `yaml:"gpu_memory"`
	MaxLatency string  `yaml:"max_latency"`
}

// GlobalDoc holds system-wide routing settings.
type GlobalDoc struct {
	LatencyThreshold string `yaml:"latency_threshold"`
	CostOptimization *bool  `yaml:"cost_optimization"`
	AutoScaling      *bool  `yaml:"auto_scaling"`
	LoadBalancing    string `yaml:"load_balancing"`
	MetricsInterval  string `yaml:"metrics_interval"`
}

// ReactiveDoc is one trigger/action rule in document form.
type ReactiveDoc struct {
	Name   string `yaml:"name"`
	When   string `yaml:"when"`
	Action string `yaml:"action"`
	// Target restricts the trigger to one target; empty means every target.
	Target string `yaml:"target"`
}

// LoadPolicyDocument reads and parses a YAML policy file.
func LoadPolicyDocument(path string) (*PolicyDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy document: %w", err)
	}
	var doc PolicyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing policy document: %w", err)
	}
	return &doc, nil
}

// PlacementRule is the compiled form of one rule: parsed conditions,
// canonical quantities, declaration order preserved for priority ties.
type PlacementRule struct {
	Target        string
	Priority      int
	Requires      ResourceProfile
	Conditions    []Condition
	CostThreshold *float64
	declIndex     int
}

// GlobalRouting is the compiled singleton of system-wide settings.
type GlobalRouting struct {
	LatencyThresholdMillis float64
	CostOptimization       bool
	AutoScaling            bool
	LoadBalancing          string
	MetricsInterval        time.Duration
}

// ReactivePolicy is the compiled form of one trigger/action rule.
type ReactivePolicy struct {
	Name    string
	Trigger Condition
	Action  string
	Target  string
}

// PolicySnapshot is an immutable compiled policy set. Snapshots are
// swapped atomically on reload and pinned per request, so no in-flight
// dispatch ever observes a partial update.
type PolicySnapshot struct {
	Version  int64
	Targets  []Target
	Services map[string][]PlacementRule
	Global   GlobalRouting
	Reactive []ReactivePolicy
}

// RulesFor returns the service's placement rules, ordered by priority
// with declaration order breaking ties. Nil when the service is unknown.
func (s *PolicySnapshot) RulesFor(service string) []PlacementRule {
	return s.Services[service]
}

// Store holds the active policy snapshot behind an atomic pointer.
// Concurrent ranking reads are lock-free; Load swaps copy-on-write.
type Store struct {
	active  atomic.Pointer[PolicySnapshot]
	version atomic.Int64
}

func NewStore() *Store {
	return &Store{}
}

// Current returns the active snapshot, or nil before the first Load.
func (st *Store) Current() *PolicySnapshot {
	return st.active.Load()
}

// Load compiles and validates the document and, on success, atomically
// replaces the active snapshot. On PolicyValidationError the previous
// snapshot stays active.
func (st *Store) Load(doc *PolicyDocument) (*PolicySnapshot, error) {
	snap, err := Compile(doc)
	if err != nil {
		return nil, err
	}
	snap.Version = st.version.Add(1)
	st.active.Store(snap)
	logrus.Infof("policy: activated snapshot v%d (%d services, %d targets, %d reactive policies)",
		snap.Version, len(snap.Services), len(snap.Targets), len(snap.Reactive))
	return snap, nil
}

// Compile validates the document and builds an immutable snapshot.
// Rules referencing a target declared nowhere are kept (they stay
// permanently inadmissible at rank time) but reported in the log.
func Compile(doc *PolicyDocument) (*PolicySnapshot, error) {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	declared := make(map[string]bool, len(doc.Targets))
	targets := make([]Target, 0, len(doc.Targets))
	for _, td := range doc.Targets {
		if td.Name == "" {
			fail("target with empty name")
			continue
		}
		if declared[td.Name] {
			fail("target %q declared twice", td.Name)
			continue
		}
		declared[td.Name] = true
		if !ValidTiers[Tier(td.Tier)] {
			fail("target %q: unknown tier %q", td.Name, td.Tier)
		}
		if td.CostPerHour < 0 {
			fail("target %q: cost_per_hour must be non-negative, got %f", td.Name, td.CostPerHour)
		}
		cap, err := compileCapacity(td.Capacity)
		if err != nil {
			fail("target %q: %v", td.Name, err)
		}
		targets = append(targets, Target{
			Name:        td.Name,
			Tier:        Tier(td.Tier),
			Endpoint:    td.Endpoint,
			CostPerHour: td.CostPerHour,
			Capacity:    cap,
		})
	}

	services := make(map[string][]PlacementRule, len(doc.Services))
	for name, svc := range doc.Services {
		if len(svc.Rules) == 0 {
			fail("service %q: no placement rules", name)
			continue
		}
		rules := make([]PlacementRule, 0, len(svc.Rules))
		seen := make(map[int]bool)
		for i, rd := range svc.Rules {
			if rd.Target == "" {
				fail("service %q rule %d: empty target", name, i)
				continue
			}
			if !declared[rd.Target] {
				logrus.Warnf("policy: service %q rule %d references undeclared target %q; rule is permanently inadmissible", name, i, rd.Target)
			}
			if rd.Priority < 0 {
				fail("service %q rule %d: negative priority", name, i)
			}
			if seen[rd.Priority] {
				// Ties are legal; declaration order breaks them.
				logrus.Debugf("policy: service %q has duplicate priority %d, tie broken by declaration order", name, rd.Priority)
			}
			seen[rd.Priority] = true
			if rd.CostThreshold != nil && *rd.CostThreshold < 0 {
				fail("service %q rule %d: cost_threshold must be non-negative, got %f", name, i, *rd.CostThreshold)
			}
			profile, err := compileProfile(rd.Requires)
			if err != nil {
				fail("service %q rule %d: %v", name, i, err)
			}
			conds := make([]Condition, 0, len(rd.Conditions))
			for _, raw := range rd.Conditions {
				c, err := ParseCondition(raw)
				if err != nil {
					fail("service %q rule %d: %v", name, i, err)
					continue
				}
				conds = append(conds, c)
			}
			rules = append(rules, PlacementRule{
				Target:        rd.Target,
				Priority:      rd.Priority,
				Requires:      profile,
				Conditions:    conds,
				CostThreshold: rd.CostThreshold,
				declIndex:     i,
			})
		}
		sort.SliceStable(rules, func(a, b int) bool {
			if rules[a].Priority != rules[b].Priority {
				return rules[a].Priority < rules[b].Priority
			}
			return rules[a].declIndex < rules[b].declIndex
		})
		services[name] = rules
	}

	global, err := compileGlobal(doc.Global)
	if err != nil {
		fail("%v", err)
	}

	reactive := make([]ReactivePolicy, 0, len(doc.Reactive))
	for i, rd := range doc.Reactive {
		if rd.Name == "" {
			fail("reactive policy %d: empty name", i)
		}
		if !ValidActions[rd.Action] {
			fail("reactive policy %q: unknown action %q", rd.Name, rd.Action)
		}
		trigger, err := ParseCondition(rd.When)
		if err != nil {
			fail("reactive policy %q: %v", rd.Name, err)
			continue
		}
		if rd.Target != "" && !declared[rd.Target] {
			fail("reactive policy %q: unknown target %q", rd.Name, rd.Target)
		}
		reactive = append(reactive, ReactivePolicy{Name: rd.Name, Trigger: trigger, Action: rd.Action, Target: rd.Target})
	}

	if len(problems) > 0 {
		return nil, &PolicyValidationError{Problems: problems}
	}
	return &PolicySnapshot{
		Targets:  targets,
		Services: services,
		Global:   global,
		Reactive: reactive,
	}, nil
}

func compileCapacity(cd CapacityDoc) (Capacity, error) {
	cap := Capacity{CPUCores: cd.CPU, GPUClass: cd.GPUClass}
	if cd.Memory != "" {
		v, err := ParseQuantity(cd.Memory)
		if err != nil {
			return cap, fmt.Errorf("memory: %w", err)
		}
		cap.MemoryBytes = int64(v)
	}
	if cd.GPUMemory != "" {
		v, err := ParseQuantity(cd.GPUMemory)
		if err != nil {
			return cap, fmt.Errorf("gpu_memory: %w", err)
		}
		cap.GPUMemoryBytes = int64(v)
	}
	return cap, nil
}

func compileProfile(rd RequireDoc) (ResourceProfile, error) {
	p := ResourceProfile{CPUCores: rd.CPU}
	if rd.Memory != "" {
		v, err := ParseQuantity(rd.Memory)
		if err != nil {
			return p, fmt.Errorf("requires.memory: %w", err)
		}
		p.MemoryBytes = int64(v)
	}
	if rd.GPUMemory != "" {
		v, err := ParseQuantity(rd.GPUMemory)
		if err != nil {
			return p, fmt.Errorf("requires.gpu_memory: %w", err)
		}
		p.GPUMemoryBytes = int64(v)
	}
	if rd.MaxLatency != "" {
		v, err := ParseQuantity(rd.MaxLatency)
		if err != nil {
			return p, fmt.Errorf("requires.max_latency: %w", err)
		}
		p.MaxLatencyMillis = v
	}
	return p, nil
}

func compileGlobal(gd GlobalDoc) (GlobalRouting, error) {
	g := GlobalRouting{
		CostOptimization: false,
		AutoScaling:      false,
		LoadBalancing:    LBRoundRobin,
		MetricsInterval:  30 * time.Second,
	}
	if gd.LatencyThreshold != "" {
		v, err := ParseQuantity(gd.LatencyThreshold)
		if err != nil {
			return g, fmt.Errorf("global.latency_threshold: %w", err)
		}
		g.LatencyThresholdMillis = v
	}
	if gd.CostOptimization != nil {
		g.CostOptimization = *gd.CostOptimization
	}
	if gd.AutoScaling != nil {
		g.AutoScaling = *gd.AutoScaling
	}
	if !ValidLoadBalancing[gd.LoadBalancing] {
		return g, fmt.Errorf("global.load_balancing: unknown strategy %q", gd.LoadBalancing)
	}
	if gd.LoadBalancing != "" {
		g.LoadBalancing = gd.LoadBalancing
	}
	if gd.MetricsInterval != "" {
		d, err := time.ParseDuration(gd.MetricsInterval)
		if err != nil {
			return g, fmt.Errorf("global.metrics_interval: %w", err)
		}
		g.MetricsInterval = d
	}
	return g, nil
}
