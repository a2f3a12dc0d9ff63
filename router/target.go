package router

import "time"

// Tier classifies the deployment locality of an execution target.
type Tier string

const (
	TierLocal      Tier = "local"
	TierEdge       Tier = "edge"
	TierGPUCluster Tier = "gpu-cluster"
	TierCloud      Tier = "cloud"
)

// ValidTiers is the set of recognized tier names.
// Shared by policy validation and Target construction to avoid duplication.
var ValidTiers = map[Tier]bool{TierLocal: true, TierEdge: true, TierGPUCluster: true, TierCloud: true}

// HealthState tracks a target's availability as observed through dispatch
// outcomes and discovery probes.
type HealthState int

const (
	Healthy HealthState = iota
	Degraded
	Unreachable
)

func (h HealthState) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Capacity describes the static resources a target was provisioned with.
type Capacity struct {
	CPUCores       float64 `yaml:"cpu" json:"cpu"`
	MemoryBytes    int64   `yaml:"memory" json:"memory"`
	GPUClass       string  `yaml:"gpu_class" json:"gpu_class,omitempty"`
	GPUMemoryBytes int64   `yaml:"gpu_memory" json:"gpu_memory,omitempty"`
}

// Utilization is a target's most recent live resource snapshot, fed by
// discovery probes and the target's own health endpoint.
type Utilization struct {
	CPUPercent         float64 `json:"cpu_percent"`
	GPUPercent         float64 `json:"gpu_percent"`
	MemoryFreeBytes    int64   `json:"memory_free"`
	GPUMemoryFreeBytes int64   `json:"gpu_memory_free"`
	QueueDepth         int     `json:"queue_depth"`
}

// Target is the registry's mutable record of one execution environment.
// All fields except identity are updated continuously by telemetry;
// access goes through Registry methods, never directly.
type Target struct {
	Name        string
	Tier        Tier
	Endpoint    string
	Capacity    Capacity
	Utilization Utilization
	CostPerHour float64

	// LatencyMillis is the exponentially smoothed round-trip latency
	// observed across dispatch attempts. Zero until the first observation.
	LatencyMillis float64

	Health   HealthState
	LastSeen time.Time

	// demoted biases ranking: at equal rule priority, demoted targets sort
	// after non-demoted ones. Set and cleared by reactive actions.
	demoted bool

	failureStreak int
	successStreak int
	observedOnce  bool
}

// TargetView is an immutable copy of a Target handed to ranking and
// condition evaluation. Snapshot-read semantics: a view never changes
// after Registry.Snapshot returns it.
type TargetView struct {
	Name          string      `json:"name"`
	Tier          Tier        `json:"tier"`
	Endpoint      string      `json:"endpoint"`
	Capacity      Capacity    `json:"capacity"`
	Utilization   Utilization `json:"utilization"`
	CostPerHour   float64     `json:"cost_per_hour"`
	LatencyMillis float64     `json:"latency_ms"`
	Health        string      `json:"health"`
	Demoted       bool        `json:"demoted"`
	LastSeen      time.Time   `json:"last_seen"`

	health HealthState
}

// HealthState returns the typed health enum backing the JSON string field.
func (v TargetView) HealthState() HealthState { return v.health }

// CostPerRequest estimates the cost of a single request on this target:
// hourly cost prorated over the smoothed per-request latency.
func (v TargetView) CostPerRequest() float64 {
	return v.CostPerHour / 3600.0 * (v.LatencyMillis / 1000.0)
}

// ResourceProfile declares what a request needs from its execution target.
// Zero values mean "no requirement".
type ResourceProfile struct {
	CPUCores         float64 `json:"cpu,omitempty"`
	MemoryBytes      int64   `json:"memory,omitempty"`
	GPUMemoryBytes   int64   `json:"gpu_memory,omitempty"`
	MaxLatencyMillis float64 `json:"max_latency_ms,omitempty"`
}

// Fits reports whether the target's provisioned capacity can satisfy the
// profile. Utilization-dependent admission lives in AdmissionConditions;
// this is the static capacity floor.
func (p ResourceProfile) Fits(v TargetView) (bool, string) {
	if p.CPUCores > 0 && v.Capacity.CPUCores < p.CPUCores {
		return false, "insufficient cpu capacity"
	}
	if p.MemoryBytes > 0 && v.Capacity.MemoryBytes < p.MemoryBytes {
		return false, "insufficient memory capacity"
	}
	if p.GPUMemoryBytes > 0 && v.Capacity.GPUMemoryBytes < p.GPUMemoryBytes {
		return false, "insufficient gpu memory capacity"
	}
	if p.MaxLatencyMillis > 0 && v.LatencyMillis > p.MaxLatencyMillis {
		return false, "smoothed latency above request ceiling"
	}
	return true, ""
}
