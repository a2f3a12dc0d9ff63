package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// latencyDecay is the weight given to the newest observation when updating
// a target's exponentially smoothed latency.
const latencyDecay = 0.3

// Streak lengths for health hysteresis. Three consecutive failures mark a
// target Unreachable; three consecutive successes promote Degraded back to
// Healthy. A single success from Unreachable only reaches Degraded, so one
// lucky response after an outage does not immediately re-attract traffic.
const (
	failuresToUnreachable = 3
	successesToHealthy    = 3
)

// Registry holds every known execution target and its live attributes.
// Targets are created at startup from the policy document and updated
// continuously; they are never deleted while the process runs, so targets
// dropped from policy go inert rather than losing their history.
//
// Writes serialize per registry; reads for ranking go through Snapshot,
// which copies, so ranking never blocks on an in-flight update longer
// than the update itself.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]*Target
	bus     *Bus
}

func NewRegistry(bus *Bus) *Registry {
	return &Registry{
		targets: make(map[string]*Target),
		bus:     bus,
	}
}

// Upsert inserts the target or refreshes the declared attributes of an
// existing one. Live state (latency, health, streaks) is preserved across
// upserts so a policy reload does not reset hysteresis.
func (r *Registry) Upsert(t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.targets[t.Name]
	if !ok {
		t.LastSeen = time.Now()
		cp := t
		r.targets[t.Name] = &cp
		recordHealthState(t.Name, t.Health)
		logrus.Infof("registry: added target %s (tier=%s, cost=%.2f/h)", t.Name, t.Tier, t.CostPerHour)
		return
	}
	existing.Tier = t.Tier
	existing.Endpoint = t.Endpoint
	existing.Capacity = t.Capacity
	existing.CostPerHour = t.CostPerHour
}

// Get returns a view of the named target.
func (r *Registry) Get(name string) (TargetView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[name]
	if !ok {
		return TargetView{}, fmt.Errorf("target %q not found", name)
	}
	return viewOf(t), nil
}

// ListByTier returns views of all targets in the given tier.
func (r *Registry) ListByTier(tier Tier) []TargetView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []TargetView
	for _, t := range r.targets {
		if t.Tier == tier {
			out = append(out, viewOf(t))
		}
	}
	return out
}

// Snapshot returns immutable views of every target, keyed by name.
func (r *Registry) Snapshot() map[string]TargetView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]TargetView, len(r.targets))
	for name, t := range r.targets {
		out[name] = viewOf(t)
	}
	return out
}

// RecordOutcome folds one dispatch attempt into the target's smoothed
// latency and health state. Health transitions publish events for the
// reactive monitor and the telemetry sink.
func (r *Registry) RecordOutcome(name string, success bool, observed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[name]
	if !ok {
		logrus.Warnf("registry: outcome for unknown target %q dropped", name)
		return
	}
	t.LastSeen = time.Now()

	if success {
		ms := float64(observed.Microseconds()) / 1000.0
		if !t.observedOnce {
			t.LatencyMillis = ms
			t.observedOnce = true
		} else {
			t.LatencyMillis = latencyDecay*ms + (1-latencyDecay)*t.LatencyMillis
		}
		t.failureStreak = 0
		t.successStreak++
	} else {
		t.successStreak = 0
		t.failureStreak++
	}

	r.transitionLocked(t)
}

// MarkReachable records a successful discovery probe. Only an Unreachable
// target is affected: it takes the single-success step down to Degraded and
// re-enters ranking, where real dispatch outcomes finish the recovery.
// Probes never touch the streaks of a Healthy or Degraded target, so the
// dispatch-side hysteresis is not diluted by background discovery.
func (r *Registry) MarkReachable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[name]
	if !ok || t.Health != Unreachable {
		return
	}
	t.failureStreak = 0
	t.successStreak = 1
	t.LastSeen = time.Now()
	r.transitionLocked(t)
}

// MarkUnreachable forces the target Unreachable, bypassing the failure
// streak. Used by the capability catalog after repeated discovery failures.
func (r *Registry) MarkUnreachable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[name]
	if !ok {
		return
	}
	t.failureStreak = failuresToUnreachable
	t.successStreak = 0
	r.transitionLocked(t)
}

// transitionLocked applies the hysteresis rules to t's streak counters and
// publishes any resulting health transition. Caller holds r.mu.
func (r *Registry) transitionLocked(t *Target) {
	from := t.Health
	switch {
	case t.failureStreak >= failuresToUnreachable:
		t.Health = Unreachable
	case t.Health == Unreachable && t.successStreak >= 1:
		t.Health = Degraded
	case t.Health == Degraded && t.successStreak >= successesToHealthy:
		t.Health = Healthy
	}
	if t.Health != from {
		logrus.Infof("registry: target %s health %s -> %s", t.Name, from, t.Health)
		recordHealthState(t.Name, t.Health)
		r.bus.Publish(Event{
			Kind:   EventHealthTransition,
			Target: t.Name,
			From:   from.String(),
			To:     t.Health.String(),
		})
	}
}

// UpdateUtilization replaces the target's live utilization snapshot.
// Fed by discovery probes against the target's health endpoint.
func (r *Registry) UpdateUtilization(name string, u Utilization) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[name]
	if !ok {
		return
	}
	t.Utilization = u
	t.LastSeen = time.Now()
	recordUtilization(t.Name, u)
}

// Demote biases the target to sort after non-demoted targets at equal
// rule priority. Applied by reactive actions; idempotent.
func (r *Registry) Demote(name string) {
	r.setDemoted(name, true)
}

// Restore clears a previous demotion.
func (r *Registry) Restore(name string) {
	r.setDemoted(name, false)
}

func (r *Registry) setDemoted(name string, demoted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[name]
	if !ok || t.demoted == demoted {
		return
	}
	t.demoted = demoted
	logrus.Infof("registry: target %s demoted=%v", name, demoted)
}

func viewOf(t *Target) TargetView {
	return TargetView{
		Name:          t.Name,
		Tier:          t.Tier,
		Endpoint:      t.Endpoint,
		Capacity:      t.Capacity,
		Utilization:   t.Utilization,
		CostPerHour:   t.CostPerHour,
		LatencyMillis: t.LatencyMillis,
		Health:        t.Health.String(),
		Demoted:       t.demoted,
		LastSeen:      t.LastSeen,
		health:        t.Health,
	}
}
