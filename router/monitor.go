package router

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Monitor is the reactive policy evaluator: a single-threaded tick loop
// that checks every reactive policy against the latest registry snapshot
// and emits advisory actions.
//
// Routing-weight actions (prefer_local_deployment, offload_to_cheaper_target)
// are applied to the registry immediately; the demotion set is recomputed
// from scratch every tick, so a demotion lasts exactly as long as its
// trigger keeps holding. Capacity actions (scale_down, scale_up) are events
// for the external orchestrator and are never retried here: if scaling
// fails externally the next tick simply re-triggers.
type Monitor struct {
	registry *Registry
	policies *Store
	bus      *Bus
}

func NewMonitor(registry *Registry, policies *Store, bus *Bus) *Monitor {
	return &Monitor{registry: registry, policies: policies, bus: bus}
}

// Run ticks at the policy's metrics interval until ctx is done. The
// interval is re-read each tick so a hot reload takes effect without a
// restart.
func (m *Monitor) Run(ctx context.Context) {
	for {
		interval := 30 * time.Second
		if snap := m.policies.Current(); snap != nil {
			interval = snap.Global.MetricsInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			m.Tick()
		}
	}
}

// Tick evaluates all reactive policies once and returns the emitted
// events. At most one event per (policy, target) per tick.
func (m *Monitor) Tick() []Event {
	snap := m.policies.Current()
	if snap == nil {
		return nil
	}
	views := m.registry.Snapshot()
	var emitted []Event
	demote := make(map[string]bool)

	for _, rp := range snap.Reactive {
		for name, view := range views {
			if rp.Target != "" && rp.Target != name {
				continue
			}
			if !rp.Trigger.Holds(view) {
				continue
			}
			if (rp.Action == ActionScaleDown || rp.Action == ActionScaleUp) && !snap.Global.AutoScaling {
				logrus.Debugf("monitor: %s triggered for %s but auto_scaling is off", rp.Name, name)
				continue
			}
			switch rp.Action {
			case ActionOffloadCheaper:
				demote[name] = true
			case ActionPreferLocal:
				for n, v := range views {
					if v.Tier != TierLocal {
						demote[n] = true
					}
				}
			}
			ev := Event{
				Kind:   EventReactiveTrigger,
				Policy: rp.Name,
				Action: rp.Action,
				Target: name,
			}
			m.bus.Publish(ev)
			emitted = append(emitted, ev)
			recordReactiveTrigger(rp.Name, rp.Action)
			logrus.Infof("monitor: policy %s triggered on %s (%s) -> %s", rp.Name, name, rp.Trigger.Raw, rp.Action)
		}
	}

	// The demotion set is declarative per tick: anything not demanded by a
	// currently-holding trigger is restored.
	for name := range views {
		if demote[name] {
			m.registry.Demote(name)
		} else {
			m.registry.Restore(name)
		}
	}
	return emitted
}
