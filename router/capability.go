package router

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// discoveryFailuresToUnreachable mirrors the dispatch-side hysteresis:
// three consecutive failed probes mark the target Unreachable.
const discoveryFailuresToUnreachable = 3

// Capability is one (target, model) entry of the catalog.
type Capability struct {
	Model        string       `json:"model"`
	Inputs       []TensorSpec `json:"inputs"`
	Outputs      []TensorSpec `json:"outputs"`
	MaxBatchSize int          `json:"max_batch_size"`

	// Stale marks entries surviving a failed probe. Stale capabilities
	// still count for admissibility so a recovering target need not
	// re-advertise before receiving traffic.
	Stale bool `json:"stale"`
}

// Catalog holds per-target capability sets refreshed by periodic discovery.
// A failed refresh marks existing entries stale instead of deleting them,
// avoiding false negatives from one transient probe failure.
type Catalog struct {
	registry *Registry
	client   TargetClient
	interval time.Duration

	// probeRetries bounds in-cycle backoff retries per probe.
	probeRetries uint64

	mu       sync.RWMutex
	byTarget map[string]map[string]Capability
	failures map[string]int
}

func NewCatalog(registry *Registry, client TargetClient, interval time.Duration) *Catalog {
	return &Catalog{
		registry:     registry,
		client:       client,
		interval:     interval,
		probeRetries: 2,
		byTarget:     make(map[string]map[string]Capability),
		failures:     make(map[string]int),
	}
}

// Refresh probes one target and wholesale-replaces its capability set.
// The probe also feeds the target's utilization snapshot back to the
// registry. Within one cycle the probe retries briefly with exponential
// backoff before counting as a discovery failure.
func (c *Catalog) Refresh(ctx context.Context, target TargetView) error {
	var models []ModelInfo
	operation := func() error {
		report, err := c.client.Health(ctx, target)
		if err != nil {
			return err
		}
		c.registry.UpdateUtilization(target.Name, report.Utilization)
		models, err = c.client.Models(ctx, target)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.probeRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		c.recordFailure(target.Name)
		return &DiscoveryError{Target: target.Name, Err: err}
	}

	caps := make(map[string]Capability, len(models))
	for _, m := range models {
		caps[m.Name] = Capability{
			Model:        m.Name,
			Inputs:       m.Inputs,
			Outputs:      m.Outputs,
			MaxBatchSize: m.MaxBatchSize,
		}
	}
	c.mu.Lock()
	c.byTarget[target.Name] = caps
	c.failures[target.Name] = 0
	c.mu.Unlock()
	// A reachable probe is the only recovery path for a target the
	// dispatcher no longer ranks.
	c.registry.MarkReachable(target.Name)
	recordModelAvailability(target.Name, len(caps))
	logrus.Debugf("catalog: refreshed %s (%d models)", target.Name, len(caps))
	return nil
}

func (c *Catalog) recordFailure(name string) {
	c.mu.Lock()
	for model, cap := range c.byTarget[name] {
		cap.Stale = true
		c.byTarget[name][model] = cap
	}
	c.failures[name]++
	streak := c.failures[name]
	c.mu.Unlock()
	if streak >= discoveryFailuresToUnreachable {
		logrus.Warnf("catalog: %d consecutive discovery failures for %s, marking unreachable", streak, name)
		c.registry.MarkUnreachable(name)
	}
}

// Supports reports whether the target currently advertises the model.
// Stale entries count as supporting.
func (c *Catalog) Supports(target, model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byTarget[target][model]
	return ok
}

// Models returns the target's capability set.
func (c *Catalog) Models(target string) []Capability {
	c.mu.RLock()
	defer c.mu.RUnlock()
	caps := c.byTarget[target]
	out := make([]Capability, 0, len(caps))
	for _, cap := range caps {
		out = append(out, cap)
	}
	return out
}

// Run drives the periodic discovery loop until ctx is done. A health
// transition to Healthy triggers an immediate refresh of that target, so
// a recovered target's catalog is fresh before it re-enters ranking.
func (c *Catalog) Run(ctx context.Context) {
	events := c.registry.bus.Subscribe(16)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.refreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshAll(ctx)
		case ev := <-events:
			if ev.Kind == EventHealthTransition && ev.To == Healthy.String() {
				if view, err := c.registry.Get(ev.Target); err == nil {
					if err := c.Refresh(ctx, view); err != nil {
						logrus.Debugf("catalog: on-demand refresh of %s failed: %v", ev.Target, err)
					}
				}
			}
		}
	}
}

func (c *Catalog) refreshAll(ctx context.Context) {
	for _, view := range c.registry.Snapshot() {
		if err := c.Refresh(ctx, view); err != nil {
			logrus.Debugf("catalog: %v", err)
		}
	}
}
