package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AttemptOutcome classifies how one dispatch attempt ended.
type AttemptOutcome string

const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeTimeout AttemptOutcome = "timeout"
	OutcomeError   AttemptOutcome = "error"
)

// Attempt is one entry of a request's per-target attempt history.
type Attempt struct {
	Target  string         `json:"target"`
	Outcome AttemptOutcome `json:"outcome"`
	Error   string         `json:"error,omitempty"`
	Elapsed time.Duration  `json:"elapsed"`
}

// Result is a completed dispatch: the payload plus the accounting callers
// need for cost/latency bookkeeping.
type Result struct {
	RequestID string          `json:"request_id"`
	Target    string          `json:"target"`
	Outputs   json.RawMessage `json:"outputs"`
	Metadata  InferMetadata   `json:"metadata"`
	Attempts  []Attempt       `json:"attempts"`
	Elapsed   time.Duration   `json:"elapsed"`
}

// Dispatcher executes routed requests: rank, attempt targets in order,
// absorb individual failures by falling back to the next ranked target,
// and record every outcome into the registry.
//
// Per-request state machine:
// Ranking -> Attempting(target) -> Succeeded | Retrying(next) | Exhausted | Cancelled.
type Dispatcher struct {
	engine   *Engine
	registry *Registry
	policies *Store
	client   TargetClient
	bus      *Bus

	// attemptTimeout caps a single attempt; the remaining caller deadline
	// caps it further.
	attemptTimeout time.Duration
}

func NewDispatcher(engine *Engine, registry *Registry, policies *Store, client TargetClient, bus *Bus, attemptTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		engine:         engine,
		registry:       registry,
		policies:       policies,
		client:         client,
		bus:            bus,
		attemptTimeout: attemptTimeout,
	}
}

// Execute routes one inference request. The policy snapshot is pinned at
// entry, so a concurrent reload never changes the rule set mid-request.
// The deadline is respected across fallbacks: no attempt starts once it
// has passed, and a single in-flight attempt is the most it can overrun.
func (d *Dispatcher) Execute(ctx context.Context, service string, profile ResourceProfile, inputs json.RawMessage, deadline time.Time) (*Result, error) {
	requestID := uuid.NewString()
	start := time.Now()
	snap := d.policies.Current()

	ranked, err := d.engine.RankWith(snap, service, profile)
	if err != nil {
		recordRequest(service, "no_admissible_target")
		return nil, err
	}
	logrus.Debugf("dispatch %s: service=%s ranked=%d", requestID, service, len(ranked))

	var attempts []Attempt
	for _, cand := range ranked {
		// An explicit caller cancel ends the request; a caller-side
		// context deadline is exhaustion, same as the deadline argument.
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				recordRequest(service, "cancelled")
				return nil, &Cancelled{Service: service, Attempts: attempts}
			}
			break
		}
		remaining := time.Until(deadline)
		if !deadline.IsZero() && remaining <= 0 {
			break
		}

		timeout := d.attemptTimeout
		if !deadline.IsZero() && remaining < timeout {
			timeout = remaining
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		attemptStart := time.Now()
		res, err := d.client.Infer(attemptCtx, cand.Target, service, inputs)
		elapsed := time.Since(attemptStart)
		cancel()

		if err == nil {
			d.registry.RecordOutcome(cand.Target.Name, true, elapsed)
			attempts = append(attempts, Attempt{Target: cand.Target.Name, Outcome: OutcomeSuccess, Elapsed: elapsed})
			d.publishAttempt(service, cand.Target.Name, OutcomeSuccess)
			recordRequest(service, "success")
			recordAttemptDuration(cand.Target.Name, elapsed)
			return &Result{
				RequestID: requestID,
				Target:    cand.Target.Name,
				Outputs:   res.Outputs,
				Metadata:  res.Metadata,
				Attempts:  attempts,
				Elapsed:   time.Since(start),
			}, nil
		}

		// Caller cancellation ends the request outright; a per-attempt
		// timeout is an ordinary failure and falls through to the next
		// ranked target.
		if ctx.Err() == context.Canceled {
			d.registry.RecordOutcome(cand.Target.Name, false, elapsed)
			attempts = append(attempts, Attempt{Target: cand.Target.Name, Outcome: OutcomeError, Error: err.Error(), Elapsed: elapsed})
			recordRequest(service, "cancelled")
			return nil, &Cancelled{Service: service, Attempts: attempts}
		}

		outcome := OutcomeError
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
			outcome = OutcomeTimeout
		}
		d.registry.RecordOutcome(cand.Target.Name, false, elapsed)
		attempts = append(attempts, Attempt{Target: cand.Target.Name, Outcome: outcome, Error: err.Error(), Elapsed: elapsed})
		d.publishAttempt(service, cand.Target.Name, outcome)
		recordAttemptDuration(cand.Target.Name, elapsed)
		logrus.Debugf("dispatch %s: attempt on %s failed (%s), falling back", requestID, cand.Target.Name, outcome)
	}

	recordRequest(service, "exhausted")
	return nil, &RoutingExhausted{Service: service, Attempts: attempts}
}

func (d *Dispatcher) publishAttempt(service, target string, outcome AttemptOutcome) {
	d.bus.Publish(Event{
		Kind:    EventAttemptOutcome,
		Service: service,
		Target:  target,
		Outcome: string(outcome),
	})
}
