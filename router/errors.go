package router

import (
	"fmt"
	"strings"
)

// PolicyValidationError rejects a malformed or inconsistent policy document
// at load time. The previously active snapshot stays in effect.
type PolicyValidationError struct {
	Problems []string
}

func (e *PolicyValidationError) Error() string {
	return fmt.Sprintf("policy validation failed: %s", strings.Join(e.Problems, "; "))
}

// DiscoveryError wraps a failed capability probe against one target.
// Transient: existing catalog entries survive (stale-marked) and the
// probe is retried on the next discovery cycle.
type DiscoveryError struct {
	Target string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed for target %q: %v", e.Target, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// RuleDiagnostic records why one placement rule was inadmissible during
// ranking, for the NoAdmissibleTarget diagnostic.
type RuleDiagnostic struct {
	Target   string `json:"target"`
	Priority int    `json:"priority"`
	Reason   string `json:"reason"`
}

// NoAdmissibleTarget means no placement rule for the service is currently
// satisfiable. Carries the per-rule failure reasons; never retried
// internally.
type NoAdmissibleTarget struct {
	Service   string
	Evaluated []RuleDiagnostic
}

func (e *NoAdmissibleTarget) Error() string {
	return fmt.Sprintf("no admissible target for service %q (%d rules evaluated)", e.Service, len(e.Evaluated))
}

// RoutingExhausted means every admissible target failed, or the caller's
// deadline ran out before one succeeded. Carries the full attempt history.
type RoutingExhausted struct {
	Service  string
	Attempts []Attempt
}

func (e *RoutingExhausted) Error() string {
	return fmt.Sprintf("routing exhausted for service %q after %d attempts", e.Service, len(e.Attempts))
}

// Cancelled is the caller-initiated terminal state of a dispatch, distinct
// from exhaustion: no further fallback attempts were made.
type Cancelled struct {
	Service  string
	Attempts []Attempt
}

func (e *Cancelled) Error() string {
	return fmt.Sprintf("request for service %q cancelled after %d attempts", e.Service, len(e.Attempts))
}
