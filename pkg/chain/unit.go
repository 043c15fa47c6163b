// Package chain implements the asynchronous event-chain orchestration engine.
// A submission builds a static DAG of units of work; the engine dispatches the
// root to a worker pool, reacts to reported outcomes by dispatching successors
// whose predecessors have all resolved, serializes units of the same
// (kind, target) pair, and records chain progress in a token store that
// callers poll.
package chain

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies an operation a unit of work performs. The set of kinds is
// closed; each kind maps to exactly one registered handler.
type Kind string

const (
	// KindBOMProcess parses an uploaded BOM, resolves its components against
	// the catalog, and writes the project's dependency edges.
	KindBOMProcess Kind = "bom_process"

	// KindVexProcess applies an uploaded VEX document's analysis statements.
	KindVexProcess Kind = "vex_process"

	// KindVulnAnalysis analyzes a project's components for known vulnerabilities.
	KindVulnAnalysis Kind = "vuln_analysis"

	// KindRepoMeta refreshes external repository metadata for a project's
	// components.
	KindRepoMeta Kind = "repo_meta"

	// KindPolicyEval evaluates configured policies against a project's
	// components and findings.
	KindPolicyEval Kind = "policy_eval"

	// KindFailureNotice records an ingest failure on the chain. Used as a
	// failure-successor so operators can distinguish "document never parsed"
	// from downstream analysis failures.
	KindFailureNotice Kind = "failure_notice"
)

// Unit is a single dispatchable operation: a kind, a target reference, an
// optional payload, and the successors declared at build time. The successor
// graph is fixed once the unit is submitted; the engine never mutates it and
// callers must not either.
type Unit struct {
	// ID uniquely identifies the unit within its chain.
	ID uuid.UUID

	// Kind selects the handler and scopes the at-most-one-in-flight check.
	Kind Kind

	// Target is the entity the unit operates on, typically a project UUID
	// string. Units of equal (Kind, Target) never run concurrently.
	Target string

	// Payload carries operation input, e.g. the stored document ID for an
	// ingest unit.
	Payload []byte

	successors        []*Unit
	failureSuccessors []*Unit
}

// NewUnit creates a unit of the given kind targeting the given entity.
func NewUnit(kind Kind, target string) *Unit {
	return &Unit{
		ID:     uuid.New(),
		Kind:   kind,
		Target: target,
	}
}

// WithPayload attaches an input payload and returns the unit for chaining.
func (u *Unit) WithPayload(payload []byte) *Unit {
	u.Payload = payload
	return u
}

// OnSuccess declares next to run only after u reports success. A unit may be
// declared successor of several predecessors; it dispatches once, after all
// of them succeed. Returns u so declarations can be chained.
func (u *Unit) OnSuccess(next *Unit) *Unit {
	u.successors = append(u.successors, next)
	return u
}

// OnFailure declares next to run only if u reports failure.
// Returns u so declarations can be chained.
func (u *Unit) OnFailure(next *Unit) *Unit {
	u.failureSuccessors = append(u.failureSuccessors, next)
	return u
}

// Successors returns the declared success-successors.
func (u *Unit) Successors() []*Unit { return u.successors }

// FailureSuccessors returns the declared failure-successors.
func (u *Unit) FailureSuccessors() []*Unit { return u.failureSuccessors }

// =============================================================================
// Outcomes
// =============================================================================

// Outcome is the terminal result a handler reports for a unit. Handlers
// return a Result value; the engine never learns an outcome from a panic or
// error escaping the handler (those are converted to failures).
type Outcome uint8

const (
	// OutcomeSuccess marks the unit's operation as completed.
	OutcomeSuccess Outcome = iota

	// OutcomeFailure marks the unit's operation as failed; the detail message
	// is retained in chain state.
	OutcomeFailure
)

func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}

// Result is the value a handler returns for a unit.
type Result struct {
	Outcome Outcome
	Detail  string
}

// Success returns a success result.
func Success() Result {
	return Result{Outcome: OutcomeSuccess}
}

// Failure returns a failure result with a detail message.
func Failure(format string, args ...any) Result {
	return Result{Outcome: OutcomeFailure, Detail: fmt.Sprintf(format, args...)}
}

// Handler executes one unit of work and returns its result. Handlers run on
// worker goroutines and must honor ctx cancellation for long operations.
type Handler func(ctx context.Context, u *Unit) Result
