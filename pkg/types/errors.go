// errors.go defines the closed error taxonomy shared by every component.
//
// The set of failure modes in this pipeline is fixed, so errors are a tagged
// variant (Fault) rather than an open hierarchy: one struct carrying a Kind
// plus the distinguishing fields for the kinds that need them (retry time for
// open circuits, holder token for contended locks). Callers classify with
// KindOf, which unwraps through fmt.Errorf("%w") chains.
package types

import (
	"errors"
	"fmt"
	"time"
)

// FaultKind enumerates every failure mode a component may surface.
type FaultKind int

const (
	KindUnknown FaultKind = iota
	KindInvalidInput
	KindTransport
	KindTimeout
	KindRateLimited
	KindCircuitOpen
	KindUpstreamBadData
	KindUpstreamUnavailable // wrapped circuit-open or retry-exhausted
	KindNotFound
	KindConfig
	KindLockUnavailable
	KindDependencyUnavailable // cache or database down
)

// String names the kind for logs and counters.
func (k FaultKind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindCircuitOpen:
		return "circuit_open"
	case KindUpstreamBadData:
		return "upstream_bad_data"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindNotFound:
		return "not_found"
	case KindConfig:
		return "config"
	case KindLockUnavailable:
		return "lock_unavailable"
	case KindDependencyUnavailable:
		return "dependency_unavailable"
	}
	return "unknown"
}

// Fault is the tagged error variant used throughout the pipeline.
type Fault struct {
	Kind FaultKind
	Op   string // the operation that failed, e.g. "indexer.positions"
	Err  error  // wrapped cause, may be nil

	// NextRetry is set for KindCircuitOpen: when the circuit will admit a
	// half-open trial.
	NextRetry time.Time

	// Holder is set for KindLockUnavailable when the current holder's
	// fencing token is known.
	Holder string
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Op, f.Kind)
}

func (f *Fault) Unwrap() error { return f.Err }

// Is allows errors.Is comparisons against a bare Fault{Kind: ...} target.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return t.Kind == f.Kind && (t.Op == "" || t.Op == f.Op)
}

// NewFault builds a Fault with a wrapped cause.
func NewFault(kind FaultKind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

// CircuitOpenFault reports a short-circuited call and when to retry.
func CircuitOpenFault(op string, nextRetry time.Time) *Fault {
	return &Fault{Kind: KindCircuitOpen, Op: op, NextRetry: nextRetry}
}

// LockUnavailableFault reports a lost lock race, with the winner's fencing
// token when known.
func LockUnavailableFault(op, holder string, err error) *Fault {
	return &Fault{Kind: KindLockUnavailable, Op: op, Holder: holder, Err: err}
}

// KindOf extracts the FaultKind from an error chain. Errors that are not
// Faults classify as KindUnknown.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// Retryable reports whether an error is worth retrying: transport failures,
// timeouts and rate limits. Invalid input, bad data and other 4xx-class
// failures are permanent.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindTimeout, KindRateLimited:
		return true
	}
	return false
}
