// Package faults defines the error taxonomy shared by the orchestrator's
// collaborators and workflows. Every error that crosses a package boundary
// is classified into one of five kinds so callers can decide between
// rejecting, retrying, reapplying, or escalating to a human.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind int

const (
	// KindAuth covers bad webhook signatures and invalid or expired
	// credentials. Never retried; the request is rejected outright.
	KindAuth Kind = iota
	// KindRateLimit covers API rate-limit responses. Retried with backoff
	// a bounded number of times, then surfaced as a warning.
	KindRateLimit
	// KindTransient covers collaborator timeouts and 5xx responses.
	// Retried with backoff a bounded number of times.
	KindTransient
	// KindStateConflict covers concurrent-update failures on a per-key
	// write. Resolved by re-reading and reapplying, never dropped.
	KindStateConflict
	// KindTerminal covers failures that cannot be resolved locally.
	// Surfaced as an issue/PR comment and a failed or escalated status.
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindTransient:
		return "transient"
	case KindStateConflict:
		return "state_conflict"
	case KindTerminal:
		return "terminal"
	}
	return "unknown"
}

// Fault wraps an error with its classification.
type Fault struct {
	Kind Kind
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Auth wraps err as an authentication fault.
func Auth(err error) error { return wrap(KindAuth, err) }

// RateLimit wraps err as a rate-limit fault.
func RateLimit(err error) error { return wrap(KindRateLimit, err) }

// Transient wraps err as a transient collaborator fault.
func Transient(err error) error { return wrap(KindTransient, err) }

// StateConflict wraps err as a concurrent-update fault.
func StateConflict(err error) error { return wrap(KindStateConflict, err) }

// Terminal wraps err as a terminal workflow fault.
func Terminal(err error) error { return wrap(KindTerminal, err) }

func wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: k, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are
// treated as transient so they get a bounded retry rather than being
// dropped or looping forever.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTransient
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, k Kind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == k
	}
	return false
}
