// Package dispatch defines the contract for executing one command against
// the remote service, and a reference HTTP implementation.
package dispatch

import (
	"context"
	"fmt"

	"github.com/openfleet/fieldsync/internal/queue"
)

// Class is the coordinator-facing classification of a dispatch attempt.
type Class string

const (
	// ClassSuccess means the remote operation was applied
	ClassSuccess Class = "success"

	// ClassTransient means the attempt failed in a retryable way (network,
	// remote overload)
	ClassTransient Class = "transient"

	// ClassPermanent means the attempt failed in a non-retryable way
	// (validation, conflict)
	ClassPermanent Class = "permanent"

	// ClassUnknown means the failure could not be classified; it is retried
	// like a transient failure but capped more aggressively
	ClassUnknown Class = "unknown"
)

// Outcome is the three-way (plus unknown) result of one dispatch attempt.
type Outcome struct {
	Class Class
	Err   error
}

// Failed reports whether the attempt did not succeed.
func (o Outcome) Failed() bool { return o.Class != ClassSuccess }

// Success returns a successful outcome.
func Success() Outcome {
	return Outcome{Class: ClassSuccess}
}

// Transientf returns a retryable failure outcome.
func Transientf(format string, args ...any) Outcome {
	return Outcome{Class: ClassTransient, Err: fmt.Errorf(format, args...)}
}

// Permanentf returns a non-retryable failure outcome.
func Permanentf(format string, args ...any) Outcome {
	return Outcome{Class: ClassPermanent, Err: fmt.Errorf(format, args...)}
}

// Unknownf returns an unclassifiable failure outcome.
func Unknownf(format string, args ...any) Outcome {
	return Outcome{Class: ClassUnknown, Err: fmt.Errorf(format, args...)}
}

// Dispatcher executes exactly one remote attempt per call. Retry policy,
// backoff and ordering belong to the coordinator, never to implementations.
// The remote operation is expected to be idempotent keyed on the command's
// IdempotencyKey, so a dispatch repeated after a crash cannot double-apply.
type Dispatcher interface {
	Execute(ctx context.Context, cmd queue.Command) Outcome
}
