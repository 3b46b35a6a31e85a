// Package pipeline defines the failure taxonomy shared by the step
// implementations and the orchestrator.
package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a step failure for retry purposes.
type Kind string

const (
	// KindTransient failures are retried within the step's attempt budget.
	KindTransient Kind = "transient"
	// KindPermanent failures abort the item's run immediately.
	KindPermanent Kind = "permanent"
)

// StepError is a classified failure from one pipeline step.
type StepError struct {
	Kind Kind
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &StepError{Kind: KindTransient, Err: err}
}

// Transientf formats a retryable failure.
func Transientf(format string, args ...any) error {
	return &StepError{Kind: KindTransient, Err: fmt.Errorf(format, args...)}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	return &StepError{Kind: KindPermanent, Err: err}
}

// Permanentf formats a non-retryable failure.
func Permanentf(format string, args ...any) error {
	return &StepError{Kind: KindPermanent, Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err carries a permanent classification.
// Unclassified errors count as transient so that unknown infrastructure
// hiccups stay retryable.
func IsPermanent(err error) bool {
	var se *StepError
	return errors.As(err, &se) && se.Kind == KindPermanent
}
