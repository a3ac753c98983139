package engine

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrValidation marks caller errors such as a missing repository or credentials.
	ErrValidation = errors.New("invalid task")
	// ErrTimeout marks a run that lost the race against its deadline.
	ErrTimeout = errors.New("task timed out")
	// ErrStopped marks a run interrupted by a stop request.
	ErrStopped = errors.New("task stopped")
)

// FailureKind classifies why a run did not complete.
type FailureKind string

const (
	FailValidation     FailureKind = "validation"
	FailInfrastructure FailureKind = "infrastructure"
	FailAgent          FailureKind = "agent"
	// FailPartial is a pushed branch whose pull request could not be opened.
	FailPartial FailureKind = "partial"
	FailTimeout FailureKind = "timeout"
	FailStopped FailureKind = "stopped"
)

// Failure is a classified run error.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string { return f.Err.Error() }
func (f *Failure) Unwrap() error { return f.Err }

func failure(kind FailureKind, format string, args ...any) error {
	return &Failure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the failure class of err. Unclassified errors count as
// infrastructure failures.
func KindOf(err error) FailureKind {
	var f *Failure
	switch {
	case errors.As(err, &f):
		return f.Kind
	case errors.Is(err, ErrStopped):
		return FailStopped
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return FailTimeout
	case errors.Is(err, ErrValidation):
		return FailValidation
	}
	return FailInfrastructure
}
