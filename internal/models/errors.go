package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline errors by how they should be retried.
type ErrorKind string

const (
	// KindTransient covers network and storage hiccups; retried with backoff.
	KindTransient ErrorKind = "transient"
	// KindValidation covers bad input; never retried.
	KindValidation ErrorKind = "validation"
	// KindExpensive covers model calls; retried a small, bounded number of times.
	KindExpensive ErrorKind = "expensive"
	// KindPartial covers fan-out sub-task failures that a stage may tolerate.
	KindPartial ErrorKind = "partial"
)

// PipelineError is a classified error raised by a pipeline operation.
type PipelineError struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func NewValidationError(op, message string, err error) *PipelineError {
	return &PipelineError{Kind: KindValidation, Op: op, Message: message, Err: err}
}

func NewTransientError(op, message string, err error) *PipelineError {
	return &PipelineError{Kind: KindTransient, Op: op, Message: message, Err: err}
}

func NewExpensiveError(op, message string, err error) *PipelineError {
	return &PipelineError{Kind: KindExpensive, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of the first PipelineError in err's chain.
// Unclassified errors are treated as transient.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsValidation reports whether err must not be retried.
func IsValidation(err error) bool {
	return err != nil && KindOf(err) == KindValidation
}
