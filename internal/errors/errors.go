// Package errors provides explicit, human-readable error types for the
// execution engine. Every error carries a Reason and, where one exists, a
// Suggestion for actionable feedback.
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// EngineError is the base error type for all engine errors.
type EngineError struct {
	Code       ErrorCode
	Message    string
	Reason     string
	Suggestion string
	Cause      error
}

// ErrorCode represents the category of error for exit code mapping.
type ErrorCode int

const (
	CodePlan ErrorCode = iota + 1
	CodeNotImplemented
	CodeResourcesExhausted
	CodeInternal
	CodeIO
)

func (e *EngineError) Error() string {
	msg := e.Message
	if e.Reason != "" {
		msg = fmt.Sprintf("%s\nReason: %s", msg, e.Reason)
	}
	if e.Suggestion != "" {
		msg = fmt.Sprintf("%s\nSuggestion: %s", msg, e.Suggestion)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s\nCaused by: %v", msg, e.Cause)
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// ErrPlan is returned when a plan cannot be constructed from its inputs:
// mismatched key types, wrong sort-option arity, or inconsistent child
// partitioning.
type ErrPlan struct {
	EngineError
}

// NewPlan creates a new ErrPlan.
func NewPlan(format string, args ...any) *ErrPlan {
	return &ErrPlan{
		EngineError: EngineError{
			Code:    CodePlan,
			Message: fmt.Sprintf(format, args...),
			Reason:  "the operator inputs are inconsistent with each other",
		},
	}
}

// ErrNotImplemented is returned when an operation is requested over a data
// type or plan shape the engine does not support.
type ErrNotImplemented struct {
	EngineError
	What string
}

// NewNotImplemented creates a new ErrNotImplemented.
func NewNotImplemented(what string) *ErrNotImplemented {
	return &ErrNotImplemented{
		EngineError: EngineError{
			Code:    CodeNotImplemented,
			Message: fmt.Sprintf("not implemented: %s", what),
			Reason:  "this capability is not supported by the engine",
		},
		What: what,
	}
}

// ErrResourcesExhausted is returned when a memory reservation cannot grow and
// no fallback (such as disk spilling) is available.
type ErrResourcesExhausted struct {
	EngineError
	Consumer  string
	Requested int64
	Limit     int64
}

// NewResourcesExhausted creates a new ErrResourcesExhausted for the named
// memory consumer.
func NewResourcesExhausted(consumer string, requested, reserved, limit int64) *ErrResourcesExhausted {
	return &ErrResourcesExhausted{
		EngineError: EngineError{
			Code:    CodeResourcesExhausted,
			Message: fmt.Sprintf("resources exhausted for %s", consumer),
			Reason: fmt.Sprintf("cannot grow reservation by %s: %s of %s already reserved",
				humanize.IBytes(uint64(requested)),
				humanize.IBytes(uint64(reserved)),
				humanize.IBytes(uint64(limit))),
			Suggestion: "raise execution.memory_limit or enable disk spilling",
		},
		Consumer:  consumer,
		Requested: requested,
		Limit:     limit,
	}
}

// WithSpillingDisabled marks the error as raised while disk spilling was
// turned off.
func (e *ErrResourcesExhausted) WithSpillingDisabled() *ErrResourcesExhausted {
	e.Suggestion = "disk spilling is disabled; enable execution.disk_spill_enabled or raise execution.memory_limit"
	return e
}

// ErrInternal is returned on invariant violations. These indicate bugs, not
// user mistakes.
type ErrInternal struct {
	EngineError
}

// NewInternal creates a new ErrInternal.
func NewInternal(format string, args ...any) *ErrInternal {
	return &ErrInternal{
		EngineError: EngineError{
			Code:       CodeInternal,
			Message:    fmt.Sprintf("internal error: %s", fmt.Sprintf(format, args...)),
			Reason:     "an engine invariant was violated",
			Suggestion: "this is a bug in the engine, please report it",
		},
	}
}

// NewIO wraps an I/O failure, typically from spill file access. The cause is
// propagated unchanged.
func NewIO(op string, cause error) *EngineError {
	return &EngineError{
		Code:    CodeIO,
		Message: fmt.Sprintf("i/o error during %s", op),
		Reason:  cause.Error(),
		Cause:   cause,
	}
}

// IsPlan reports whether err is an ErrPlan.
func IsPlan(err error) bool {
	var e *ErrPlan
	return stderrors.As(err, &e)
}

// IsNotImplemented reports whether err is an ErrNotImplemented.
func IsNotImplemented(err error) bool {
	var e *ErrNotImplemented
	return stderrors.As(err, &e)
}

// IsResourcesExhausted reports whether err is an ErrResourcesExhausted.
func IsResourcesExhausted(err error) bool {
	var e *ErrResourcesExhausted
	return stderrors.As(err, &e)
}

// IsInternal reports whether err is an ErrInternal.
func IsInternal(err error) bool {
	var e *ErrInternal
	return stderrors.As(err, &e)
}
