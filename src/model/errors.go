// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrAnalyzer   = errors.New("analyzer error")
	ErrTimeout    = errors.New("timeout")
	ErrRateLimit  = errors.New("rate limit exceeded")
	ErrInternal   = errors.New("internal error")

	// ErrCancelled is the cancellation cause a worker observes.
	ErrCancelled = errors.New("cancelled")
)

// Error carries a kind from the taxonomy above, a message safe to show to
// callers and an optional underlying cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

func Validationf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

func RateLimitf(format string, args ...any) error {
	return &Error{Kind: ErrRateLimit, Message: fmt.Sprintf(format, args...)}
}

// AnalyzerError wraps an engine failure. msg is what the task record shows.
func AnalyzerError(msg string, cause error) error {
	return &Error{Kind: ErrAnalyzer, Message: msg, Err: cause}
}

// ErrorCode maps an error to the code reported to API callers.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrAnalyzer):
		return "ANALYSIS_ERROR"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrRateLimit):
		return "RATE_LIMIT"
	default:
		return "INTERNAL_ERROR"
	}
}

// PublicMessage returns the text that may leave the process for err. Raw
// causes are only exposed when debug is set.
func PublicMessage(err error, debug bool) string {
	if err == nil {
		return ""
	}
	if debug {
		return err.Error()
	}
	var e *Error
	if errors.As(err, &e) {
		if errors.Is(e.Kind, ErrInternal) {
			return "internal error"
		}
		return e.Message
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	}
	return "internal error"
}
