// Package errs holds the error taxonomy shared by the policy, authz and audit
// packages. Callers wrap the sentinels with context using fmt.Errorf("%w: ...").
package errs

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("version conflict")
	ErrPolicyMisconfiguration = errors.New("policy misconfiguration")
	ErrAuditWriteFailure      = errors.New("audit write failure")
	ErrTimeout                = errors.New("timeout")
)

// Generic categories exposed to end users.
const (
	CategoryValidation  = "validation"
	CategoryNotFound    = "not_found"
	CategoryConflict    = "conflict"
	CategoryUnavailable = "unavailable"
	CategoryInternal    = "internal"
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func Misconfigured(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPolicyMisconfiguration, fmt.Sprintf(format, args...))
}

// Category maps err onto the generic category shown to callers. Internal
// error text is never part of the category.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrPolicyMisconfiguration):
		return CategoryValidation
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrConflict):
		return CategoryConflict
	case errors.Is(err, ErrAuditWriteFailure), errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CategoryUnavailable
	default:
		return CategoryInternal
	}
}
