package records

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrAuthExpired        = errors.New("session expired")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrServerFault        = errors.New("server fault")
	ErrLockConflict       = errors.New("lock conflict")
	ErrRevisionConflict   = errors.New("revision conflict")
	ErrValidationFailed   = errors.New("validation failed")
	ErrValidationSkipped  = errors.New("validation skipped")
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	// ErrStale marks an incoming update older than the value already held.
	ErrStale = errors.New("stale update")
)

// LockConflictError reports that a document is held by another owner.
type LockConflictError struct {
	DocumentID string
	HeldBy     string
	HeldType   LockType
}

func (e *LockConflictError) Error() string {
	if e.HeldBy == "" {
		return fmt.Sprintf("document %s is locked by someone else", e.DocumentID)
	}
	return fmt.Sprintf("document %s is locked by %s (%s)", e.DocumentID, e.HeldBy, e.HeldType)
}

func (e *LockConflictError) Is(target error) bool {
	return target == ErrLockConflict
}

// ValidationError carries itemized reasons for a refused transition.
type ValidationError struct {
	Items []string
}

func (e *ValidationError) Error() string {
	if len(e.Items) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(e.Items, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// SkippedError reports a validation that could not run.
type SkippedError struct {
	Validator string
	Reason    string
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("validation %s skipped: %s", e.Validator, e.Reason)
}

func (e *SkippedError) Is(target error) bool {
	return target == ErrValidationSkipped
}

type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassAuth
	ClassNetwork
	ClassServer
	ClassConflict
	ClassValidation
	ClassNotFound
	ClassOther
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassAuth:
		return "auth"
	case ClassNetwork:
		return "network"
	case ClassServer:
		return "server"
	case ClassConflict:
		return "conflict"
	case ClassValidation:
		return "validation"
	case ClassNotFound:
		return "not_found"
	default:
		return "other"
	}
}

// Classify maps err onto the error taxonomy. Timeouts count as network
// errors, not server errors.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	switch {
	case errors.Is(err, ErrAuthExpired):
		return ClassAuth
	case errors.Is(err, ErrLockConflict), errors.Is(err, ErrRevisionConflict):
		return ClassConflict
	case errors.Is(err, ErrValidationFailed), errors.Is(err, ErrValidationSkipped):
		return ClassValidation
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrServerFault):
		return ClassServer
	case errors.Is(err, ErrNetworkUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ClassNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}
	return ClassOther
}
