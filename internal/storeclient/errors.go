package storeclient

import (
	"fmt"
	"net/http"

	"github.com/agentworkforce/relaydocs/internal/records"
)

// HTTPError is a non-2xx response that is not a conflict. Is maps the
// status onto the shared error taxonomy.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case records.ErrAuthExpired:
		return e.StatusCode == http.StatusUnauthorized
	case records.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case records.ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusForbidden ||
			e.StatusCode == http.StatusPreconditionRequired || e.StatusCode == http.StatusRequestEntityTooLarge
	case records.ErrServerFault:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// ConflictError is a failed If-Match precondition or duplicate create.
type ConflictError struct {
	Entity          records.EntityType
	ID              string
	CurrentRevision string
}

func (e *ConflictError) Error() string {
	if e.ID == "" {
		return "revision conflict"
	}
	return fmt.Sprintf("revision conflict for %s/%s", e.Entity, e.ID)
}

func (e *ConflictError) Is(target error) bool {
	return target == records.ErrRevisionConflict
}
