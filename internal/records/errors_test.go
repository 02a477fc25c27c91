package records

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassNone},
		{"auth", fmt.Errorf("list documents: %w", ErrAuthExpired), ClassAuth},
		{"lock", &LockConflictError{DocumentID: "d", HeldBy: "b"}, ClassConflict},
		{"revision", ErrRevisionConflict, ClassConflict},
		{"validation", &ValidationError{Items: []string{"x"}}, ClassValidation},
		{"skipped", &SkippedError{Validator: "v", Reason: "offline"}, ClassValidation},
		{"server", fmt.Errorf("wrap: %w", ErrServerFault), ClassServer},
		{"deadline", context.DeadlineExceeded, ClassNetwork},
		{"net", timeoutErr{}, ClassNetwork},
		{"not found", ErrNotFound, ClassNotFound},
		{"other", errors.New("boom"), ClassOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestLockConflictErrorMessage(t *testing.T) {
	err := &LockConflictError{DocumentID: "d1", HeldBy: "clientB", HeldType: LockUser}
	assert.Contains(t, err.Error(), "clientB")
	assert.ErrorIs(t, err, ErrLockConflict)
	assert.Contains(t, (&LockConflictError{DocumentID: "d1"}).Error(), "someone else")
}

func TestValidationErrorItems(t *testing.T) {
	err := &ValidationError{Items: []string{"page range overlaps", "deadline missing"}}
	assert.Equal(t, "validation failed: page range overlaps; deadline missing", err.Error())
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.False(t, errors.Is(err, ErrValidationSkipped))
}
