package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/relaydocs/internal/records"
)

// Websocket close codes the channel classifies.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseNoStatus        = 1005
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseServiceRestart  = 1012
	CloseTryAgainLater   = 1013
)

// ErrNotReady is returned by Transport.Write when the socket cannot send
// yet. The auth frame is retried once after a short delay.
var ErrNotReady = errors.New("transport not ready")

// CloseError describes how a transport ended.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("websocket closed with status %d", e.Code)
	}
	return fmt.Sprintf("websocket closed with status %d: %s", e.Code, e.Reason)
}

// Transport is one open realtime socket. Read and Write may be called
// concurrently with each other and with Close.
type Transport interface {
	Read(ctx context.Context) (records.Frame, error)
	Write(ctx context.Context, f records.Frame) error
	Close(code int, reason string) error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// closeErrorOf maps any transport error to a CloseError. Errors that carry
// no close frame count as abnormal.
func closeErrorOf(err error) *CloseError {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce
	}
	return &CloseError{Code: CloseAbnormal, Reason: err.Error()}
}
