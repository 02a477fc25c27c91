// Package commands maps command identifiers to handlers for UI callers.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/agentworkforce/relaydocs/internal/records"
)

var ErrUnknownCommand = errors.New("unknown command")

type ID string

const (
	DocumentLock       ID = "document.lock"
	DocumentUnlock     ID = "document.unlock"
	DocumentTransition ID = "document.transition"
	DocumentValidate   ID = "document.validate"
	StoreRefresh       ID = "store.refresh"
)

// Actor identifies who invoked a command.
type Actor struct {
	ID   string
	Name string
}

type Request struct {
	Document  records.Document
	Container records.Container
	Actor     Actor
	// Args carries command-specific parameters such as "state".
	Args map[string]string
}

type Response struct {
	Success bool
	Message string
	Err     error
}

func succeeded(format string, args ...any) Response {
	return Response{Success: true, Message: fmt.Sprintf(format, args...)}
}

func failed(err error) Response {
	return Response{Message: describe(err), Err: err}
}

// describe renders err for the person who ran the command.
func describe(err error) string {
	var conflict *records.LockConflictError
	switch {
	case errors.As(err, &conflict):
		return "someone else is using this document (" + conflict.HeldBy + ")"
	case errors.Is(err, records.ErrRevisionConflict):
		return "the document changed while you were working; refresh and try again"
	case errors.Is(err, records.ErrAuthExpired):
		return "your session expired; sign in again"
	case errors.Is(err, records.ErrNetworkUnavailable):
		return "the shared store is unreachable; try again when back online"
	default:
		return err.Error()
	}
}

type Handler func(ctx context.Context, req Request) Response

// Registry dispatches commands. Handlers never panic out of Dispatch.
type Registry struct {
	mu       sync.RWMutex
	handlers map[ID]Handler
	logger   logging.Logger
}

func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{handlers: map[ID]Handler{}, logger: logging.OrNop(logger).With("component", "commands")}
}

func (r *Registry) Register(id ID, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[id]; dup {
		return fmt.Errorf("%w: command %s registered twice", records.ErrInvalidInput, id)
	}
	r.handlers[id] = h
	return nil
}

func (r *Registry) IDs() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ID, 0, len(r.handlers))
	for id := range r.handlers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Dispatch(ctx context.Context, id ID, req Request) (resp Response) {
	r.mu.RLock()
	h, ok := r.handlers[id]
	r.mu.RUnlock()
	if !ok {
		return failed(fmt.Errorf("%w: %s", ErrUnknownCommand, id))
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("command panicked", "command", id, "doc_id", req.Document.ID, "panic", fmt.Sprint(p))
			resp = failed(fmt.Errorf("command %s failed unexpectedly", id))
		}
	}()
	resp = h(ctx, req)
	if resp.Err != nil {
		r.logger.Info("command failed", "command", id, "doc_id", req.Document.ID, "actor", req.Actor.ID, "class", records.Classify(resp.Err).String(), "error", resp.Err)
	}
	return resp
}
