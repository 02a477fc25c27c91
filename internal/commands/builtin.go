package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/relaydocs/internal/records"
	"github.com/agentworkforce/relaydocs/internal/workflow"
)

// Locker is satisfied by the lock reconciler.
type Locker interface {
	// Owner is the client id whose locks follow open files.
	Owner() string
	LockAs(ctx context.Context, doc records.Document, lockType records.LockType, owner string) (records.Document, error)
	UnlockAs(ctx context.Context, doc records.Document, owner string) (records.Document, error)
}

// Workflow is satisfied by the workflow state machine.
type Workflow interface {
	Table() *workflow.Table
	ApplyTransition(ctx context.Context, doc records.Document, target int, actor string) (records.Document, workflow.Report, error)
	RunValidator(ctx context.Context, doc records.Document, kind workflow.ValidatorKind) (workflow.Result, records.Document, error)
}

type Refresher interface {
	Fetch(ctx context.Context, background bool) error
}

// OpenChecker reports whether a file is open in an editor on this host.
type OpenChecker interface {
	IsOpen(ctx context.Context, path string) (bool, error)
}

type Deps struct {
	Locker    Locker
	Workflow  Workflow
	Refresher Refresher
	// Files gates manual locks taken as the Locker's owner. Nil skips the
	// check.
	Files OpenChecker
}

// RegisterBuiltins adds the document and store commands to r.
func RegisterBuiltins(r *Registry, deps Deps) error {
	builtins := map[ID]Handler{
		DocumentLock:       lockHandler(deps.Locker, deps.Files),
		DocumentUnlock:     unlockHandler(deps.Locker),
		DocumentTransition: transitionHandler(deps.Workflow),
		DocumentValidate:   validateHandler(deps.Workflow),
		StoreRefresh:       refreshHandler(deps.Refresher),
	}
	for id, h := range builtins {
		if err := r.Register(id, h); err != nil {
			return err
		}
	}
	return nil
}

// lockHandler takes a user lock for the actor. The reconciler releases
// any lock of its owner on a file that is not open, so such a lock is
// refused rather than silently dropped on the next pass.
func lockHandler(l Locker, files OpenChecker) Handler {
	return func(ctx context.Context, req Request) Response {
		if req.Document.LockedBy(req.Actor.ID) {
			return succeeded("%s is already locked by you", req.Document.Name)
		}
		note := ""
		if files != nil && req.Actor.ID == l.Owner() {
			open, err := files.IsOpen(ctx, req.Document.FilePath)
			switch {
			case err != nil:
				note = "; it is released at the next reconcile unless the file is open"
			case !open:
				return failed(fmt.Errorf("%w: open %s before locking it", records.ErrInvalidInput, req.Document.Name))
			}
		}
		if _, err := l.LockAs(ctx, req.Document, records.LockUser, req.Actor.ID); err != nil {
			return failed(err)
		}
		return succeeded("locked %s%s", req.Document.Name, note)
	}
}

func unlockHandler(l Locker) Handler {
	return func(ctx context.Context, req Request) Response {
		if req.Document.LockType == records.LockSystem {
			return failed(fmt.Errorf("%w: %s is being processed and will unlock when done", records.ErrInvalidInput, req.Document.Name))
		}
		if _, err := l.UnlockAs(ctx, req.Document, req.Actor.ID); err != nil {
			return failed(err)
		}
		return succeeded("unlocked %s", req.Document.Name)
	}
}

func transitionHandler(w Workflow) Handler {
	return func(ctx context.Context, req Request) Response {
		raw := strings.TrimSpace(req.Args["state"])
		target, found := w.Table().Lookup(raw)
		if !found {
			return failed(fmt.Errorf("%w: unknown workflow state %q", records.ErrInvalidInput, raw))
		}
		_, report, err := w.ApplyTransition(ctx, req.Document, target.Value, req.Actor.ID)
		if err != nil {
			return failed(err)
		}
		msg := fmt.Sprintf("moved %s to %s", req.Document.Name, target.Name)
		if warnings := report.Warnings(); len(warnings) > 0 {
			msg += "; warnings: " + strings.Join(warnings, "; ")
		}
		if skipped := report.Skipped(); len(skipped) > 0 {
			msg += "; not checked: " + skippedList(skipped)
		}
		return Response{Success: true, Message: msg}
	}
}

// validateHandler runs the named validator, or every enter validator of
// the document's current state.
func validateHandler(w Workflow) Handler {
	return func(ctx context.Context, req Request) Response {
		var kinds []workflow.ValidatorKind
		if raw := strings.TrimSpace(req.Args["validator"]); raw != "" {
			kind, err := workflow.ParseValidatorKind(raw)
			if err != nil {
				return failed(err)
			}
			kinds = []workflow.ValidatorKind{kind}
		} else if state, found := w.Table().State(req.Document.State); found {
			kinds = state.RequiredToEnter
		}
		if len(kinds) == 0 {
			return succeeded("nothing to validate for %s", req.Document.Name)
		}

		doc := req.Document
		var (
			errs    []string
			skipped []workflow.Result
			lines   []string
		)
		for _, kind := range kinds {
			res, next, err := w.RunValidator(ctx, doc, kind)
			if err != nil {
				return failed(err)
			}
			doc = next
			lines = append(lines, fmt.Sprintf("%s: %s", kind, res.Outcome))
			for _, e := range res.Errors {
				errs = append(errs, string(kind)+": "+e)
			}
			if res.Outcome == workflow.OutcomeSkipped {
				skipped = append(skipped, res)
			}
		}
		if len(errs) > 0 {
			return failed(&records.ValidationError{Items: errs})
		}
		if len(skipped) > 0 {
			return Response{
				Message: strings.Join(lines, ", "),
				Err:     &records.SkippedError{Validator: string(skipped[0].Validator), Reason: skipped[0].Reason},
			}
		}
		return succeeded("%s", strings.Join(lines, ", "))
	}
}

func skippedList(results []workflow.Result) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("%s (%s)", r.Validator, r.Reason)
	}
	return strings.Join(parts, ", ")
}

func refreshHandler(r Refresher) Handler {
	return func(ctx context.Context, req Request) Response {
		if err := r.Fetch(ctx, false); err != nil {
			return failed(err)
		}
		return succeeded("refreshed")
	}
}
