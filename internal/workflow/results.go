package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentworkforce/relaydocs/internal/records"
	"github.com/agentworkforce/relaydocs/internal/statestore"
)

const annotationKind = "validation"

// ResultStore is the part of the local state store validation results are
// kept in, as annotations keyed by document and validator.
type ResultStore interface {
	Annotations(documentID string) []records.Annotation
	Mutate(ctx context.Context, entity records.EntityType, op statestore.MutateOp, id string, data any, ifMatch string) (json.RawMessage, error)
}

// StoredResult is the last pass or fail recorded for a validator.
type StoredResult struct {
	Validator ValidatorKind
	Outcome   Outcome
	Errors    []string
	Warnings  []string
	At        time.Time
}

// Results reads and writes stored validation results. A skipped result is
// never written, so an earlier pass or fail survives infrastructure gaps.
type Results struct {
	store ResultStore
}

func NewResults(store ResultStore) *Results {
	return &Results{store: store}
}

func (r *Results) find(documentID string, kind ValidatorKind) (records.Annotation, bool) {
	for _, a := range r.store.Annotations(documentID) {
		if a.Kind == annotationKind && a.Validator == string(kind) {
			return a, true
		}
	}
	return records.Annotation{}, false
}

// Lookup returns the stored result for a document and validator.
func (r *Results) Lookup(documentID string, kind ValidatorKind) (StoredResult, bool) {
	a, ok := r.find(documentID, kind)
	if !ok {
		return StoredResult{}, false
	}
	return StoredResult{
		Validator: kind,
		Outcome:   Outcome(a.Outcome),
		Errors:    a.Errors,
		Warnings:  a.Warnings,
		At:        a.UpdatedAt,
	}, true
}

// Store records res for doc. It reports whether anything was written.
func (r *Results) Store(ctx context.Context, doc records.Document, res Result) (bool, error) {
	if res.Outcome == OutcomeSkipped {
		return false, nil
	}
	fields := map[string]any{
		"documentId":  doc.ID,
		"containerId": doc.ContainerID,
		"kind":        annotationKind,
		"validator":   string(res.Validator),
		"outcome":     string(res.Outcome),
		"errors":      nonNil(res.Errors),
		"warnings":    nonNil(res.Warnings),
	}
	existing, ok := r.find(doc.ID, res.Validator)
	var err error
	if ok {
		_, err = r.store.Mutate(ctx, records.EntityAnnotation, statestore.OpUpdate, existing.ID, fields, records.RevisionString(existing.UpdatedAt))
	} else {
		_, err = r.store.Mutate(ctx, records.EntityAnnotation, statestore.OpCreate, "", fields, "")
	}
	if err != nil {
		return false, fmt.Errorf("store %s result for %s: %w", res.Validator, doc.ID, err)
	}
	return true, nil
}

// Clear removes the stored result for a document and validator.
func (r *Results) Clear(ctx context.Context, documentID string, kind ValidatorKind) error {
	existing, ok := r.find(documentID, kind)
	if !ok {
		return nil
	}
	_, err := r.store.Mutate(ctx, records.EntityAnnotation, statestore.OpDelete, existing.ID, nil, "")
	return err
}

// nonNil keeps empty lists in patches so earlier items are replaced.
func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
