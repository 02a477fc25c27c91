// Package workflow moves documents through the ordered workflow table,
// gating each transition behind the validators the table names.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/agentworkforce/relaydocs/internal/metrics"
	"github.com/agentworkforce/relaydocs/internal/records"
)

// Store is the local state store as the machine uses it.
type Store interface {
	View
	ResultStore
	Document(id string) (records.Document, bool)
	UpdateDocument(ctx context.Context, id string, patch any, ifMatch string) (records.Document, error)
}

// StateChange is emitted after a transition is applied.
type StateChange struct {
	DocumentID string
	Previous   int
	Current    int
	Actor      string
	At         time.Time
}

// Report aggregates the validators run for one transition.
type Report struct {
	From    int
	To      int
	Results []Result
	// Document is the record after any auto-corrections.
	Document records.Document
}

func (r Report) Errors() []string {
	var out []string
	for _, res := range r.Results {
		for _, e := range res.Errors {
			out = append(out, string(res.Validator)+": "+e)
		}
	}
	return out
}

func (r Report) Warnings() []string {
	var out []string
	for _, res := range r.Results {
		for _, w := range res.Warnings {
			out = append(out, string(res.Validator)+": "+w)
		}
	}
	return out
}

func (r Report) Skipped() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Outcome == OutcomeSkipped {
			out = append(out, res)
		}
	}
	return out
}

func (r Report) Permitted() bool {
	return len(r.Errors()) == 0
}

// Err is a *records.ValidationError when any validator failed.
func (r Report) Err() error {
	if errs := r.Errors(); len(errs) > 0 {
		return &records.ValidationError{Items: errs}
	}
	return nil
}

type Options struct {
	Logger           logging.Logger
	SubscriberBuffer int
	Now              func() time.Time
}

// Machine is the WorkflowStateMachine.
type Machine struct {
	table    *Table
	registry *Registry
	store    Store
	results  *Results
	logger   logging.Logger
	now      func() time.Time
	buffer   int

	mu     sync.Mutex
	nextID int
	subs   map[int]chan StateChange
}

// New fails when the table names a validator the registry lacks.
func New(table *Table, registry *Registry, store Store, opts Options) (*Machine, error) {
	if err := registry.Resolve(table); err != nil {
		return nil, err
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 32
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{
		table:    table,
		registry: registry,
		store:    store,
		results:  NewResults(store),
		logger:   logging.OrNop(opts.Logger).With("component", "workflow"),
		now:      opts.Now,
		buffer:   opts.SubscriberBuffer,
		subs:     map[int]chan StateChange{},
	}, nil
}

func (m *Machine) Table() *Table {
	return m.table
}

func (m *Machine) Results() *Results {
	return m.results
}

// Subscribe returns state changes as they are applied. Sends never block;
// a full subscriber misses events.
func (m *Machine) Subscribe() (<-chan StateChange, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan StateChange, m.buffer)
	m.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

func (m *Machine) publish(change StateChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- change:
		default:
			m.logger.Warn("dropping state change for slow subscriber", "doc_id", change.DocumentID)
		}
	}
}

// AvailableTransitions lists the neighbouring states a document may be
// moved to. Excluded documents have none.
func (m *Machine) AvailableTransitions(doc records.Document) []StateDef {
	if doc.Markers.Has(records.MarkerExcluded) {
		return nil
	}
	i, ok := m.table.index[doc.State]
	if !ok {
		return []StateDef{m.table.Initial()}
	}
	var out []StateDef
	if i > 0 {
		out = append(out, m.table.States[i-1])
	}
	if i+1 < len(m.table.States) {
		out = append(out, m.table.States[i+1])
	}
	return out
}

// ValidateTransition runs the exit validators of the current state and the
// enter validators of target. Auto-corrections are written through before
// later validators run. The error is a *records.ValidationError when any
// validator failed.
func (m *Machine) ValidateTransition(ctx context.Context, doc records.Document, target int) (Report, error) {
	if _, ok := m.table.State(target); !ok {
		return Report{}, fmt.Errorf("%w: unknown workflow state %d", records.ErrInvalidInput, target)
	}
	if doc.State == target {
		return Report{}, fmt.Errorf("%w: document %s is already in %s", records.ErrInvalidInput, doc.ID, m.table.Name(target))
	}
	report := Report{From: doc.State, To: target, Document: doc}
	for _, kind := range m.table.Required(doc.State, target) {
		res, current, err := m.run(ctx, report.Document, kind, target)
		if err != nil {
			return report, err
		}
		report.Document = current
		report.Results = append(report.Results, res)
	}
	return report, report.Err()
}

// RunValidator runs one validator against doc outside a transition and
// stores its result.
func (m *Machine) RunValidator(ctx context.Context, doc records.Document, kind ValidatorKind) (Result, records.Document, error) {
	return m.run(ctx, doc, kind, doc.State)
}

func (m *Machine) run(ctx context.Context, doc records.Document, kind ValidatorKind, target int) (Result, records.Document, error) {
	v, ok := m.registry.Get(kind)
	if !ok {
		return Result{}, doc, fmt.Errorf("%w: validator %s is not registered", records.ErrInvalidInput, kind)
	}
	res := m.validate(ctx, v, Input{Document: doc, From: doc.State, To: target, View: m.store})
	metrics.RecordValidation(string(kind), string(res.Outcome))

	if res.Corrected != nil {
		updated, err := m.store.UpdateDocument(ctx, doc.ID, correctionPatch(*res.Corrected), records.RevisionString(doc.UpdatedAt))
		if err != nil {
			return res, doc, fmt.Errorf("apply %s correction to %s: %w", kind, doc.ID, err)
		}
		m.logger.Info("validator corrected document", "doc_id", doc.ID, "validator", kind)
		doc = updated
		res.Corrected = &updated
	}
	if res.Outcome == OutcomeSkipped {
		m.logger.Warn("validation skipped", "doc_id", doc.ID, "validator", kind, "reason", res.Reason)
	}
	if _, err := m.results.Store(ctx, doc, res); err != nil {
		m.logger.Warn("failed to store validation result", "doc_id", doc.ID, "validator", kind, "error", err)
	}
	return res, doc, nil
}

func (m *Machine) validate(ctx context.Context, v Validator, in Input) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("validator panicked", "validator", v.Kind(), "doc_id", in.Document.ID, "panic", fmt.Sprint(p))
			res = fail(v.Kind(), "validator crashed")
		}
	}()
	res = v.Validate(ctx, in)
	res.Validator = v.Kind()
	return res
}

func correctionPatch(doc records.Document) map[string]any {
	return map[string]any{
		"pageRanges": doc.PageRanges,
		"startPage":  doc.StartPage,
		"endPage":    doc.EndPage,
	}
}

// ApplyTransition validates and then writes the new state conditioned on
// the revision the validators saw.
func (m *Machine) ApplyTransition(ctx context.Context, doc records.Document, target int, actor string) (records.Document, Report, error) {
	report, err := m.ValidateTransition(ctx, doc, target)
	if err != nil {
		if report.Results != nil {
			metrics.RecordTransition("rejected")
		} else {
			metrics.RecordTransition("error")
		}
		return report.Document, report, err
	}
	current := report.Document
	updated, err := m.store.UpdateDocument(ctx, doc.ID, map[string]any{"state": target}, records.RevisionString(current.UpdatedAt))
	if err != nil {
		if records.Classify(err) == records.ClassConflict {
			metrics.RecordTransition("conflict")
		} else {
			metrics.RecordTransition("error")
		}
		return current, report, fmt.Errorf("apply transition %s -> %s: %w", m.table.Name(doc.State), m.table.Name(target), err)
	}
	metrics.RecordTransition("applied")
	m.logger.Info("document transitioned", "doc_id", doc.ID, "from", m.table.Name(doc.State), "to", m.table.Name(target), "actor", actor)

	m.clearStaleResults(ctx, updated)
	m.publish(StateChange{DocumentID: doc.ID, Previous: doc.State, Current: target, Actor: actor, At: m.now()})
	return updated, report, nil
}

// clearStaleResults drops results of validators whose first entering
// state is after the document's new state.
func (m *Machine) clearStaleResults(ctx context.Context, doc records.Document) {
	for _, kind := range m.table.Kinds() {
		states := m.table.StatesRequiring(kind)
		if len(states) == 0 {
			continue
		}
		sort.Ints(states)
		if doc.State >= states[0] {
			continue
		}
		if err := m.results.Clear(ctx, doc.ID, kind); err != nil {
			m.logger.Warn("failed to clear stale validation result", "doc_id", doc.ID, "validator", kind, "error", err)
		}
	}
}
