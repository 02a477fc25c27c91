package workflow

import (
	"fmt"

	"github.com/agentworkforce/relaydocs/internal/records"
)

// Registry maps each ValidatorKind to its implementation.
type Registry struct {
	validators map[ValidatorKind]Validator
}

// NewRegistry registers validators. Registering a kind twice is an error.
func NewRegistry(validators ...Validator) (*Registry, error) {
	r := &Registry{validators: make(map[ValidatorKind]Validator, len(validators))}
	for _, v := range validators {
		kind := v.Kind()
		if _, err := ParseValidatorKind(string(kind)); err != nil {
			return nil, err
		}
		if _, dup := r.validators[kind]; dup {
			return nil, fmt.Errorf("%w: validator %s registered twice", records.ErrInvalidInput, kind)
		}
		r.validators[kind] = v
	}
	return r, nil
}

// DefaultRegistry registers every built-in validator.
func DefaultRegistry(inspector Inspector) *Registry {
	r, err := NewRegistry(
		PageRangeValidator{Inspector: inspector},
		CoverageValidator{},
		LayoutAssignedValidator{},
		MarkersValidator{},
		FileVerifiedValidator{Inspector: inspector},
	)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Get(kind ValidatorKind) (Validator, bool) {
	v, ok := r.validators[kind]
	return v, ok
}

// Resolve fails when the table names a validator with no implementation.
func (r *Registry) Resolve(t *Table) error {
	for _, kind := range t.Kinds() {
		if _, ok := r.validators[kind]; !ok {
			return fmt.Errorf("%w: workflow table requires validator %s which is not registered", records.ErrInvalidInput, kind)
		}
	}
	return nil
}
