package workflow

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaydocs/internal/records"
)

//go:embed table.schema.json
var tableSchema []byte

//go:embed default_table.yaml
var defaultTable []byte

// StateDef configures one workflow state.
type StateDef struct {
	Value           int             `yaml:"value"`
	Name            string          `yaml:"name"`
	RequiredToEnter []ValidatorKind `yaml:"requiredToEnter,omitempty"`
	RequiredToExit  []ValidatorKind `yaml:"requiredToExit,omitempty"`
}

// Table is the ordered workflow from intake to the terminal state.
type Table struct {
	Version int        `yaml:"version"`
	States  []StateDef `yaml:"states"`

	index map[int]int
}

// DefaultTable returns the built-in workflow.
func DefaultTable() *Table {
	t, err := ParseTable(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("workflow: built-in table is invalid: %v", err))
	}
	return t
}

// LoadTable reads a YAML workflow table. An empty path yields DefaultTable.
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow table: %w", err)
	}
	t, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseTable checks data against the table schema, then decodes it.
// State values must be strictly increasing.
func ParseTable(data []byte) (*Table, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: workflow table: %v", records.ErrInvalidInput, err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: workflow table: %v", records.ErrInvalidInput, err)
	}
	t.index = make(map[int]int, len(t.States))
	for i, s := range t.States {
		if i > 0 && s.Value <= t.States[i-1].Value {
			return nil, fmt.Errorf("%w: workflow state %q (%d) is not after %q (%d)", records.ErrInvalidInput, s.Name, s.Value, t.States[i-1].Name, t.States[i-1].Value)
		}
		t.index[s.Value] = i
	}
	return &t, nil
}

func validateSchema(raw any) error {
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(tableSchema))
	if err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("workflow-table.json", schemaDoc); err != nil {
		return err
	}
	sch, err := c.Compile("workflow-table.json")
	if err != nil {
		return err
	}
	// Round-trip through JSON so numbers and maps have the shapes the
	// validator expects.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: workflow table: %v", records.ErrInvalidInput, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: workflow table: %v", records.ErrInvalidInput, err)
	}
	return nil
}

func (t *Table) State(value int) (StateDef, bool) {
	i, ok := t.index[value]
	if !ok {
		return StateDef{}, false
	}
	return t.States[i], true
}

func (t *Table) Initial() StateDef {
	return t.States[0]
}

func (t *Table) Terminal() StateDef {
	return t.States[len(t.States)-1]
}

// Name returns the state's name, or its number when unknown.
func (t *Table) Name(value int) string {
	if s, ok := t.State(value); ok {
		return s.Name
	}
	return fmt.Sprintf("state-%d", value)
}

// Lookup resolves a state by name or by number.
func (t *Table) Lookup(nameOrValue string) (StateDef, bool) {
	for _, s := range t.States {
		if s.Name == nameOrValue || fmt.Sprint(s.Value) == nameOrValue {
			return s, true
		}
	}
	return StateDef{}, false
}

// Required returns requiredToExit of from followed by requiredToEnter of
// to, without duplicates.
func (t *Table) Required(from, to int) []ValidatorKind {
	var out []ValidatorKind
	seen := map[ValidatorKind]bool{}
	add := func(kinds []ValidatorKind) {
		for _, k := range kinds {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	if s, ok := t.State(from); ok {
		add(s.RequiredToExit)
	}
	if s, ok := t.State(to); ok {
		add(s.RequiredToEnter)
	}
	return out
}

// Kinds lists every validator the table references, sorted.
func (t *Table) Kinds() []ValidatorKind {
	seen := map[ValidatorKind]bool{}
	for _, s := range t.States {
		for _, k := range s.RequiredToEnter {
			seen[k] = true
		}
		for _, k := range s.RequiredToExit {
			seen[k] = true
		}
	}
	out := make([]ValidatorKind, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StatesRequiring returns the states whose requiredToEnter includes kind.
func (t *Table) StatesRequiring(kind ValidatorKind) []int {
	var out []int
	for _, s := range t.States {
		for _, k := range s.RequiredToEnter {
			if k == kind {
				out = append(out, s.Value)
				break
			}
		}
	}
	return out
}
