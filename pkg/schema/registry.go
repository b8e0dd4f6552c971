package schema

import (
	"sort"
	"strings"

	herrors "mbe-recipe-host/pkg/errors"
)

// Registry is the immutable column and action lookup built once at startup
// and passed to every component that needs it.
type Registry struct {
	columns []Column
	byKey   map[ColumnKey]int

	actions []ActionDefinition
	byID    map[int16]int
	byName  map[string]int

	mapped      map[Area][]Column
	intStride   int
	floatStride int

	loopStart int16
	loopEnd   int16
}

// NewRegistry checks the schema invariants and builds the lookup tables.
// The slices are copied; later changes by the caller have no effect.
func NewRegistry(columns []Column, actions []ActionDefinition) (*Registry, error) {
	r := &Registry{
		byKey:  make(map[ColumnKey]int, len(columns)),
		byID:   make(map[int16]int, len(actions)),
		byName: make(map[string]int, len(actions)),
		mapped: make(map[Area][]Column),
	}

	for _, c := range columns {
		if c.Key == "" {
			return nil, herrors.SchemaError("column with empty key")
		}
		if _, dup := r.byKey[c.Key]; dup {
			return nil, herrors.SchemaError("duplicate column %q", c.Key)
		}
		if c.Type == nil {
			return nil, herrors.SchemaError("column %q has no type", c.Key)
		}
		typ := *c.Type
		typ.Values = append([]EnumValue(nil), c.Type.Values...)
		c.Type = &typ
		if c.PLC != nil {
			m := *c.PLC
			c.PLC = &m
		}
		r.byKey[c.Key] = len(r.columns)
		r.columns = append(r.columns, c)
	}

	for _, a := range actions {
		if _, dup := r.byID[a.ID]; dup {
			return nil, herrors.SchemaError("duplicate action id %d", a.ID)
		}
		name := strings.ToLower(a.Name)
		if _, dup := r.byName[name]; dup || name == "" {
			return nil, herrors.SchemaError("action %d: missing or duplicate name %q", a.ID, a.Name)
		}
		for _, key := range a.Columns {
			if _, ok := r.byKey[key]; !ok {
				return nil, herrors.SchemaError("action %q uses unknown column %q", a.Name, key)
			}
		}
		a.Columns = append([]ColumnKey(nil), a.Columns...)
		r.byID[a.ID] = len(r.actions)
		r.byName[name] = len(r.actions)
		r.actions = append(r.actions, a)
	}

	if err := r.checkActionColumn(); err != nil {
		return nil, err
	}
	if err := r.checkMappings(); err != nil {
		return nil, err
	}
	if err := r.checkLoopActions(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) checkActionColumn() error {
	i, ok := r.byKey[ActionKey]
	if !ok {
		return herrors.SchemaError("column %q is required", ActionKey)
	}
	col := &r.columns[i]
	if !col.Type.Kind.Integer() {
		return herrors.SchemaError("column %q must be int16 or enum, got %s", ActionKey, col.Type.Kind)
	}
	if col.PLC == nil || col.PLC.Area != AreaInt {
		return herrors.SchemaError("column %q must be mapped to the int area", ActionKey)
	}
	// An enum action column without explicit values lists the actions.
	if col.Type.Kind == KindEnum && len(col.Type.Values) == 0 {
		for _, a := range r.actions {
			col.Type.Values = append(col.Type.Values, EnumValue{ID: a.ID, Name: a.Name})
		}
	}
	return nil
}

func (r *Registry) checkMappings() error {
	for _, c := range r.columns {
		if c.PLC == nil {
			continue
		}
		switch {
		case c.PLC.Index < 0:
			return herrors.SchemaError("column %q: negative register index %d", c.Key, c.PLC.Index)
		case c.Type.Kind == KindText:
			return herrors.SchemaError("column %q: text columns cannot be mapped", c.Key)
		case c.PLC.Area == AreaFloat && c.Type.Kind != KindFloat32:
			return herrors.SchemaError("column %q: float area needs a float32 column", c.Key)
		case c.PLC.Area == AreaInt && !c.Type.Kind.Integer():
			return herrors.SchemaError("column %q: int area needs an int16 or enum column", c.Key)
		}
		r.mapped[c.PLC.Area] = append(r.mapped[c.PLC.Area], c)
	}

	for _, area := range []Area{AreaInt, AreaFloat} {
		cols := r.mapped[area]
		sort.Slice(cols, func(i, j int) bool { return cols[i].PLC.Index < cols[j].PLC.Index })
		for i, c := range cols {
			if c.PLC.Index != i {
				return herrors.SchemaError("%s area: index %d of column %q breaks the contiguous 0..%d sequence",
					area, c.PLC.Index, c.Key, len(cols)-1)
			}
		}
	}
	r.intStride = len(r.mapped[AreaInt])
	r.floatStride = len(r.mapped[AreaFloat])
	return nil
}

func (r *Registry) checkLoopActions() error {
	var starts, ends []*ActionDefinition
	for i := range r.actions {
		switch r.actions[i].Loop {
		case LoopStart:
			starts = append(starts, &r.actions[i])
		case LoopEnd:
			ends = append(ends, &r.actions[i])
		}
	}
	if len(starts) != 1 || len(ends) != 1 {
		return herrors.SchemaError("need exactly one loop start and one loop end action, got %d and %d",
			len(starts), len(ends))
	}
	if !starts[0].Supports(TaskKey) {
		return herrors.SchemaError("loop start action %q must support column %q", starts[0].Name, TaskKey)
	}
	r.loopStart = starts[0].ID
	r.loopEnd = ends[0].ID
	return nil
}

// Column looks up a column by key.
func (r *Registry) Column(key ColumnKey) (*Column, bool) {
	i, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	return &r.columns[i], true
}

// Action looks up an action by id.
func (r *Registry) Action(id int16) (*ActionDefinition, bool) {
	i, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return &r.actions[i], true
}

// ActionByName looks up an action by name, ignoring case.
func (r *Registry) ActionByName(name string) (*ActionDefinition, bool) {
	i, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return &r.actions[i], true
}

// Columns returns the columns in schema order.
func (r *Registry) Columns() []Column {
	return append([]Column(nil), r.columns...)
}

// Actions returns the actions in schema order.
func (r *Registry) Actions() []ActionDefinition {
	return append([]ActionDefinition(nil), r.actions...)
}

// Mapped returns the columns of one area ordered by register index.
func (r *Registry) Mapped(area Area) []Column {
	return append([]Column(nil), r.mapped[area]...)
}

// IntStride is the number of Int registers per recipe row.
func (r *Registry) IntStride() int { return r.intStride }

// FloatStride is the number of float values per recipe row. Each value
// takes two registers.
func (r *Registry) FloatStride() int { return r.floatStride }

// LoopStartAction returns the action that opens a repeat block.
func (r *Registry) LoopStartAction() *ActionDefinition {
	a, _ := r.Action(r.loopStart)
	return a
}

// LoopEndAction returns the action that closes a repeat block.
func (r *Registry) LoopEndAction() *ActionDefinition {
	a, _ := r.Action(r.loopEnd)
	return a
}

// EnumName returns the display name of an enum id in the given column.
func (r *Registry) EnumName(key ColumnKey, id int16) (string, bool) {
	c, ok := r.Column(key)
	if !ok || c.Type.Kind != KindEnum {
		return "", false
	}
	return c.Type.EnumName(id)
}
