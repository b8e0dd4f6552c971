package recipe

import (
	"fmt"
	"math"
	"sort"

	herrors "mbe-recipe-host/pkg/errors"
	"mbe-recipe-host/pkg/schema"
)

// Step is one recipe row: an action plus the properties of the columns that
// action supports.
type Step struct {
	action *schema.ActionDefinition
	props  map[schema.ColumnKey]Property
}

// Action returns the step's action definition.
func (s Step) Action() *schema.ActionDefinition { return s.action }

// ActionID returns the numeric id of the step's action.
func (s Step) ActionID() int16 {
	if s.action == nil {
		return 0
	}
	return s.action.ID
}

// Deploy returns the step's deploy duration class.
func (s Step) Deploy() schema.DeployDuration { return s.action.Deploy }

// Loop returns the step's loop role.
func (s Step) Loop() schema.LoopRole { return s.action.Loop }

// Get returns the property of a column, if the action supports it.
func (s Step) Get(key schema.ColumnKey) (Property, bool) {
	p, ok := s.props[key]
	return p, ok
}

// Keys returns the keys of present properties in sorted order.
func (s Step) Keys() []schema.ColumnKey {
	keys := make([]schema.ColumnKey, 0, len(s.props))
	for k := range s.props {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// With returns a copy of the step with one property replaced.
func (s Step) With(p Property) (Step, error) {
	if _, ok := s.props[p.column]; !ok {
		return s, herrors.ValidationError(string(p.column),
			fmt.Sprintf("not supported by action %q", s.action.Name))
	}
	props := make(map[schema.ColumnKey]Property, len(s.props))
	for k, v := range s.props {
		props[k] = v
	}
	props[p.column] = p
	return Step{action: s.action, props: props}, nil
}

// Mapped returns a copy of the step holding only the action and the
// properties of PLC-mapped columns: what survives a trip through the
// registers.
func (s Step) Mapped(reg *schema.Registry) Step {
	props := make(map[schema.ColumnKey]Property, len(s.props))
	for k, v := range s.props {
		if col, ok := reg.Column(k); k == schema.ActionKey || (ok && col.PLC != nil) {
			props[k] = v
		}
	}
	return Step{action: s.action, props: props}
}

// Equal compares action and property values.
func (s Step) Equal(o Step) bool {
	if s.ActionID() != o.ActionID() || len(s.props) != len(o.props) {
		return false
	}
	for k, p := range s.props {
		q, ok := o.props[k]
		if !ok || !p.Equal(q) {
			return false
		}
	}
	return true
}

// Builder assembles a Step for one action.
type Builder struct {
	reg    *schema.Registry
	action *schema.ActionDefinition
	props  map[schema.ColumnKey]Property
}

// NewBuilder returns a builder pre-populated with the defaults of every
// column the action supports.
func NewBuilder(reg *schema.Registry, actionID int16) (*Builder, error) {
	action, ok := reg.Action(actionID)
	if !ok {
		return nil, herrors.ValidationError(string(schema.ActionKey),
			fmt.Sprintf("unknown action id %d", actionID))
	}
	b := &Builder{reg: reg, action: action, props: make(map[schema.ColumnKey]Property)}

	actionCol, _ := reg.Column(schema.ActionKey)
	p, err := NewInt(actionCol, actionID)
	if err != nil {
		return nil, err
	}
	b.props[schema.ActionKey] = p

	for _, key := range action.Columns {
		col, _ := reg.Column(key)
		b.props[key] = Default(col)
	}
	return b, nil
}

// Action returns the action being built.
func (b *Builder) Action() *schema.ActionDefinition { return b.action }

// Set stores a property. Columns the action does not support are rejected.
func (b *Builder) Set(p Property) error {
	if p.column == schema.ActionKey {
		return herrors.ValidationError(string(p.column), "action is fixed by the builder")
	}
	if !b.action.Supports(p.column) {
		return herrors.ValidationError(string(p.column),
			fmt.Sprintf("not supported by action %q", b.action.Name))
	}
	b.props[p.column] = p
	return nil
}

// SetInt converts v to a property of the column and stores it.
func (b *Builder) SetInt(key schema.ColumnKey, v int16) error {
	col, err := b.column(key)
	if err != nil {
		return err
	}
	var p Property
	if col.Type.Kind == schema.KindFloat32 {
		p, err = NewFloat(col, float32(v))
	} else {
		p, err = NewInt(col, v)
	}
	if err != nil {
		return err
	}
	return b.Set(p)
}

// SetFloat converts v to a property of the column and stores it. Integer
// columns only accept whole values within int16.
func (b *Builder) SetFloat(key schema.ColumnKey, v float32) error {
	col, err := b.column(key)
	if err != nil {
		return err
	}
	var p Property
	if col.Type.Kind.Integer() {
		f := float64(v)
		if f != math.Trunc(f) || f < math.MinInt16 || f > math.MaxInt16 {
			return herrors.ValidationError(string(key), fmt.Sprintf("%v is not a 16-bit integer", v))
		}
		p, err = NewInt(col, int16(f))
	} else {
		p, err = NewFloat(col, v)
	}
	if err != nil {
		return err
	}
	return b.Set(p)
}

// SetText stores a text property.
func (b *Builder) SetText(key schema.ColumnKey, v string) error {
	col, err := b.column(key)
	if err != nil {
		return err
	}
	p, err := NewText(col, v)
	if err != nil {
		return err
	}
	return b.Set(p)
}

func (b *Builder) column(key schema.ColumnKey) (*schema.Column, error) {
	col, ok := b.reg.Column(key)
	if !ok {
		return nil, herrors.ValidationError(string(key), "unknown column")
	}
	return col, nil
}

// Build returns the step. The builder can keep being used afterwards.
func (b *Builder) Build() Step {
	props := make(map[schema.ColumnKey]Property, len(b.props))
	for k, v := range b.props {
		props[k] = v
	}
	return Step{action: b.action, props: props}
}
