// Package recipe holds the immutable recipe model: typed properties, steps
// built per action, and the ordered recipe itself.
package recipe

import (
	"fmt"
	"strconv"

	herrors "mbe-recipe-host/pkg/errors"
	"mbe-recipe-host/pkg/schema"
)

// Property is an immutable typed value checked against its column's rule.
type Property struct {
	column schema.ColumnKey
	typ    *schema.PropertyType
	i      int16
	f      float32
	s      string
}

// NewInt builds an int16 or enum property.
func NewInt(col *schema.Column, v int16) (Property, error) {
	if err := col.Type.CheckInt(v); err != nil {
		return Property{}, herrors.ValidationError(string(col.Key), err.Error())
	}
	return Property{column: col.Key, typ: col.Type, i: v}, nil
}

// NewFloat builds a float32 property.
func NewFloat(col *schema.Column, v float32) (Property, error) {
	if err := col.Type.CheckFloat(v); err != nil {
		return Property{}, herrors.ValidationError(string(col.Key), err.Error())
	}
	return Property{column: col.Key, typ: col.Type, f: v}, nil
}

// NewText builds a text property.
func NewText(col *schema.Column, v string) (Property, error) {
	if err := col.Type.CheckText(v); err != nil {
		return Property{}, herrors.ValidationError(string(col.Key), err.Error())
	}
	return Property{column: col.Key, typ: col.Type, s: v}, nil
}

// Default returns the type default for a column.
func Default(col *schema.Column) Property {
	p := Property{column: col.Key, typ: col.Type}
	switch col.Type.Kind {
	case schema.KindInt16, schema.KindEnum:
		p.i = col.Type.DefaultInt()
	case schema.KindFloat32:
		p.f = col.Type.DefaultFloat()
	}
	return p
}

// Column returns the key of the column the property belongs to.
func (p Property) Column() schema.ColumnKey { return p.column }

// Type returns the property's declared type.
func (p Property) Type() *schema.PropertyType { return p.typ }

// Int returns the value of an int16 or enum property.
func (p Property) Int() int16 { return p.i }

// Float returns the value of a float32 property.
func (p Property) Float() float32 { return p.f }

// Text returns the value of a text property.
func (p Property) Text() string { return p.s }

// Seconds returns a numeric value as float64. Text yields 0.
func (p Property) Seconds() float64 {
	switch p.typ.Kind {
	case schema.KindFloat32:
		return float64(p.f)
	case schema.KindInt16, schema.KindEnum:
		return float64(p.i)
	}
	return 0
}

// WithInt returns a new property of the same column holding v.
func (p Property) WithInt(v int16) (Property, error) {
	if err := p.typ.CheckInt(v); err != nil {
		return p, herrors.ValidationError(string(p.column), err.Error())
	}
	p.i = v
	return p, nil
}

// WithFloat returns a new property of the same column holding v.
func (p Property) WithFloat(v float32) (Property, error) {
	if err := p.typ.CheckFloat(v); err != nil {
		return p, herrors.ValidationError(string(p.column), err.Error())
	}
	p.f = v
	return p, nil
}

// WithText returns a new property of the same column holding v.
func (p Property) WithText(v string) (Property, error) {
	if err := p.typ.CheckText(v); err != nil {
		return p, herrors.ValidationError(string(p.column), err.Error())
	}
	p.s = v
	return p, nil
}

// Equal reports whether both properties hold the same value for the same column.
func (p Property) Equal(o Property) bool {
	return p.column == o.column && p.i == o.i && p.f == o.f && p.s == o.s
}

func (p Property) String() string {
	if p.typ == nil {
		return "<nil>"
	}
	switch p.typ.Kind {
	case schema.KindEnum:
		if name, ok := p.typ.EnumName(p.i); ok {
			return name
		}
		return strconv.Itoa(int(p.i))
	case schema.KindInt16:
		return strconv.Itoa(int(p.i))
	case schema.KindFloat32:
		return strconv.FormatFloat(float64(p.f), 'g', -1, 32)
	case schema.KindText:
		return p.s
	}
	return fmt.Sprintf("%v", p.typ.Kind)
}
