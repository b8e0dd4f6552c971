// Package schema describes the recipe columns, their property types and PLC
// register mapping, and the actions a recipe step can perform.
package schema

import (
	"fmt"
	"math"
	"strings"
)

// ColumnKey identifies a recipe column.
type ColumnKey string

// Columns every schema relies on.
const (
	ActionKey       ColumnKey = "action"
	TaskKey         ColumnKey = "task"
	StepDurationKey ColumnKey = "step_duration"
)

// Kind is the value type of a property.
type Kind int

const (
	KindInt16 Kind = iota
	KindEnum
	KindFloat32
	KindText
)

var kindNames = map[Kind]string{
	KindInt16:   "int16",
	KindEnum:    "enum",
	KindFloat32: "float32",
	KindText:    "text",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind converts a schema kind name into a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown property kind %q", s)
}

// Integer reports whether values of this kind travel in the Int area.
func (k Kind) Integer() bool {
	return k == KindInt16 || k == KindEnum
}

// EnumValue is one allowed value of an enum property.
type EnumValue struct {
	ID   int16
	Name string
}

// PropertyType is the declared type of a column together with its rule.
type PropertyType struct {
	Kind Kind

	// Min and Max bound int16 and float32 values when set.
	Min *float64
	Max *float64

	// Values lists the allowed enum ids. The first one is the default.
	Values []EnumValue

	// MaxLength bounds text values when positive.
	MaxLength int
}

// CheckInt reports why v violates the type's rule, or nil.
func (t *PropertyType) CheckInt(v int16) error {
	switch t.Kind {
	case KindEnum:
		if _, ok := t.EnumName(v); !ok {
			return fmt.Errorf("%d is not a valid choice", v)
		}
		return nil
	case KindInt16:
		return t.checkRange(float64(v))
	default:
		return fmt.Errorf("%s property does not hold integers", t.Kind)
	}
}

// CheckFloat reports why v violates the type's rule, or nil.
func (t *PropertyType) CheckFloat(v float32) error {
	if t.Kind != KindFloat32 {
		return fmt.Errorf("%s property does not hold floats", t.Kind)
	}
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%v is not a finite number", v)
	}
	// Bounds are compared at float32 precision so a bound is always accepted.
	if t.Min != nil && v < float32(*t.Min) {
		return fmt.Errorf("%v is below minimum %v", v, *t.Min)
	}
	if t.Max != nil && v > float32(*t.Max) {
		return fmt.Errorf("%v is above maximum %v", v, *t.Max)
	}
	return nil
}

// CheckText reports why s violates the type's rule, or nil.
func (t *PropertyType) CheckText(s string) error {
	if t.Kind != KindText {
		return fmt.Errorf("%s property does not hold text", t.Kind)
	}
	if t.MaxLength > 0 && len([]rune(s)) > t.MaxLength {
		return fmt.Errorf("text longer than %d characters", t.MaxLength)
	}
	return nil
}

func (t *PropertyType) checkRange(v float64) error {
	if t.Min != nil && v < *t.Min {
		return fmt.Errorf("%v is below minimum %v", v, *t.Min)
	}
	if t.Max != nil && v > *t.Max {
		return fmt.Errorf("%v is above maximum %v", v, *t.Max)
	}
	return nil
}

// AllowsZero reports whether the zero register value is a legal value.
func (t *PropertyType) AllowsZero() bool {
	switch t.Kind {
	case KindFloat32:
		return t.CheckFloat(0) == nil
	case KindInt16, KindEnum:
		return t.CheckInt(0) == nil
	default:
		return true
	}
}

// DefaultInt is the value a fresh int16 or enum property starts with:
// the first enum value, or zero clamped into range.
func (t *PropertyType) DefaultInt() int16 {
	if t.Kind == KindEnum {
		if len(t.Values) > 0 {
			return t.Values[0].ID
		}
		return 0
	}
	return int16(t.clampZero())
}

// DefaultFloat is zero clamped into the type's range.
func (t *PropertyType) DefaultFloat() float32 {
	return float32(t.clampZero())
}

func (t *PropertyType) clampZero() float64 {
	switch {
	case t.Min != nil && *t.Min > 0:
		return math.Ceil(*t.Min)
	case t.Max != nil && *t.Max < 0:
		return math.Floor(*t.Max)
	}
	return 0
}

// EnumName returns the display name of an enum id.
func (t *PropertyType) EnumName(id int16) (string, bool) {
	for _, v := range t.Values {
		if v.ID == id {
			return v.Name, true
		}
	}
	return "", false
}

// Area is a PLC register address space.
type Area int

const (
	AreaInt Area = iota
	AreaFloat
)

func (a Area) String() string {
	switch a {
	case AreaInt:
		return "int"
	case AreaFloat:
		return "float"
	}
	return fmt.Sprintf("Area(%d)", int(a))
}

// Mapping places a column inside one register area.
type Mapping struct {
	Area  Area
	Index int
}

// Column is one recipe column. PLC is nil when the column is not sent to the PLC.
type Column struct {
	Key  ColumnKey
	Name string
	Type *PropertyType
	PLC  *Mapping
}

// DeployDuration tells whether a step occupies wall-clock time.
type DeployDuration int

const (
	Immediate DeployDuration = iota
	LongLasting
)

func (d DeployDuration) String() string {
	if d == LongLasting {
		return "long_lasting"
	}
	return "immediate"
}

// LoopRole marks the actions that open and close a repeat block.
type LoopRole int

const (
	LoopNone LoopRole = iota
	LoopStart
	LoopEnd
)

func (r LoopRole) String() string {
	switch r {
	case LoopStart:
		return "start"
	case LoopEnd:
		return "end"
	}
	return "none"
}

// ActionDefinition describes one action and the columns it uses.
type ActionDefinition struct {
	ID      int16
	Name    string
	Deploy  DeployDuration
	Loop    LoopRole
	Columns []ColumnKey
}

// Supports reports whether steps of this action carry the column.
// The action column is supported by every action.
func (a *ActionDefinition) Supports(key ColumnKey) bool {
	if key == ActionKey {
		return true
	}
	for _, k := range a.Columns {
		if k == key {
			return true
		}
	}
	return false
}
