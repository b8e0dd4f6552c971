// Package codec converts recipe steps to and from the PLC's flat register
// arrays. Each area is row-major with a per-row stride of max(index)+1; a
// float value takes two consecutive registers.
package codec

import (
	"fmt"
	"math"
	"strings"

	herrors "mbe-recipe-host/pkg/errors"
	"mbe-recipe-host/pkg/recipe"
	"mbe-recipe-host/pkg/schema"
)

// WordOrder selects which half of a float32 goes into the first register.
type WordOrder int

const (
	HighWordFirst WordOrder = iota
	LowWordFirst
)

func (o WordOrder) String() string {
	if o == LowWordFirst {
		return "low_first"
	}
	return "high_first"
}

// ParseWordOrder accepts "high_first" or "low_first".
func ParseWordOrder(s string) (WordOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high_first", "high", "big":
		return HighWordFirst, nil
	case "low_first", "low", "little":
		return LowWordFirst, nil
	}
	return 0, fmt.Errorf("unknown word order %q", s)
}

// FloatToRegisters splits the IEEE-754 bits of f into two registers.
func FloatToRegisters(f float32, order WordOrder) [2]uint16 {
	bits := math.Float32bits(f)
	hi, lo := uint16(bits>>16), uint16(bits)
	if order == LowWordFirst {
		return [2]uint16{lo, hi}
	}
	return [2]uint16{hi, lo}
}

// RegistersToFloat joins two registers into a float32.
func RegistersToFloat(regs [2]uint16, order WordOrder) float32 {
	hi, lo := regs[0], regs[1]
	if order == LowWordFirst {
		hi, lo = lo, hi
	}
	return math.Float32frombits(uint32(hi)<<16 | uint32(lo))
}

// Encode writes every mapped property of every step into fresh register
// arrays. Columns a step's action does not support stay zero.
func Encode(steps []recipe.Step, reg *schema.Registry, order WordOrder) (ints, floats []uint16) {
	intStride, floatStride := reg.IntStride(), reg.FloatStride()
	ints = make([]uint16, len(steps)*intStride)
	floats = make([]uint16, len(steps)*floatStride*2)

	intCols := reg.Mapped(schema.AreaInt)
	floatCols := reg.Mapped(schema.AreaFloat)

	for row, step := range steps {
		for _, c := range intCols {
			if p, ok := step.Get(c.Key); ok {
				ints[row*intStride+c.PLC.Index] = uint16(p.Int())
			}
		}
		for _, c := range floatCols {
			if p, ok := step.Get(c.Key); ok {
				w := FloatToRegisters(p.Float(), order)
				at := row*floatStride*2 + c.PLC.Index*2
				floats[at] = w[0]
				floats[at+1] = w[1]
			}
		}
	}
	return ints, floats
}

// Decode rebuilds rows steps from register arrays. Decoded steps hold only
// the action and PLC-mapped columns. Reads past the end of an
// array yield zero. A zero register in a column whose rule excludes zero
// decodes to the column default; any other rule violation is an error naming
// the row and column.
func Decode(ints, floats []uint16, rows int, reg *schema.Registry, order WordOrder) ([]recipe.Step, error) {
	intStride, floatStride := reg.IntStride(), reg.FloatStride()
	actionCol, _ := reg.Column(schema.ActionKey)

	at := func(buf []uint16, i int) uint16 {
		if i < 0 || i >= len(buf) {
			return 0
		}
		return buf[i]
	}

	steps := make([]recipe.Step, 0, rows)
	for row := 0; row < rows; row++ {
		actionID := int16(at(ints, row*intStride+actionCol.PLC.Index))
		b, err := recipe.NewBuilder(reg, actionID)
		if err != nil {
			return nil, rowError(err, row)
		}

		for _, key := range b.Action().Columns {
			col, _ := reg.Column(key)
			if col.PLC == nil {
				continue
			}

			switch col.PLC.Area {
			case schema.AreaInt:
				raw := at(ints, row*intStride+col.PLC.Index)
				if raw == 0 && !col.Type.AllowsZero() {
					continue
				}
				err = b.SetInt(key, int16(raw))

			case schema.AreaFloat:
				base := row*floatStride*2 + col.PLC.Index*2
				w := [2]uint16{at(floats, base), at(floats, base+1)}
				if w == [2]uint16{} && !col.Type.AllowsZero() {
					continue
				}
				err = b.SetFloat(key, RegistersToFloat(w, order))
			}
			if err != nil {
				return nil, rowError(err, row)
			}
		}
		steps = append(steps, b.Build().Mapped(reg))
	}
	return steps, nil
}

func rowError(err error, row int) error {
	if he, ok := err.(*herrors.HostError); ok {
		return he.SetContext("row", row)
	}
	return herrors.Wrap(err, herrors.ErrValidation, "decode failed").SetContext("row", row)
}
