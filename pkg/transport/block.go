package transport

import (
	"context"
	"fmt"

	herrors "mbe-recipe-host/pkg/errors"
)

// Layout places a recipe inside the PLC's holding registers.
type Layout struct {
	RowCountRegister int
	IntBase          int
	FloatBase        int
	MaxRows          int
}

// Block is a recipe in register form.
type Block struct {
	Rows   int
	Ints   []uint16
	Floats []uint16
}

// Check verifies that the row count register and both areas, sized for
// MaxRows rows, fit the address space without overlapping.
func (l Layout) Check(intStride, floatStride int) error {
	if l.MaxRows < 1 {
		return herrors.New(herrors.ErrProtocolCapacity, "recipe area holds no rows")
	}
	type span struct {
		name       string
		start, end int
	}
	spans := []span{
		{"row count register", l.RowCountRegister, l.RowCountRegister + 1},
		{"int area", l.IntBase, l.IntBase + l.MaxRows*intStride},
		{"float area", l.FloatBase, l.FloatBase + l.MaxRows*floatStride*2},
	}
	for i, a := range spans {
		if a.start < 0 || a.end > 0x10000 {
			return herrors.New(herrors.ErrProtocolCapacity,
				fmt.Sprintf("%s %d..%d outside the address space", a.name, a.start, a.end-1))
		}
		for _, b := range spans[i+1:] {
			if a.start < b.end && b.start < a.end && a.start != a.end && b.start != b.end {
				return herrors.New(herrors.ErrProtocolCapacity,
					fmt.Sprintf("%s overlaps %s", a.name, b.name))
			}
		}
	}
	return nil
}

// WriteRecipe writes a block. The row count is cleared first and set last, so
// a reader never sees a row count covering partially written data.
func WriteRecipe(ctx context.Context, regs Registers, l Layout, b Block) error {
	if b.Rows < 0 || b.Rows > l.MaxRows || b.Rows > 0xffff {
		return herrors.New(herrors.ErrProtocolCapacity,
			fmt.Sprintf("recipe of %d rows exceeds capacity of %d", b.Rows, l.MaxRows)).
			SetContext("rows", b.Rows)
	}
	if err := regs.WriteRegisters(ctx, l.RowCountRegister, []uint16{0}); err != nil {
		return err
	}
	if err := regs.WriteRegisters(ctx, l.IntBase, b.Ints); err != nil {
		return err
	}
	if err := regs.WriteRegisters(ctx, l.FloatBase, b.Floats); err != nil {
		return err
	}
	return regs.WriteRegisters(ctx, l.RowCountRegister, []uint16{uint16(b.Rows)})
}

// ReadRecipe reads the row count, then exactly the registers those rows occupy.
func ReadRecipe(ctx context.Context, regs Registers, l Layout, intStride, floatStride int) (Block, error) {
	head, err := regs.ReadRegisters(ctx, l.RowCountRegister, 1)
	if err != nil {
		return Block{}, err
	}
	if len(head) != 1 {
		return Block{}, herrors.New(herrors.ErrTransportIO, "row count read returned no data")
	}
	rows := int(head[0])
	if rows > l.MaxRows {
		return Block{}, herrors.RowCountError(l.RowCountRegister, rows, l.MaxRows)
	}

	b := Block{Rows: rows}
	if b.Ints, err = regs.ReadRegisters(ctx, l.IntBase, rows*intStride); err != nil {
		return Block{}, err
	}
	if b.Floats, err = regs.ReadRegisters(ctx, l.FloatBase, rows*floatStride*2); err != nil {
		return Block{}, err
	}
	return b, nil
}
