// Package transport moves register ranges of any length to and from the PLC
// in protocol-sized chunks, and reads and writes whole recipe blocks.
package transport

import (
	"context"
	"fmt"

	herrors "mbe-recipe-host/pkg/errors"
	"mbe-recipe-host/pkg/modbus"
)

// Registers reads and writes contiguous register ranges of any length.
type Registers interface {
	ReadRegisters(ctx context.Context, base, count int) ([]uint16, error)
	WriteRegisters(ctx context.Context, base int, data []uint16) error
}

// ChunkFunc observes every chunk request. err is nil on success.
type ChunkFunc func(op string, start, count int, err error)

// Chunker splits register ranges into requests of at most MaxChunk registers
// and issues them one at a time in address order. The first failing chunk
// aborts the operation.
type Chunker struct {
	Client   modbus.Client
	MaxChunk int
	OnChunk  ChunkFunc
}

// NewChunker returns a Chunker over client.
func NewChunker(client modbus.Client, maxChunk int) *Chunker {
	return &Chunker{Client: client, MaxChunk: maxChunk}
}

func (c *Chunker) limit(protocolMax int) int {
	if c.MaxChunk <= 0 || c.MaxChunk > protocolMax {
		return protocolMax
	}
	return c.MaxChunk
}

func checkRange(base, count int) error {
	if base < 0 || count < 0 || base+count > 0x10000 {
		return herrors.New(herrors.ErrTransportIO,
			fmt.Sprintf("register range %d+%d outside the 16-bit address space", base, count))
	}
	return nil
}

// ReadRegisters reads count registers starting at base.
func (c *Chunker) ReadRegisters(ctx context.Context, base, count int) ([]uint16, error) {
	if err := checkRange(base, count); err != nil {
		return nil, err
	}
	size := c.limit(modbus.MaxReadQuantity)
	out := make([]uint16, 0, count)

	for off := 0; off < count; off += size {
		n := min(size, count-off)
		start := base + off
		if err := ctx.Err(); err != nil {
			return nil, herrors.ChunkError("read", start, n, err)
		}
		values, err := c.Client.ReadHoldingRegisters(ctx, uint16(start), uint16(n))
		c.observe("read", start, n, err)
		if err != nil {
			return nil, herrors.ChunkError("read", start, n, err)
		}
		out = append(out, values...)
	}
	return out, nil
}

// WriteRegisters writes data starting at base.
func (c *Chunker) WriteRegisters(ctx context.Context, base int, data []uint16) error {
	if err := checkRange(base, len(data)); err != nil {
		return err
	}
	size := c.limit(modbus.MaxWriteQuantity)

	for off := 0; off < len(data); off += size {
		n := min(size, len(data)-off)
		start := base + off
		if err := ctx.Err(); err != nil {
			return herrors.ChunkError("write", start, n, err)
		}
		err := c.Client.WriteMultipleRegisters(ctx, uint16(start), data[off:off+n])
		c.observe("write", start, n, err)
		if err != nil {
			return herrors.ChunkError("write", start, n, err)
		}
	}
	return nil
}

func (c *Chunker) observe(op string, start, count int, err error) {
	if c.OnChunk != nil {
		c.OnChunk(op, start, count, err)
	}
}
