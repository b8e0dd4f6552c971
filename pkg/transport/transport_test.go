package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	herrors "mbe-recipe-host/pkg/errors"
	"mbe-recipe-host/pkg/modbus"
)

type call struct {
	op    string
	start int
	count int
}

// fakeClient is an in-memory register space that records every request.
type fakeClient struct {
	regs   []uint16
	calls  []call
	failAt int // 1-based call number to fail, 0 never
	err    error
}

func newFakeClient(size int) *fakeClient {
	f := &fakeClient{regs: make([]uint16, size)}
	for i := range f.regs {
		f.regs[i] = uint16(i * 3)
	}
	return f
}

func (f *fakeClient) fail() error {
	if f.failAt != 0 && len(f.calls) == f.failAt {
		return f.err
	}
	return nil
}

func (f *fakeClient) ReadHoldingRegisters(_ context.Context, addr, qty uint16) ([]uint16, error) {
	f.calls = append(f.calls, call{"read", int(addr), int(qty)})
	if qty > modbus.MaxReadQuantity {
		return nil, fmt.Errorf("oversized read of %d", qty)
	}
	if err := f.fail(); err != nil {
		return nil, err
	}
	return append([]uint16(nil), f.regs[addr:int(addr)+int(qty)]...), nil
}

func (f *fakeClient) WriteMultipleRegisters(_ context.Context, addr uint16, values []uint16) error {
	f.calls = append(f.calls, call{"write", int(addr), len(values)})
	if len(values) > modbus.MaxWriteQuantity {
		return fmt.Errorf("oversized write of %d", len(values))
	}
	if err := f.fail(); err != nil {
		return err
	}
	copy(f.regs[addr:], values)
	return nil
}

func (f *fakeClient) Close() error { return nil }

func TestChunkedRead(t *testing.T) {
	const maxChunk = 50
	f := newFakeClient(1000)
	c := NewChunker(f, maxChunk)

	var observed []call
	c.OnChunk = func(op string, start, count int, err error) {
		observed = append(observed, call{op, start, count})
	}

	got, err := c.ReadRegisters(context.Background(), 100, 2*maxChunk+7)
	if err != nil {
		t.Fatalf("ReadRegisters: %v", err)
	}

	want := []call{{"read", 100, 50}, {"read", 150, 50}, {"read", 200, 7}}
	if len(f.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", f.calls, want)
	}
	for i := range want {
		if f.calls[i] != want[i] || observed[i] != want[i] {
			t.Fatalf("calls = %v observed = %v, want %v", f.calls, observed, want)
		}
	}

	single := f.regs[100 : 100+2*maxChunk+7]
	if len(got) != len(single) {
		t.Fatalf("len = %d, want %d", len(got), len(single))
	}
	for i := range single {
		if got[i] != single[i] {
			t.Fatalf("register %d = %d, want %d", 100+i, got[i], single[i])
		}
	}
}

func TestChunkedWrite(t *testing.T) {
	f := newFakeClient(1000)
	c := NewChunker(f, 0) // protocol limit

	data := make([]uint16, 300)
	for i := range data {
		data[i] = uint16(0x8000 + i)
	}
	if err := c.WriteRegisters(context.Background(), 10, data); err != nil {
		t.Fatal(err)
	}

	want := []call{{"write", 10, 123}, {"write", 133, 123}, {"write", 256, 54}}
	for i := range want {
		if f.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", f.calls, want)
		}
	}
	for i, v := range data {
		if f.regs[10+i] != v {
			t.Fatalf("register %d = %04X", 10+i, f.regs[10+i])
		}
	}
}

func TestChunkFailureAborts(t *testing.T) {
	f := newFakeClient(1000)
	f.failAt = 2
	f.err = io.ErrUnexpectedEOF
	c := NewChunker(f, 40)

	_, err := c.ReadRegisters(context.Background(), 0, 100)
	if !herrors.Is(err, herrors.ErrTransportChunk) {
		t.Fatalf("error = %v, want TRANSPORT_CHUNK", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("cause lost: %v", err)
	}
	he := err.(*herrors.HostError)
	start, _ := he.ContextInt("start")
	count, _ := he.ContextInt("count")
	if start != 40 || count != 40 {
		t.Fatalf("failed chunk = %d+%d, want 40+40", start, count)
	}
	if len(f.calls) != 2 {
		t.Fatalf("%d calls after failure, want 2", len(f.calls))
	}
	if !modbus.IsTransient(err) {
		t.Fatal("wrapped EOF should stay transient")
	}
}

func TestChunkerHonoursCancel(t *testing.T) {
	f := newFakeClient(100)
	c := NewChunker(f, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.WriteRegisters(ctx, 0, make([]uint16, 30))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v", err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("calls issued after cancel: %v", f.calls)
	}
}

func TestChunkerRangeCheck(t *testing.T) {
	c := NewChunker(newFakeClient(10), 10)
	if _, err := c.ReadRegisters(context.Background(), 0xFFFF, 2); !herrors.Is(err, herrors.ErrTransportIO) {
		t.Fatalf("error = %v", err)
	}
	got, err := c.ReadRegisters(context.Background(), 5, 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("empty read = %v, %v", got, err)
	}
}

var testLayout = Layout{RowCountRegister: 1, IntBase: 100, FloatBase: 500, MaxRows: 20}

func TestWriteRecipeOrder(t *testing.T) {
	f := newFakeClient(1000)
	c := NewChunker(f, 8)

	b := Block{Rows: 4, Ints: make([]uint16, 12), Floats: make([]uint16, 16)}
	if err := WriteRecipe(context.Background(), c, testLayout, b); err != nil {
		t.Fatal(err)
	}

	first, last := f.calls[0], f.calls[len(f.calls)-1]
	if first != (call{"write", 1, 1}) || last != (call{"write", 1, 1}) {
		t.Fatalf("row count not written first and last: %v", f.calls)
	}
	for _, c := range f.calls[1 : len(f.calls)-1] {
		if c.start == 1 {
			t.Fatalf("row count touched during bulk write: %v", f.calls)
		}
	}
	if f.regs[1] != 4 {
		t.Fatalf("row count = %d", f.regs[1])
	}
}

func TestWriteRecipeFailureLeavesZeroRowCount(t *testing.T) {
	f := newFakeClient(1000)
	f.failAt = 3
	f.err = io.EOF
	c := NewChunker(f, 8)

	b := Block{Rows: 4, Ints: make([]uint16, 12), Floats: make([]uint16, 16)}
	if err := WriteRecipe(context.Background(), c, testLayout, b); err == nil {
		t.Fatal("expected failure")
	}
	if f.regs[1] != 0 {
		t.Fatalf("row count = %d after failed write, want 0", f.regs[1])
	}
}

func TestWriteRecipeCapacity(t *testing.T) {
	f := newFakeClient(1000)
	err := WriteRecipe(context.Background(), NewChunker(f, 8), testLayout, Block{Rows: 21})
	if !herrors.Is(err, herrors.ErrProtocolCapacity) {
		t.Fatalf("error = %v", err)
	}
	if len(f.calls) != 0 {
		t.Fatal("registers written for an oversized recipe")
	}
}

func TestReadRecipe(t *testing.T) {
	f := newFakeClient(1000)
	f.regs[1] = 3
	c := NewChunker(f, 4)

	b, err := ReadRecipe(context.Background(), c, testLayout, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if b.Rows != 3 || len(b.Ints) != 9 || len(b.Floats) != 12 {
		t.Fatalf("block = rows %d ints %d floats %d", b.Rows, len(b.Ints), len(b.Floats))
	}
	if f.calls[0] != (call{"read", 1, 1}) {
		t.Fatalf("first call = %v, want row count read", f.calls[0])
	}
	if b.Ints[0] != f.regs[100] || b.Floats[11] != f.regs[511] {
		t.Fatal("block data does not match registers")
	}
}

func TestReadRecipeBadRowCount(t *testing.T) {
	f := newFakeClient(1000)
	f.regs[1] = 500
	_, err := ReadRecipe(context.Background(), NewChunker(f, 10), testLayout, 3, 2)
	if !herrors.Is(err, herrors.ErrProtocolRowCount) {
		t.Fatalf("error = %v", err)
	}
	if len(f.calls) != 1 {
		t.Fatalf("bulk read issued after bad row count: %v", f.calls)
	}
}

func TestLayoutCheck(t *testing.T) {
	if err := testLayout.Check(3, 3); err != nil {
		t.Fatalf("Check: %v", err)
	}
	// 20 rows x 3 floats x 2 registers end at 620; an int area at 600 overlaps.
	bad := Layout{RowCountRegister: 1, IntBase: 600, FloatBase: 500, MaxRows: 20}
	if err := bad.Check(3, 3); !herrors.Is(err, herrors.ErrProtocolCapacity) {
		t.Fatalf("overlap error = %v", err)
	}
	onArea := Layout{RowCountRegister: 101, IntBase: 100, FloatBase: 500, MaxRows: 20}
	if err := onArea.Check(3, 3); err == nil {
		t.Fatal("row count inside int area accepted")
	}
	huge := Layout{RowCountRegister: 1, IntBase: 100, FloatBase: 60000, MaxRows: 2000}
	if err := huge.Check(3, 3); err == nil {
		t.Fatal("area beyond 0xFFFF accepted")
	}
}
