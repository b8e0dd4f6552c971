// Frame buffer pool for the Modbus request path
//
// Every register request builds one outgoing frame. The buffers are
// recycled so a long recipe transfer does not allocate per chunk.
//
// Usage:
//
//	f := pool.GetFrame()
//	defer pool.PutFrame(f)
//	f.WriteUint16(tid)
//	// ...
//	conn.Write(f.Bytes())
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// MaxFrame is the largest Modbus application data unit: a 7 byte MBAP
// header plus a 253 byte PDU, or an RTU frame with address and CRC.
const MaxFrame = 260

// Frame is a reusable byte buffer for one Modbus frame.
type Frame struct {
	buf []byte
}

var (
	framePool = sync.Pool{
		New: func() any {
			news.Add(1)
			return &Frame{buf: make([]byte, 0, MaxFrame)}
		},
	}
	gets, puts, news atomic.Uint64
)

// GetFrame gets an empty frame from the pool.
func GetFrame() *Frame {
	gets.Add(1)
	f := framePool.Get().(*Frame)
	f.buf = f.buf[:0]
	return f
}

// PutFrame returns a frame to the pool. Frames grown past MaxFrame are
// dropped.
func PutFrame(f *Frame) {
	if f == nil || cap(f.buf) > MaxFrame {
		return
	}
	puts.Add(1)
	framePool.Put(f)
}

// Bytes returns the frame content. It is only valid until PutFrame.
func (f *Frame) Bytes() []byte {
	return f.buf
}

// Write appends bytes to the frame.
func (f *Frame) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	return len(p), nil
}

// WriteByte appends a single byte.
func (f *Frame) WriteByte(c byte) error {
	f.buf = append(f.buf, c)
	return nil
}

// WriteUint16 appends v big-endian, the Modbus byte order.
func (f *Frame) WriteUint16(v uint16) {
	f.buf = binary.BigEndian.AppendUint16(f.buf, v)
}

// Len returns the frame length.
func (f *Frame) Len() int {
	return len(f.buf)
}

// Reset empties the frame.
func (f *Frame) Reset() {
	f.buf = f.buf[:0]
}

// PoolStats counts frame pool traffic since start.
type PoolStats struct {
	Gets uint64
	Puts uint64
	News uint64 // frames allocated because the pool was empty
}

// Stats returns the current counters.
func Stats() PoolStats {
	return PoolStats{Gets: gets.Load(), Puts: puts.Load(), News: news.Load()}
}
