package modbus

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"mbe-recipe-host/pkg/pool"
	"mbe-recipe-host/pkg/serial"
)

// flusher is implemented by lines that can drop stale input.
type flusher interface {
	Flush() error
}

// RTUClient speaks Modbus RTU over a serial line.
type RTUClient struct {
	mu         sync.Mutex
	line       io.ReadWriteCloser
	unitID     byte
	timeout    time.Duration
	frameDelay time.Duration
	lastFrame  time.Time
}

// DialRTU opens the serial line described by cfg.
func DialRTU(cfg serial.Config, unitID byte, timeout time.Duration) (*RTUClient, error) {
	if cfg.ReadTimeout == 0 || cfg.ReadTimeout > timeout {
		cfg.ReadTimeout = timeout
	}
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	// Frames are separated by 3.5 character times, fixed at 1.75ms above
	// 19200 baud.
	delay := cfg.CharTime() * 7 / 2
	if cfg.BaudRate > 19200 {
		delay = 1750 * time.Microsecond
	}
	return NewRTUClient(port, unitID, timeout, delay), nil
}

// NewRTUClient wraps an open line.
func NewRTUClient(line io.ReadWriteCloser, unitID byte, timeout, frameDelay time.Duration) *RTUClient {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &RTUClient{line: line, unitID: unitID, timeout: timeout, frameDelay: frameDelay}
}

// ReadHoldingRegisters reads qty registers starting at addr.
func (c *RTUClient) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	req, err := readRequest(addr, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.transact(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseReadResponse(resp, qty)
}

// WriteMultipleRegisters writes values starting at addr.
func (c *RTUClient) WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
	req, err := writeRequest(addr, values)
	if err != nil {
		return err
	}
	resp, err := c.transact(ctx, req)
	if err != nil {
		return err
	}
	return parseWriteResponse(resp, addr, len(values))
}

// Close closes the line.
func (c *RTUClient) Close() error {
	return c.line.Close()
}

func (c *RTUClient) transact(ctx context.Context, pdu []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if wait := c.frameDelay - time.Since(c.lastFrame); wait > 0 {
		time.Sleep(wait)
	}
	if f, ok := c.line.(flusher); ok {
		_ = f.Flush()
	}

	frame := pool.GetFrame()
	_ = frame.WriteByte(c.unitID)
	_, _ = frame.Write(pdu)
	crc := CRC16(frame.Bytes())
	_ = frame.WriteByte(byte(crc))
	_ = frame.WriteByte(byte(crc >> 8))
	_, err := c.line.Write(frame.Bytes())
	pool.PutFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("modbus rtu: %w", err)
	}
	defer func() { c.lastFrame = time.Now() }()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// unit, function, then either the exception code, the byte count or the
	// start of the echoed address.
	resp := make([]byte, 3, maxPDU+3)
	if err := c.readFull(ctx, resp, deadline); err != nil {
		return nil, err
	}
	var total int
	switch {
	case resp[1]&0x80 != 0:
		total = 5
	case resp[1] == FuncReadHoldingRegisters:
		total = 3 + int(resp[2]) + 2
	case resp[1] == FuncWriteMultipleRegisters:
		total = 8
	default:
		return nil, fmt.Errorf("%w: unexpected function 0x%02x", ErrMalformed, resp[1])
	}
	if total > cap(resp) {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformed, total)
	}
	resp = resp[:total]
	if err := c.readFull(ctx, resp[3:], deadline); err != nil {
		return nil, err
	}

	if !checkCRC(resp) {
		return nil, ErrBadCRC
	}
	if resp[0] != c.unitID {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnitMismatch, resp[0], c.unitID)
	}
	return resp[1 : total-2], nil
}

func (c *RTUClient) readFull(ctx context.Context, buf []byte, deadline time.Time) error {
	got := 0
	for got < len(buf) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("modbus rtu: %w", err)
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		n, err := c.line.Read(buf[got:])
		got += n
		if err == serial.ErrTimeout {
			continue
		}
		if err != nil {
			return fmt.Errorf("modbus rtu: %w", err)
		}
	}
	return nil
}
