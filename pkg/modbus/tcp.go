package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"mbe-recipe-host/pkg/pool"
)

// Client is a Modbus master bound to one unit.
type Client interface {
	ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error)
	WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error
	Close() error
}

const mbapHeaderLen = 7

// TCPClient speaks Modbus TCP over one connection, one transaction at a time.
type TCPClient struct {
	mu      sync.Mutex
	conn    net.Conn
	unitID  byte
	timeout time.Duration
	tid     uint16
}

// DialTCP connects to a Modbus TCP server.
func DialTCP(ctx context.Context, address string, unitID byte, timeout time.Duration) (*TCPClient, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewTCPClient(conn, unitID, timeout), nil
}

// NewTCPClient wraps an established connection. timeout bounds each
// transaction; zero means only the context bounds it.
func NewTCPClient(conn net.Conn, unitID byte, timeout time.Duration) *TCPClient {
	return &TCPClient{conn: conn, unitID: unitID, timeout: timeout}
}

// ReadHoldingRegisters reads qty registers starting at addr.
func (c *TCPClient) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
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
func (c *TCPClient) WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
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

// Close closes the connection.
func (c *TCPClient) Close() error {
	return c.conn.Close()
}

func (c *TCPClient) transact(ctx context.Context, pdu []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline := time.Time{}
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	// Cancellation unblocks pending I/O by moving the deadline to now.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	c.tid++
	frame := pool.GetFrame()
	frame.WriteUint16(c.tid)
	frame.WriteUint16(0)
	frame.WriteUint16(uint16(len(pdu) + 1))
	_ = frame.WriteByte(c.unitID)
	_, _ = frame.Write(pdu)

	_, err := c.conn.Write(frame.Bytes())
	pool.PutFrame(frame)
	if err != nil {
		return nil, c.ioError(ctx, err)
	}

	var header [mbapHeaderLen]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, c.ioError(ctx, err)
	}
	length := int(binary.BigEndian.Uint16(header[4:]))
	if binary.BigEndian.Uint16(header[2:]) != 0 || length < 2 || length > maxPDU+1 {
		return nil, fmt.Errorf("%w: bad MBAP header % x", ErrMalformed, header)
	}
	resp := make([]byte, length-1)
	if _, err := io.ReadFull(c.conn, resp); err != nil {
		return nil, c.ioError(ctx, err)
	}

	if tid := binary.BigEndian.Uint16(header[0:]); tid != c.tid {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrTransactionMismatch, tid, c.tid)
	}
	if header[6] != c.unitID {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnitMismatch, header[6], c.unitID)
	}
	return resp, nil
}

// ioError prefers the context's error when the context ended the transaction.
func (c *TCPClient) ioError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("modbus tcp: %w", ctxErr)
	}
	return fmt.Errorf("modbus tcp: %w", err)
}
