// Package modbus implements the subset of Modbus the recipe host needs:
// Read Holding Registers (0x03) and Write Multiple Registers (0x10) over TCP
// (MBAP framing) and RTU (serial framing with CRC-16).
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Function codes
const (
	FuncReadHoldingRegisters   byte = 0x03
	FuncWriteMultipleRegisters byte = 0x10
)

// Per-request register limits of the two functions.
const (
	MaxReadQuantity  = 125
	MaxWriteQuantity = 123
)

// maxPDU is the largest PDU allowed by the serial line frame size.
const maxPDU = 253

// ExceptionCode is the code carried by an exception response.
type ExceptionCode byte

const (
	IllegalFunction     ExceptionCode = 0x01
	IllegalDataAddress  ExceptionCode = 0x02
	IllegalDataValue    ExceptionCode = 0x03
	ServerDeviceFailure ExceptionCode = 0x04
	Acknowledge         ExceptionCode = 0x05
	ServerDeviceBusy    ExceptionCode = 0x06
)

var exceptionNames = map[ExceptionCode]string{
	IllegalFunction:     "illegal function",
	IllegalDataAddress:  "illegal data address",
	IllegalDataValue:    "illegal data value",
	ServerDeviceFailure: "server device failure",
	Acknowledge:         "acknowledge",
	ServerDeviceBusy:    "server device busy",
}

func (c ExceptionCode) String() string {
	if name, ok := exceptionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("exception 0x%02x", byte(c))
}

// ExceptionError is an exception response from the device.
type ExceptionError struct {
	Function byte
	Code     ExceptionCode
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: function 0x%02x: %s", e.Function, e.Code)
}

// Errors for frames that do not make sense. None of them are transient.
var (
	ErrMalformed           = errors.New("modbus: malformed response")
	ErrTransactionMismatch = errors.New("modbus: transaction id mismatch")
	ErrUnitMismatch        = errors.New("modbus: unit id mismatch")
	ErrBadCRC              = errors.New("modbus: crc mismatch")
	ErrQuantity            = errors.New("modbus: register quantity out of range")
)

func readRequest(addr, qty uint16) ([]byte, error) {
	if qty < 1 || qty > MaxReadQuantity {
		return nil, fmt.Errorf("%w: read of %d", ErrQuantity, qty)
	}
	pdu := make([]byte, 5)
	pdu[0] = FuncReadHoldingRegisters
	binary.BigEndian.PutUint16(pdu[1:], addr)
	binary.BigEndian.PutUint16(pdu[3:], qty)
	return pdu, nil
}

func writeRequest(addr uint16, values []uint16) ([]byte, error) {
	if len(values) < 1 || len(values) > MaxWriteQuantity {
		return nil, fmt.Errorf("%w: write of %d", ErrQuantity, len(values))
	}
	pdu := make([]byte, 6+2*len(values))
	pdu[0] = FuncWriteMultipleRegisters
	binary.BigEndian.PutUint16(pdu[1:], addr)
	binary.BigEndian.PutUint16(pdu[3:], uint16(len(values)))
	pdu[5] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(pdu[6+2*i:], v)
	}
	return pdu, nil
}

// checkException turns an exception PDU into an *ExceptionError.
func checkException(pdu []byte, fn byte) error {
	if len(pdu) < 2 {
		return ErrMalformed
	}
	if pdu[0] == fn|0x80 {
		return &ExceptionError{Function: fn, Code: ExceptionCode(pdu[1])}
	}
	if pdu[0] != fn {
		return fmt.Errorf("%w: function 0x%02x in reply to 0x%02x", ErrMalformed, pdu[0], fn)
	}
	return nil
}

func parseReadResponse(pdu []byte, qty uint16) ([]uint16, error) {
	if err := checkException(pdu, FuncReadHoldingRegisters); err != nil {
		return nil, err
	}
	n := int(pdu[1])
	if n != 2*int(qty) || len(pdu) != 2+n {
		return nil, fmt.Errorf("%w: %d data bytes for %d registers", ErrMalformed, n, qty)
	}
	values := make([]uint16, qty)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(pdu[2+2*i:])
	}
	return values, nil
}

func parseWriteResponse(pdu []byte, addr uint16, qty int) error {
	if err := checkException(pdu, FuncWriteMultipleRegisters); err != nil {
		return err
	}
	if len(pdu) != 5 {
		return fmt.Errorf("%w: write reply of %d bytes", ErrMalformed, len(pdu))
	}
	if binary.BigEndian.Uint16(pdu[1:]) != addr || int(binary.BigEndian.Uint16(pdu[3:])) != qty {
		return fmt.Errorf("%w: write reply does not echo the request", ErrMalformed)
	}
	return nil
}

// Handler is the register bank behind a server. Returning an ExceptionCode
// other than zero produces an exception response.
type Handler interface {
	ReadHoldingRegisters(addr, qty uint16) ([]uint16, ExceptionCode)
	WriteMultipleRegisters(addr uint16, values []uint16) ExceptionCode
}

// HandlePDU executes one request PDU against h and returns the response PDU.
func HandlePDU(h Handler, req []byte) []byte {
	if len(req) == 0 {
		return nil
	}
	fn := req[0]
	exception := func(code ExceptionCode) []byte {
		return []byte{fn | 0x80, byte(code)}
	}

	switch fn {
	case FuncReadHoldingRegisters:
		if len(req) != 5 {
			return exception(IllegalDataValue)
		}
		addr := binary.BigEndian.Uint16(req[1:])
		qty := binary.BigEndian.Uint16(req[3:])
		if qty < 1 || qty > MaxReadQuantity {
			return exception(IllegalDataValue)
		}
		values, code := h.ReadHoldingRegisters(addr, qty)
		if code != 0 {
			return exception(code)
		}
		resp := make([]byte, 2+2*len(values))
		resp[0] = fn
		resp[1] = byte(2 * len(values))
		for i, v := range values {
			binary.BigEndian.PutUint16(resp[2+2*i:], v)
		}
		return resp

	case FuncWriteMultipleRegisters:
		if len(req) < 6 {
			return exception(IllegalDataValue)
		}
		addr := binary.BigEndian.Uint16(req[1:])
		qty := binary.BigEndian.Uint16(req[3:])
		if qty < 1 || qty > MaxWriteQuantity || int(req[5]) != 2*int(qty) || len(req) != 6+2*int(qty) {
			return exception(IllegalDataValue)
		}
		values := make([]uint16, qty)
		for i := range values {
			values[i] = binary.BigEndian.Uint16(req[6+2*i:])
		}
		if code := h.WriteMultipleRegisters(addr, values); code != 0 {
			return exception(code)
		}
		return req[:5:5]
	}
	return exception(IllegalFunction)
}
