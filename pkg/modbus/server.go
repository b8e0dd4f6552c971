package modbus

import (
	"encoding/binary"
	"errors"
	"io"
	"net"

	"mbe-recipe-host/pkg/pool"
)

// ServeConn answers Modbus TCP requests on conn until the peer closes it or a
// frame is malformed. Requests for other units are dropped when unitID is
// non-zero.
func ServeConn(conn net.Conn, unitID byte, h Handler) error {
	defer conn.Close()

	var header [mbapHeaderLen]byte
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		length := int(binary.BigEndian.Uint16(header[4:]))
		if binary.BigEndian.Uint16(header[2:]) != 0 || length < 2 || length > maxPDU+1 {
			return ErrMalformed
		}
		req := make([]byte, length-1)
		if _, err := io.ReadFull(conn, req); err != nil {
			return err
		}
		if unitID != 0 && header[6] != unitID {
			continue
		}

		resp := HandlePDU(h, req)
		frame := pool.GetFrame()
		_, _ = frame.Write(header[:4])
		frame.WriteUint16(uint16(len(resp) + 1))
		_ = frame.WriteByte(header[6])
		_, _ = frame.Write(resp)
		_, err := conn.Write(frame.Bytes())
		pool.PutFrame(frame)
		if err != nil {
			return err
		}
	}
}
