package plc

import (
	"context"
	"net"
	"strconv"
	"time"

	"mbe-recipe-host/pkg/modbus"
	"mbe-recipe-host/pkg/serial"
)

// Params identify the PLC to talk to. Changing them forces a reconnect.
type Params struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	UnitID  byte   `json:"unit_id"`
}

func (p Params) String() string {
	if p.Port == 0 {
		return p.Address + "#" + strconv.Itoa(int(p.UnitID))
	}
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port)) + "#" + strconv.Itoa(int(p.UnitID))
}

// Dialer opens a Modbus client for params.
type Dialer interface {
	Dial(ctx context.Context, params Params, timeout time.Duration) (modbus.Client, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, params Params, timeout time.Duration) (modbus.Client, error)

func (f DialFunc) Dial(ctx context.Context, params Params, timeout time.Duration) (modbus.Client, error) {
	return f(ctx, params, timeout)
}

// TCPDialer connects with Modbus TCP to Address:Port.
type TCPDialer struct{}

func (TCPDialer) Dial(ctx context.Context, params Params, timeout time.Duration) (modbus.Client, error) {
	addr := net.JoinHostPort(params.Address, strconv.Itoa(params.Port))
	c, err := modbus.DialTCP(ctx, addr, params.UnitID, timeout)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RTUDialer opens Modbus RTU on a serial line. A non-empty params Address
// overrides the configured device.
type RTUDialer struct {
	Serial serial.Config
}

func (d RTUDialer) Dial(ctx context.Context, params Params, timeout time.Duration) (modbus.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := d.Serial
	if params.Address != "" {
		cfg.Device = params.Address
	}
	c, err := modbus.DialRTU(cfg, params.UnitID, timeout)
	if err != nil {
		return nil, err
	}
	return c, nil
}
