package main

import (
	"fmt"

	"mbe-recipe-host/pkg/codec"
	"mbe-recipe-host/pkg/config"
	"mbe-recipe-host/pkg/exchange"
	"mbe-recipe-host/pkg/metrics"
	"mbe-recipe-host/pkg/plc"
	"mbe-recipe-host/pkg/schema"
	"mbe-recipe-host/pkg/serial"
	"mbe-recipe-host/pkg/transport"
)

// host bundles the components built from one configuration file.
type host struct {
	registry *schema.Registry
	manager  *plc.Manager
	service  *exchange.Service
	metrics  *metrics.HostMetrics
}

func managerSettings(hc *config.HostConfig) (plc.Settings, plc.Dialer, error) {
	backoff, err := plc.ParseBackoff(hc.Backoff)
	if err != nil {
		return plc.Settings{}, nil, err
	}
	s := plc.Settings{
		Params:  plc.Params{Address: hc.Host, Port: hc.Port, UnitID: byte(hc.UnitID)},
		Timeout: hc.Timeout,
		Retry: plc.RetryPolicy{
			MaxAttempts: hc.MaxAttempts,
			Delay:       hc.RetryDelay,
			Backoff:     backoff,
		},
		StaleAfter:      hc.StaleAfter,
		ControlRegister: hc.ControlRegister,
		MagicNumber:     uint16(hc.MagicNumber),
		MaxChunk:        hc.MaxChunk,
	}

	switch hc.Transport {
	case "tcp":
		return s, plc.TCPDialer{}, nil
	case "rtu":
		parity, err := serial.ParseParity(hc.Serial.Parity)
		if err != nil {
			return plc.Settings{}, nil, err
		}
		cfg := serial.DefaultConfig()
		cfg.Device = hc.Serial.Device
		cfg.BaudRate = hc.Serial.Baud
		cfg.Parity = parity
		cfg.StopBits = hc.Serial.StopBits
		s.Params.Address = ""
		return s, plc.RTUDialer{Serial: cfg}, nil
	}
	return plc.Settings{}, nil, fmt.Errorf("unknown transport %q", hc.Transport)
}

func newHost(hc *config.HostConfig, reg *schema.Registry, dialer plc.Dialer) (*host, error) {
	settings, defaultDialer, err := managerSettings(hc)
	if err != nil {
		return nil, err
	}
	if dialer == nil {
		dialer = defaultDialer
	}
	order, err := codec.ParseWordOrder(hc.WordOrder)
	if err != nil {
		return nil, err
	}

	hm := metrics.NewHostMetrics()
	m := plc.NewManager(settings, dialer)
	m.SetMetrics(hm)

	layout := transport.Layout{
		RowCountRegister: hc.RowCountRegister,
		IntBase:          hc.IntBase,
		FloatBase:        hc.FloatBase,
		MaxRows:          hc.MaxRows,
	}
	svc, err := exchange.NewService(reg, m, layout, order)
	if err != nil {
		return nil, err
	}
	svc.Metrics = hm

	return &host{registry: reg, manager: m, service: svc, metrics: hm}, nil
}
