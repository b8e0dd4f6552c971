package plcsim

import (
	"context"
	"errors"
	"testing"
	"time"

	"mbe-recipe-host/pkg/log"
	"mbe-recipe-host/pkg/modbus"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	s := New(cfg)
	s.SetLogger(log.Discard())
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dial(t *testing.T, s *Server, unit byte) *modbus.TCPClient {
	t.Helper()
	c, err := modbus.DialTCP(context.Background(), s.Addr().String(), unit, time.Second)
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestMagicPreloaded(t *testing.T) {
	s := startServer(t, Config{ControlRegister: 10, MagicNumber: 0x4D42})
	c := dial(t, s, 1)
	got, err := c.ReadHoldingRegisters(context.Background(), 10, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 0x4D42 {
		t.Errorf("control register = %#x, want 0x4d42", got[0])
	}

	s.SetMagic(7)
	if got, _ := c.ReadHoldingRegisters(context.Background(), 10, 1); got[0] != 7 {
		t.Errorf("after SetMagic: %v", got)
	}
}

func TestReadWriteOverTCP(t *testing.T) {
	s := startServer(t, Config{})
	c := dial(t, s, 1)
	ctx := context.Background()

	values := []uint16{1, 2, 3, 0xffff}
	if err := c.WriteMultipleRegisters(ctx, 500, values); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := c.ReadHoldingRegisters(ctx, 499, 6)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []uint16{0, 1, 2, 3, 0xffff, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("registers = %v, want %v", got, want)
		}
	}
	if bank := s.Registers(500, 4); bank[3] != 0xffff {
		t.Errorf("bank = %v", bank)
	}

	h := s.History()
	if len(h) != 2 || !h[0].Write || h[0].Addr != 500 || h[0].Count != 4 || h[1].Write || h[1].Count != 6 {
		t.Errorf("history = %+v", h)
	}
	s.ResetHistory()
	if len(s.History()) != 0 {
		t.Error("history not reset")
	}
}

func TestOutOfRange(t *testing.T) {
	s := startServer(t, Config{Size: 100})
	c := dial(t, s, 1)

	_, err := c.ReadHoldingRegisters(context.Background(), 90, 20)
	var exc *modbus.ExceptionError
	if !errors.As(err, &exc) || exc.Code != modbus.IllegalDataAddress {
		t.Fatalf("err = %v, want illegal data address", err)
	}
	if err := c.WriteMultipleRegisters(context.Background(), 99, []uint16{1, 2}); !errors.As(err, &exc) {
		t.Fatalf("write err = %v, want exception", err)
	}
}

func TestFailNext(t *testing.T) {
	s := startServer(t, Config{})
	c := dial(t, s, 1)
	ctx := context.Background()

	s.FailNext(2, modbus.ServerDeviceBusy)
	for i := 0; i < 2; i++ {
		_, err := c.ReadHoldingRegisters(ctx, 0, 1)
		var exc *modbus.ExceptionError
		if !errors.As(err, &exc) || exc.Code != modbus.ServerDeviceBusy {
			t.Fatalf("request %d: err = %v", i, err)
		}
	}
	if _, err := c.ReadHoldingRegisters(ctx, 0, 1); err != nil {
		t.Fatalf("third request: %v", err)
	}
}

func TestDropNext(t *testing.T) {
	s := startServer(t, Config{})
	c := dial(t, s, 1)

	s.DropNext(1)
	_, err := c.ReadHoldingRegisters(context.Background(), 0, 1)
	if err == nil {
		t.Fatal("expected error on dropped connection")
	}
	if !modbus.IsTransient(err) {
		t.Errorf("dropped connection error %v should be transient", err)
	}

	// A new connection works again.
	c2 := dial(t, s, 1)
	if _, err := c2.ReadHoldingRegisters(context.Background(), 0, 1); err != nil {
		t.Fatalf("after reconnect: %v", err)
	}
}

func TestServeBeforeListen(t *testing.T) {
	if err := New(Config{}).Serve(); err == nil {
		t.Fatal("expected error")
	}
}

func TestHistoryLimit(t *testing.T) {
	s := New(Config{HistoryLimit: 3})
	s.SetLogger(log.Discard())
	for addr := uint16(0); addr < 5; addr++ {
		if _, code := s.ReadHoldingRegisters(addr, 1); code != 0 {
			t.Fatalf("read %d: exception %v", addr, code)
		}
	}
	h := s.History()
	if len(h) != 3 || h[0].Addr != 2 || h[2].Addr != 4 {
		t.Errorf("history = %+v, want the last three reads", h)
	}
}
