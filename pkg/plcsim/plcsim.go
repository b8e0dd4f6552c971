// Package plcsim is an in-memory PLC: a holding register bank served over
// Modbus TCP, with the handshake magic number preloaded and fault injection
// for exercising the host's reconnect paths.
package plcsim

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/netutil"

	"mbe-recipe-host/pkg/log"
	"mbe-recipe-host/pkg/modbus"
)

// Config describes the simulated device.
type Config struct {
	UnitID          byte // 0 answers every unit
	ControlRegister int
	MagicNumber     uint16
	Size            int // registers in the bank, 65536 when zero
	MaxConns        int // concurrent clients, 4 when zero
	HistoryLimit    int // requests kept by History, unbounded when zero
}

// Span is one register request seen by the simulator.
type Span struct {
	Write bool
	Addr  int
	Count int
}

// Server is a simulated PLC.
type Server struct {
	cfg Config
	log *log.Logger

	mu       sync.Mutex
	regs     []uint16
	drops    int
	failures int
	failCode modbus.ExceptionCode
	history  []Span

	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg    sync.WaitGroup
}

// New creates a simulator with the magic number at the control register.
func New(cfg Config) *Server {
	if cfg.Size <= 0 || cfg.Size > 0x10000 {
		cfg.Size = 0x10000
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4
	}
	s := &Server{
		cfg:   cfg,
		log:   log.GetLogger("plcsim"),
		regs:  make([]uint16, cfg.Size),
		conns: make(map[net.Conn]struct{}),
	}
	if cfg.ControlRegister >= 0 && cfg.ControlRegister < cfg.Size {
		s.regs[cfg.ControlRegister] = cfg.MagicNumber
	}
	return s
}

// SetLogger replaces the component logger.
func (s *Server) SetLogger(l *log.Logger) { s.log = l }

// SetMagic overwrites the control register, e.g. to simulate a firmware swap.
func (s *Server) SetMagic(v uint16) {
	s.mu.Lock()
	s.regs[s.cfg.ControlRegister] = v
	s.mu.Unlock()
}

// FailNext answers the next n requests with the exception code.
func (s *Server) FailNext(n int, code modbus.ExceptionCode) {
	s.mu.Lock()
	s.failures, s.failCode = n, code
	s.mu.Unlock()
}

// DropNext closes the connection instead of answering the next n requests.
func (s *Server) DropNext(n int) {
	s.mu.Lock()
	s.drops = n
	s.mu.Unlock()
}

// Registers returns a copy of count registers from addr.
func (s *Server) Registers(addr, count int) []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.regs[addr:addr+count]...)
}

// SetRegisters stores values from addr.
func (s *Server) SetRegisters(addr int, values []uint16) {
	s.mu.Lock()
	copy(s.regs[addr:], values)
	s.mu.Unlock()
}

// History returns the requests answered so far, in order.
func (s *Server) History() []Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Span(nil), s.history...)
}

// ResetHistory forgets recorded requests.
func (s *Server) ResetHistory() {
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
}

func (s *Server) inRange(addr, qty uint16) bool {
	return int(addr)+int(qty) <= len(s.regs)
}

// fault reports whether a pending fault consumes this request.
func (s *Server) fault() (drop bool, code modbus.ExceptionCode) {
	if s.drops > 0 {
		s.drops--
		return true, 0
	}
	if s.failures > 0 {
		s.failures--
		return false, s.failCode
	}
	return false, 0
}

func (s *Server) record(sp Span) {
	if n := s.cfg.HistoryLimit; n > 0 && len(s.history) >= n {
		s.history = append(s.history[:0], s.history[len(s.history)-n+1:]...)
	}
	s.history = append(s.history, sp)
	op := "read"
	if sp.Write {
		op = "write"
	}
	s.log.Debug("%s %d registers at %d", op, sp.Count, sp.Addr)
}

// ReadHoldingRegisters implements modbus.Handler.
func (s *Server) ReadHoldingRegisters(addr, qty uint16) ([]uint16, modbus.ExceptionCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inRange(addr, qty) {
		return nil, modbus.IllegalDataAddress
	}
	s.record(Span{Addr: int(addr), Count: int(qty)})
	return append([]uint16(nil), s.regs[addr:int(addr)+int(qty)]...), 0
}

// WriteMultipleRegisters implements modbus.Handler.
func (s *Server) WriteMultipleRegisters(addr uint16, values []uint16) modbus.ExceptionCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inRange(addr, uint16(len(values))) {
		return modbus.IllegalDataAddress
	}
	s.record(Span{Write: true, Addr: int(addr), Count: len(values)})
	copy(s.regs[addr:], values)
	return 0
}

// connHandler applies injected faults for one connection.
type connHandler struct {
	s    *Server
	conn net.Conn
}

func (h connHandler) intercept() (bool, modbus.ExceptionCode) {
	h.s.mu.Lock()
	drop, code := h.s.fault()
	h.s.mu.Unlock()
	if drop {
		h.s.log.WithField("remote", h.conn.RemoteAddr().String()).Debug("dropping connection")
		_ = h.conn.Close()
	}
	return drop, code
}

func (h connHandler) ReadHoldingRegisters(addr, qty uint16) ([]uint16, modbus.ExceptionCode) {
	if drop, code := h.intercept(); drop {
		return nil, modbus.ServerDeviceFailure
	} else if code != 0 {
		return nil, code
	}
	return h.s.ReadHoldingRegisters(addr, qty)
}

func (h connHandler) WriteMultipleRegisters(addr uint16, values []uint16) modbus.ExceptionCode {
	if drop, code := h.intercept(); drop {
		return modbus.ServerDeviceFailure
	} else if code != 0 {
		return code
	}
	return h.s.WriteMultipleRegisters(addr, values)
}

// Listen opens the Modbus TCP listener. Use "127.0.0.1:0" for tests.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("plcsim: listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	s.mu.Unlock()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts clients until Close.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("plcsim: Serve called before Listen")
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.log.WithField("remote", conn.RemoteAddr().String()).Debug("client connected")
			if err := modbus.ServeConn(conn, s.cfg.UnitID, connHandler{s: s, conn: conn}); err != nil {
				s.log.WithError(err).Debug("client session ended")
			}
		}()
	}
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	go func() {
		if err := s.Serve(); err != nil {
			s.log.WithError(err).Error("accept loop failed")
		}
	}()
	return nil
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			_ = c.Close()
			return
		}
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// Close stops the listener, drops every client and waits for sessions.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.closed = true
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}
