package plc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	herrors "mbe-recipe-host/pkg/errors"
	"mbe-recipe-host/pkg/log"
	"mbe-recipe-host/pkg/metrics"
	"mbe-recipe-host/pkg/modbus"
	"mbe-recipe-host/pkg/transport"
)

// Settings configure a Manager.
type Settings struct {
	Params          Params
	Timeout         time.Duration // per request and per dial
	Retry           RetryPolicy
	StaleAfter      time.Duration // zero re-validates before every use
	ControlRegister int
	MagicNumber     uint16
	MaxChunk        int
}

// errNotConnected is returned when the link dropped between connecting and
// using it. It is always retried.
var errNotConnected = herrors.New(herrors.ErrTransportIO, "not connected")

type semaphore chan struct{}

func (s semaphore) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s semaphore) release() { <-s }

// Manager keeps one validated Modbus link to the PLC.
//
// Connection establishment (dial, handshake, stale check) and data
// operations are serialized by two independent semaphores, so a slow
// handshake does not hold up a transfer already running on a validated
// link, and two transfers never interleave their requests.
type Manager struct {
	settings Settings
	dialer   Dialer
	log      *log.Logger
	metrics  *metrics.HostMetrics

	sleep SleepFunc
	now   func() time.Time

	connSem semaphore
	dataSem semaphore

	mu            sync.Mutex
	state         State
	params        Params // wanted
	connParams    Params // of client
	client        modbus.Client
	lastValidated time.Time
	lastErr       error
	connects      int
	disconnects   int
	listeners     []func(from, to State)
}

// NewManager creates a disconnected Manager.
func NewManager(settings Settings, dialer Dialer) *Manager {
	return &Manager{
		settings: settings,
		dialer:   dialer,
		log:      log.GetLogger("plc"),
		sleep:    Sleep,
		now:      time.Now,
		connSem:  make(semaphore, 1),
		dataSem:  make(semaphore, 1),
		params:   settings.Params,
	}
}

// SetLogger replaces the component logger.
func (m *Manager) SetLogger(l *log.Logger) { m.log = l }

// SetMetrics attaches metrics; nil detaches them.
func (m *Manager) SetMetrics(hm *metrics.HostMetrics) { m.metrics = hm }

// Settings returns the settings the manager was created with, with the
// current connection parameters.
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.settings
	s.Params = m.params
	return s
}

// OnStateChange registers fn to be called after every state transition.
// The Validating step of a periodic re-check on a live link is not reported.
// Callbacks run synchronously and must not call back into the Manager's
// connection methods.
func (m *Manager) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetParams changes the target PLC. The next EnsureConnected reconnects.
func (m *Manager) SetParams(p Params) {
	m.mu.Lock()
	old := m.params
	m.params = p
	m.mu.Unlock()
	if old != p {
		m.log.WithField("from", old.String()).WithField("to", p.String()).Info("connection parameters changed")
	}
}

// Status returns a JSON-friendly snapshot for diagnostics.
func (m *Manager) Status() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := map[string]interface{}{
		"state":       m.state.String(),
		"address":     m.params.Address,
		"port":        m.params.Port,
		"unit_id":     m.params.UnitID,
		"connects":    m.connects,
		"disconnects": m.disconnects,
		"stale_after": m.settings.StaleAfter.Seconds(),
	}
	if !m.lastValidated.IsZero() {
		status["last_validated"] = m.lastValidated.Format(time.RFC3339Nano)
		status["validated_age"] = m.now().Sub(m.lastValidated).Seconds()
	}
	if m.lastErr != nil {
		status["last_error"] = m.lastErr.Error()
	}
	return status
}

func (m *Manager) setState(s State) {
	m.transition(s, true)
}

// recheckState moves between Connected and Validating during a re-check of
// a live link without notifying OnStateChange listeners.
func (m *Manager) recheckState(s State) {
	m.transition(s, false)
}

func (m *Manager) transition(s State, notify bool) {
	m.mu.Lock()
	from := m.state
	m.state = s
	listeners := append([]func(from, to State){}, m.listeners...)
	m.mu.Unlock()

	if from == s {
		return
	}
	m.metrics.SetPLCState(int(s))
	m.log.WithField("from", from.String()).WithField("to", s.String()).Debug("state change")
	if !notify {
		return
	}
	for _, fn := range listeners {
		fn(from, s)
	}
}

// EnsureConnected returns once the manager holds a link that passed the
// handshake within StaleAfter. It is cheap when nothing needs to be done.
// Reconnects run under the retry policy.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	return m.ensure(ctx, true)
}

func (m *Manager) ensure(ctx context.Context, retryConnect bool) error {
	if err := m.connSem.acquire(ctx); err != nil {
		return err
	}
	defer m.connSem.release()

	m.mu.Lock()
	client, want, have, validated := m.client, m.params, m.connParams, m.lastValidated
	m.mu.Unlock()

	if client != nil && want != have {
		m.log.WithField("plc", have.String()).Info("dropping connection to previous parameters")
		m.drop(client, "params", nil)
		client = nil
	}

	if client != nil {
		if m.settings.StaleAfter > 0 && m.now().Sub(validated) < m.settings.StaleAfter {
			return nil
		}
		// One handshake only: a link that fails it is replaced, not re-read.
		// Listeners see Connected -> Disconnected when it fails and nothing
		// when it passes.
		m.recheckState(Validating)
		err := m.handshake(ctx, client)
		m.recheckState(Connected)
		if err == nil {
			m.mu.Lock()
			m.lastValidated = m.now()
			m.mu.Unlock()
			return nil
		}
		m.log.WithError(err).Warn("stale connection failed handshake")
		m.drop(client, "stale", err)
		if ctx.Err() != nil {
			return err
		}
	}

	if !retryConnect {
		return m.connect(ctx, want, 1)
	}
	return m.settings.Retry.Do(ctx, m.sleep, isRetryable, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			m.metrics.RecordRetry("connect")
		}
		return m.connect(ctx, want, attempt)
	})
}

// connect dials and validates one new link.
func (m *Manager) connect(ctx context.Context, params Params, attempt int) error {
	logger := m.log.With(log.Fields{"plc": params.String(), "attempt": attempt})
	m.setState(Connecting)

	client, err := m.dialer.Dial(ctx, params, m.settings.Timeout)
	if err != nil {
		err = linkError(err, "connect to "+params.String())
		m.fail(err)
		logger.WithError(err).Warn("connect failed")
		return err
	}
	if m.metrics != nil {
		client = &observedClient{Client: client, metrics: m.metrics}
	}

	m.setState(Validating)
	if err := m.handshake(ctx, client); err != nil {
		_ = client.Close()
		m.metrics.RecordDisconnect("handshake")
		m.fail(err)
		logger.WithError(err).Warn("handshake failed, link closed")
		return err
	}

	m.mu.Lock()
	m.client = client
	m.connParams = params
	m.lastValidated = m.now()
	m.lastErr = nil
	m.connects++
	m.mu.Unlock()
	m.metrics.RecordConnect()
	m.setState(Connected)
	logger.Info("connected")
	return nil
}

func (m *Manager) handshake(ctx context.Context, c modbus.Client) error {
	regs, err := c.ReadHoldingRegisters(ctx, uint16(m.settings.ControlRegister), 1)
	if err != nil {
		m.metrics.RecordHandshakeFailure()
		return linkError(err, fmt.Sprintf("handshake read of register %d", m.settings.ControlRegister))
	}
	if regs[0] != m.settings.MagicNumber {
		m.metrics.RecordHandshakeFailure()
		return herrors.HandshakeError(m.settings.ControlRegister, regs[0], m.settings.MagicNumber)
	}
	return nil
}

// fail records a failed connection attempt.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.setState(Disconnected)
}

// drop closes c if it is still the current link.
func (m *Manager) drop(c modbus.Client, reason string, cause error) {
	m.mu.Lock()
	if c == nil || m.client != c {
		m.mu.Unlock()
		return
	}
	m.client = nil
	m.disconnects++
	if cause != nil {
		m.lastErr = cause
	}
	m.mu.Unlock()

	if err := c.Close(); err != nil {
		m.log.WithError(err).Debug("close failed")
	}
	m.metrics.RecordDisconnect(reason)
	m.setState(Disconnected)
	m.log.WithField("reason", reason).Info("disconnected")
}

// Disconnect closes the current link, if any.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	c := m.client
	m.mu.Unlock()
	m.drop(c, "requested", nil)
}

// Exec runs fn against the validated link. fn must do all its register
// traffic through regs. Transient failures drop the link and retry fn on a
// fresh one; protocol failures drop the link and are returned.
func (m *Manager) Exec(ctx context.Context, fn func(ctx context.Context, regs transport.Registers) error) error {
	return m.settings.Retry.Do(ctx, m.sleep, isRetryable, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			m.metrics.RecordRetry("exec")
			m.log.WithField("attempt", attempt).Info("retrying register operation")
		}
		// One connect per attempt; this loop is the only retry loop.
		if err := m.ensure(ctx, false); err != nil {
			return err
		}
		return m.run(ctx, fn)
	})
}

func (m *Manager) run(ctx context.Context, fn func(ctx context.Context, regs transport.Registers) error) error {
	if err := m.dataSem.acquire(ctx); err != nil {
		return err
	}
	defer m.dataSem.release()

	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return errNotConnected
	}

	regs := &transport.Chunker{Client: client, MaxChunk: m.settings.MaxChunk, OnChunk: m.traceChunk}
	err := fn(ctx, regs)
	if err != nil && dropsLink(err) {
		m.log.WithError(err).Warn("register operation failed")
		m.drop(client, dropReason(err), err)
	}
	return err
}

func (m *Manager) traceChunk(op string, start, count int, err error) {
	e := m.log.With(log.Fields{"op": op, "start": start, "count": count})
	if err != nil {
		e.WithError(err).Debug("chunk failed")
		return
	}
	e.Debug("chunk done")
}

// ReadRegisters reads a register range under Exec.
func (m *Manager) ReadRegisters(ctx context.Context, base, count int) ([]uint16, error) {
	var out []uint16
	err := m.Exec(ctx, func(ctx context.Context, regs transport.Registers) error {
		var err error
		out, err = regs.ReadRegisters(ctx, base, count)
		return err
	})
	return out, err
}

// WriteRegisters writes a register range under Exec.
func (m *Manager) WriteRegisters(ctx context.Context, base int, data []uint16) error {
	return m.Exec(ctx, func(ctx context.Context, regs transport.Registers) error {
		return regs.WriteRegisters(ctx, base, data)
	})
}

func isRetryable(err error) bool {
	return errors.Is(err, errNotConnected) || modbus.IsTransient(err)
}

// dropsLink reports whether a failed operation leaves the link in doubt.
// Errors raised before any request went out do not.
func dropsLink(err error) bool {
	switch herrors.ClassOf(err) {
	case herrors.ClassValidation, herrors.ClassStructural, herrors.ClassConfig:
		return false
	}
	return !herrors.Is(err, herrors.ErrProtocolCapacity)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case modbus.IsTransient(err):
		return "io"
	default:
		return "protocol"
	}
}

// linkError classifies a client failure.
func linkError(err error, msg string) error {
	var exc *modbus.ExceptionError
	if errors.As(err, &exc) {
		return herrors.Wrap(err, herrors.ErrProtocolException, msg)
	}
	return herrors.Wrap(err, herrors.ErrTransportIO, msg)
}

// observedClient times every request into the host metrics.
type observedClient struct {
	modbus.Client
	metrics *metrics.HostMetrics
}

func (c *observedClient) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	start := time.Now()
	v, err := c.Client.ReadHoldingRegisters(ctx, addr, qty)
	c.metrics.RecordChunk("read", int(qty), time.Since(start), err)
	return v, err
}

func (c *observedClient) WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
	start := time.Now()
	err := c.Client.WriteMultipleRegisters(ctx, addr, values)
	c.metrics.RecordChunk("write", len(values), time.Since(start), err)
	return err
}
