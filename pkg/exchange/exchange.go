// Package exchange sends recipes to the PLC and reads them back, composing
// the loop validator, the register codec, the chunked transport and the
// connection manager.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"mbe-recipe-host/pkg/codec"
	herrors "mbe-recipe-host/pkg/errors"
	"mbe-recipe-host/pkg/log"
	"mbe-recipe-host/pkg/metrics"
	"mbe-recipe-host/pkg/recipe"
	"mbe-recipe-host/pkg/schema"
	"mbe-recipe-host/pkg/timing"
	"mbe-recipe-host/pkg/transport"
)

// ErrWriteStateUnknown marks a send that stopped after it may have touched
// the recipe area. The PLC content must be re-read before it is trusted.
var ErrWriteStateUnknown = errors.New("recipe write interrupted, PLC recipe state unknown")

// Conn runs register operations on a validated link. *plc.Manager is the
// production implementation.
type Conn interface {
	Exec(ctx context.Context, fn func(ctx context.Context, regs transport.Registers) error) error
}

// Service moves recipes between the host and the PLC.
type Service struct {
	Registry  *schema.Registry
	Conn      Conn
	Layout    transport.Layout
	WordOrder codec.WordOrder
	Logger    *log.Logger
	Metrics   *metrics.HostMetrics
}

// NewService checks that the layout can hold MaxRows rows of the schema.
func NewService(reg *schema.Registry, conn Conn, layout transport.Layout, order codec.WordOrder) (*Service, error) {
	if err := layout.Check(reg.IntStride(), reg.FloatStride()); err != nil {
		return nil, err
	}
	return &Service{
		Registry:  reg,
		Conn:      conn,
		Layout:    layout,
		WordOrder: order,
		Logger:    log.GetLogger("exchange"),
	}, nil
}

// SendReport describes a recipe that reached the PLC.
type SendReport struct {
	Rows     int
	Total    time.Duration
	Warnings []timing.Warning
	Timing   *timing.Result
}

// SendRecipe validates r, encodes it and writes it to the PLC. Loop
// structure errors and capacity problems are reported before any register
// is written. Warnings from the analyzer do not block the send.
func (s *Service) SendRecipe(ctx context.Context, r recipe.Recipe) (*SendReport, error) {
	report, err := s.send(ctx, r)
	s.Metrics.RecordTransfer("send", err)
	return report, err
}

func (s *Service) send(ctx context.Context, r recipe.Recipe) (*SendReport, error) {
	if _, err := timing.ValidateLoops(r); err != nil {
		return nil, err
	}
	res, err := timing.Analyze(r)
	if err != nil {
		return nil, err
	}
	if r.Len() > s.Layout.MaxRows {
		return nil, herrors.New(herrors.ErrProtocolCapacity,
			fmt.Sprintf("recipe has %d rows, PLC recipe area holds %d", r.Len(), s.Layout.MaxRows)).
			SetContext("rows", r.Len())
	}

	ints, floats := codec.Encode(r.Steps(), s.Registry, s.WordOrder)
	block := transport.Block{Rows: r.Len(), Ints: ints, Floats: floats}

	err = s.Conn.Exec(ctx, func(ctx context.Context, regs transport.Registers) error {
		return transport.WriteRecipe(ctx, regs, s.Layout, block)
	})
	if err != nil {
		if writeMayHaveStarted(err) {
			err = fmt.Errorf("%w: %w", ErrWriteStateUnknown, err)
		}
		s.logger().WithError(err).Error("send failed")
		return nil, err
	}

	s.Metrics.SetRecipe(r.Len(), res.Total, len(res.Warnings))
	entry := s.logger().With(log.Fields{"rows": r.Len(), "total": res.Total.String()})
	for _, w := range res.Warnings {
		entry.WithField("step", w.Index).Warn("%s", w.Reason)
	}
	entry.Info("recipe sent")
	return &SendReport{Rows: r.Len(), Total: res.Total, Warnings: res.Warnings, Timing: res}, nil
}

// ReceiveRecipe reads the recipe currently held by the PLC. A recipe whose
// loop structure is broken is still returned, together with the analysis
// error and a nil timing result.
func (s *Service) ReceiveRecipe(ctx context.Context) (recipe.Recipe, *timing.Result, error) {
	r, res, err := s.receive(ctx)
	s.Metrics.RecordTransfer("receive", err)
	return r, res, err
}

func (s *Service) receive(ctx context.Context) (recipe.Recipe, *timing.Result, error) {
	block, err := s.read(ctx)
	if err != nil {
		return recipe.Recipe{}, nil, err
	}
	steps, err := codec.Decode(block.Ints, block.Floats, block.Rows, s.Registry, s.WordOrder)
	if err != nil {
		return recipe.Recipe{}, nil, err
	}
	r := recipe.New(steps...)

	res, err := timing.Analyze(r)
	if err != nil {
		s.logger().WithError(err).Warn("received recipe has a broken loop structure")
		return r, nil, err
	}
	s.Metrics.SetRecipe(r.Len(), res.Total, len(res.Warnings))
	s.logger().With(log.Fields{"rows": r.Len(), "total": res.Total.String()}).Info("recipe received")
	return r, res, nil
}

func (s *Service) read(ctx context.Context) (transport.Block, error) {
	var block transport.Block
	err := s.Conn.Exec(ctx, func(ctx context.Context, regs transport.Registers) error {
		var err error
		block, err = transport.ReadRecipe(ctx, regs, s.Layout, s.Registry.IntStride(), s.Registry.FloatStride())
		return err
	})
	return block, err
}

// Verify reads the PLC recipe area back and reports whether it holds
// exactly the registers r encodes to.
func (s *Service) Verify(ctx context.Context, r recipe.Recipe) (bool, error) {
	block, err := s.read(ctx)
	if err != nil {
		return false, err
	}
	ints, floats := codec.Encode(r.Steps(), s.Registry, s.WordOrder)
	return block.Rows == r.Len() && slices.Equal(block.Ints, ints) && slices.Equal(block.Floats, floats), nil
}

// writeMayHaveStarted reports whether a failed send could have changed the
// recipe area.
func writeMayHaveStarted(err error) bool {
	if herrors.Is(err, herrors.ErrProtocolCapacity) || herrors.Is(err, herrors.ErrProtocolHandshake) {
		return false
	}
	return herrors.Is(err, herrors.ErrTransportChunk) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Service) logger() *log.Logger {
	if s.Logger == nil {
		return log.GetLogger("exchange")
	}
	return s.Logger
}
