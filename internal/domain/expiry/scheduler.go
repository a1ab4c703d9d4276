// Package expiry releases holds whose deal has expired.
package expiry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/windeal/internal/domain/ledger"
	"github.com/xenking/windeal/internal/domain/order"
)

// DefaultInterval is the sweep period used when none is configured.
const DefaultInterval = 45 * time.Second

// Scheduler periodically moves expired PENDING lines to EXPIRED.
type Scheduler struct {
	ledger   *ledger.Ledger
	lg       *zap.Logger
	interval time.Duration
	meter    metric.MeterProvider

	expired   metric.Int64Counter
	lastSweep atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the sweep period.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMeterProvider sets the provider for the expired-holds counter.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Scheduler) {
		if mp != nil {
			s.meter = mp
		}
	}
}

// New creates a Scheduler sweeping l.
func New(l *ledger.Ledger, lg *zap.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		ledger:   l,
		lg:       lg,
		interval: DefaultInterval,
		meter:    noop.NewMeterProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}

	expired, err := s.meter.Meter("windeal/expiry").Int64Counter("win.holds.expired",
		metric.WithDescription("Pending holds released because their deal expired"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create expired counter")
	}
	s.expired = expired
	return s, nil
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.lg.Info("Starting hold expiry scheduler", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.lg.Error("Sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.lg.Info("Hold expiry scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce expires every PENDING line whose deal expired at or before now
// and returns how many lines it moved.
func (s *Scheduler) SweepOnce(ctx context.Context) (int, error) {
	now := s.ledger.Now()
	pending, err := s.ledger.ListByStatus(ctx, order.StatusPending)
	if err != nil {
		return 0, errors.Wrap(err, "list pending")
	}

	var expired int
	for _, o := range pending {
		if !o.Deal.Expired(now) {
			continue
		}
		_, err := s.ledger.Transition(ctx, o.ID, order.StatusPending, order.StatusExpired, nil)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrNotFound):
			s.logLostRace(ctx, o.ID)
		default:
			s.lg.Warn("Expire hold",
				zap.String("order_line_id", o.ID),
				zap.Error(err),
			)
		}
	}

	s.lastSweep.Store(now.UnixNano())
	if expired > 0 {
		s.expired.Add(ctx, int64(expired))
		s.lg.Info("Expired holds", zap.Int("count", expired))
	}
	return expired, nil
}

// logLostRace records what happened to a line that changed under the sweep.
func (s *Scheduler) logLostRace(ctx context.Context, id string) {
	cur, err := s.ledger.Get(ctx, id)
	if errors.Is(err, order.ErrNotFound) {
		s.lg.Debug("Hold removed before expiry", zap.String("order_line_id", id))
		return
	}
	if err != nil {
		s.lg.Warn("Re-read order", zap.String("order_line_id", id), zap.Error(err))
		return
	}
	s.lg.Debug("Hold settled before expiry",
		zap.String("order_line_id", id),
		zap.String("status", string(cur.Status)),
	)
}

// LastSweep returns the ledger time of the last completed sweep, or the
// zero time if none has run.
func (s *Scheduler) LastSweep() time.Time {
	ns := s.lastSweep.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Interval returns the configured sweep period.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}
