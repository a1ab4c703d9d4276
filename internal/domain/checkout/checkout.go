// Package checkout settles a store's pending holds as a single payment.
package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/windeal/internal/domain/ledger"
	"github.com/xenking/windeal/internal/domain/order"
	"github.com/xenking/windeal/internal/domain/payment"
	"github.com/xenking/windeal/internal/domain/ticket"
)

const maxTicketAttempts = 3

// Ticketer mints redemption artifacts for a line being paid.
type Ticketer interface {
	Issue(ctx context.Context, orderLineID string, purchasedAt time.Time) (*ticket.Ticket, error)
}

// Config holds checkout pricing and payment limits.
type Config struct {
	ServiceFee     decimal.Decimal
	Currency       string
	PaymentTimeout time.Duration
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		ServiceFee:     decimal.RequireFromString("0.50"),
		Currency:       "THB",
		PaymentTimeout: 10 * time.Second,
	}
}

// Request asks to pay for every pending hold of one store.
type Request struct {
	StoreName    string
	Method       payment.Method
	PaymentToken string
}

// Service is the checkout orchestrator.
type Service struct {
	ledger  *ledger.Ledger
	gateway payment.Gateway
	tickets Ticketer
	cfg     Config

	tracer    trace.Tracer
	settled   metric.Int64Counter
	unsettled metric.Int64Counter
}

// Option configures a Service.
type Option func(*options)

type options struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithTracerProvider sets the provider for checkout spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets the provider for settlement counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// NewService creates a checkout orchestrator.
func NewService(l *ledger.Ledger, gw payment.Gateway, tickets Ticketer, cfg Config, opts ...Option) (*Service, error) {
	def := DefaultConfig()
	if cfg.ServiceFee.IsNegative() {
		return nil, errors.New("service fee must not be negative")
	}
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = def.PaymentTimeout
	}

	o := options{
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	meter := o.meterProvider.Meter("windeal/checkout")
	settled, err := meter.Int64Counter("win.checkout.lines.settled",
		metric.WithDescription("Order lines moved to PAID by checkout"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create settled counter")
	}
	unsettled, err := meter.Int64Counter("win.checkout.lines.unsettled",
		metric.WithDescription("Order lines charged but lost to a concurrent transition"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create unsettled counter")
	}

	return &Service{
		ledger:    l,
		gateway:   gw,
		tickets:   tickets,
		cfg:       cfg,
		tracer:    o.tracerProvider.Tracer("windeal/checkout"),
		settled:   settled,
		unsettled: unsettled,
	}, nil
}

// Checkout charges the store's pending batch and issues a ticket for every
// line. Payment failures leave the ledger untouched. Lines that change
// status between the snapshot and their commit are reported as unsettled
// and their price is refunded.
func (s *Service) Checkout(ctx context.Context, req Request) (_ *Receipt, rerr error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Checkout",
		trace.WithAttributes(
			attribute.String("win.store", req.StoreName),
			attribute.String("win.payment_method", string(req.Method)),
		),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if !req.Method.Valid() {
		return nil, errors.Wrapf(payment.ErrUnsupportedMethod, "method %q", req.Method)
	}

	batch, err := s.snapshot(ctx, req.StoreName)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, order.ErrEmptyBatch
	}

	sum := Summarize(batch, s.cfg.ServiceFee)
	charge, err := s.charge(ctx, req, sum.Total)
	if err != nil {
		return nil, err
	}

	purchasedAt := s.ledger.Now()
	receipt := &Receipt{
		StoreName:       req.StoreName,
		Method:          req.Method,
		Currency:        s.cfg.Currency,
		Subtotal:        sum.Subtotal,
		ServiceFee:      sum.ServiceFee,
		Total:           sum.Total,
		TotalSavings:    sum.TotalSavings,
		ChargeReference: charge.Reference,
		PurchasedAt:     purchasedAt,
		Refunded:        decimal.Zero,
	}

	for i := range batch {
		receipt.Lines = append(receipt.Lines, s.settle(ctx, &batch[i], purchasedAt))
	}

	s.compensate(ctx, receipt)
	s.record(ctx, receipt)

	span.SetAttributes(
		attribute.Int("win.lines.settled", len(receipt.Lines)-len(receipt.Unsettled())),
		attribute.Int("win.lines.unsettled", len(receipt.Unsettled())),
	)
	return receipt, nil
}

// snapshot returns the store's live pending holds. Holds whose deal has
// expired but which the sweep has not reached yet are expired here instead
// of being charged.
func (s *Service) snapshot(ctx context.Context, store string) ([]order.Order, error) {
	pending, err := s.ledger.List(ctx, order.Filter{Status: order.StatusPending, StoreName: store})
	if err != nil {
		return nil, errors.Wrap(err, "list pending")
	}

	now := s.ledger.Now()
	batch := pending[:0]
	for _, o := range pending {
		if !o.Deal.Expired(now) {
			batch = append(batch, o)
			continue
		}
		if _, err := s.ledger.Transition(ctx, o.ID, order.StatusPending, order.StatusExpired, nil); err != nil &&
			!errors.Is(err, order.ErrInvalidTransition) && !errors.Is(err, order.ErrNotFound) {
			return nil, errors.Wrap(err, "expire stale hold")
		}
	}
	return batch, nil
}

func (s *Service) charge(ctx context.Context, req Request, total decimal.Decimal) (*payment.Charge, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PaymentTimeout)
	defer cancel()

	charge, err := s.gateway.Charge(ctx, payment.ChargeRequest{
		Amount:      total,
		Currency:    s.cfg.Currency,
		Method:      req.Method,
		Token:       req.PaymentToken,
		Description: "Checkout " + req.StoreName,
	})
	if err == nil {
		return charge, nil
	}
	if errors.Is(err, payment.ErrPaymentDeclined) || errors.Is(err, payment.ErrGatewayUnavailable) {
		return nil, err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, errors.Wrap(payment.ErrGatewayUnavailable, "charge timed out")
	}
	return nil, errors.Wrap(err, "charge")
}

func (s *Service) settle(ctx context.Context, o *order.Order, purchasedAt time.Time) Line {
	line := Line{
		OrderLineID: o.ID,
		DealID:      o.Deal.ID,
		Title:       o.Deal.Title,
		Price:       o.Deal.NewPrice,
		OldPrice:    o.Deal.OldPrice,
	}

	for attempt := 0; attempt < maxTicketAttempts; attempt++ {
		tk, err := s.tickets.Issue(ctx, o.ID, purchasedAt)
		if err != nil {
			line.fail(errors.Wrap(err, "issue ticket"))
			return line
		}

		_, err = s.ledger.Transition(ctx, o.ID, order.StatusPending, order.StatusPaid, func(o *order.Order) error {
			at := purchasedAt
			o.OrderNumber = tk.OrderNumber
			o.PickupCode = tk.PickupCode
			o.PurchasedAt = &at
			return nil
		})
		if errors.Is(err, order.ErrDuplicateCode) {
			zctx.From(ctx).Debug("Ticket collided on commit, regenerating",
				zap.String("order_line_id", o.ID),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			line.fail(err)
			return line
		}

		line.Settled = true
		line.OrderNumber = tk.OrderNumber
		line.PickupCode = tk.PickupCode
		line.QRPayload = tk.QRPayload
		return line
	}

	line.fail(errors.Wrap(order.ErrDuplicateCode, "ticket attempts exhausted"))
	return line
}

// compensate refunds what was charged for lines that did not settle. When
// nothing settled the service fee is returned too.
func (s *Service) compensate(ctx context.Context, r *Receipt) {
	lost := r.Unsettled()
	if len(lost) == 0 {
		return
	}

	amount := decimal.Zero
	if len(lost) == len(r.Lines) {
		amount = r.Total
	} else {
		for _, l := range lost {
			amount = amount.Add(l.Price)
		}
	}
	amount = amount.Round(2)

	lg := zctx.From(ctx).With(
		zap.String("store", r.StoreName),
		zap.String("charge_ref", r.ChargeReference),
		zap.String("amount", amount.StringFixed(2)),
	)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PaymentTimeout)
	defer cancel()

	if err := s.gateway.Refund(ctx, r.ChargeReference, amount); err != nil {
		r.RefundFailed = true
		lg.Error("Refund unsettled lines", zap.Error(err))
		return
	}
	r.Refunded = amount
	lg.Info("Refunded unsettled lines", zap.Int("lines", len(lost)))
}

func (s *Service) record(ctx context.Context, r *Receipt) {
	lost := len(r.Unsettled())
	attrs := metric.WithAttributes(attribute.String("win.payment_method", string(r.Method)))
	s.settled.Add(ctx, int64(len(r.Lines)-lost), attrs)
	if lost > 0 {
		s.unsettled.Add(ctx, int64(lost), attrs)
	}

	zctx.From(ctx).Info("Checkout completed",
		zap.String("store", r.StoreName),
		zap.String("total", r.Total.StringFixed(2)),
		zap.Int("lines", len(r.Lines)),
		zap.Int("unsettled", lost),
	)
}
