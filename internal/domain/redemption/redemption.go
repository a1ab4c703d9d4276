// Package redemption validates tickets at the point of sale and performs
// the final PAID to REDEEMED transition.
package redemption

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/windeal/internal/domain/ledger"
	"github.com/xenking/windeal/internal/domain/order"
	"github.com/xenking/windeal/internal/domain/ticket"
)

// DefaultWindow is how long a paid ticket stays redeemable.
const DefaultWindow = 24 * time.Hour

// QRParser verifies scanned QR payloads.
type QRParser interface {
	Parse(payload string) (*ticket.Claims, error)
}

// Result is what the merchant sees after a successful validation.
type Result struct {
	OrderLineID     string
	Title           string
	StoreName       string
	FinalPrice      decimal.Decimal
	OldPrice        decimal.Decimal
	DiscountPercent int
	OrderNumber     string
	PickupCode      string
	PurchasedAt     time.Time
	ValidUntil      time.Time
}

// Validator looks tickets up and redeems them.
type Validator struct {
	ledger *ledger.Ledger
	qr     QRParser
	window time.Duration

	tracer   trace.Tracer
	meter    metric.MeterProvider
	redeemed metric.Int64Counter
}

// Option configures a Validator.
type Option func(*Validator)

// WithWindow sets the validity window measured from purchase.
func WithWindow(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.window = d
		}
	}
}

// WithTracerProvider sets the provider for redemption spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(v *Validator) {
		if tp != nil {
			v.tracer = tp.Tracer("windeal/redemption")
		}
	}
}

// WithMeterProvider sets the provider for the redemption counter.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(v *Validator) {
		if mp != nil {
			v.meter = mp
		}
	}
}

// New creates a Validator. qr may be nil when QR payloads are not accepted.
func New(l *ledger.Ledger, qr QRParser, opts ...Option) (*Validator, error) {
	v := &Validator{
		ledger: l,
		qr:     qr,
		window: DefaultWindow,
		tracer: tracenoop.NewTracerProvider().Tracer(""),
		meter:  metricnoop.NewMeterProvider(),
	}
	for _, opt := range opts {
		opt(v)
	}

	redeemed, err := v.meter.Meter("windeal/redemption").Int64Counter("win.tickets.redeemed",
		metric.WithDescription("Tickets redeemed at the point of sale"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create redeemed counter")
	}
	v.redeemed = redeemed
	return v, nil
}

// Validate resolves a pickup code, order number or QR payload to a
// redeemable order without changing it.
func (v *Validator) Validate(ctx context.Context, input string) (*Result, error) {
	return v.ValidateForStore(ctx, input, "")
}

// ValidateForStore is Validate restricted to tickets of one store. An empty
// store accepts any. Another store's tickets are reported as not found
// whatever their status.
func (v *Validator) ValidateForStore(ctx context.Context, input, store string) (*Result, error) {
	ctx, span := v.tracer.Start(ctx, "redemption.Validate")
	defer span.End()

	o, err := v.lookup(ctx, strings.TrimSpace(input))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("win.order_line_id", o.ID))

	if store != "" && o.Deal.StoreName != store {
		return nil, order.ErrNotFound
	}
	switch o.Status {
	case order.StatusPaid:
	case order.StatusRedeemed:
		return nil, order.ErrAlreadyRedeemed
	default:
		return nil, order.ErrNotFound
	}
	if v.lapsed(o, v.ledger.Now()) {
		return nil, order.ErrValidityLapsed
	}

	return &Result{
		OrderLineID:     o.ID,
		Title:           o.Deal.Title,
		StoreName:       o.Deal.StoreName,
		FinalPrice:      o.Deal.NewPrice,
		OldPrice:        o.Deal.OldPrice,
		DiscountPercent: o.Deal.Discount(),
		OrderNumber:     o.OrderNumber,
		PickupCode:      o.PickupCode,
		PurchasedAt:     *o.PurchasedAt,
		ValidUntil:      o.PurchasedAt.Add(v.window),
	}, nil
}

func (v *Validator) lookup(ctx context.Context, input string) (*order.Order, error) {
	switch {
	case input == "":
		return nil, order.ErrNotFound
	case ticket.IsQR(input):
		return v.lookupQR(ctx, input)
	case isOrderNumber(input):
		number := strings.ToUpper(input)
		if !strings.HasPrefix(number, "#") {
			number = "#" + number
		}
		return v.ledger.FindByOrderNumber(ctx, number)
	default:
		return v.lookupPickupCode(ctx, strings.ToUpper(input))
	}
}

func (v *Validator) lookupQR(ctx context.Context, payload string) (*order.Order, error) {
	if v.qr == nil {
		return nil, order.ErrNotFound
	}
	claims, err := v.qr.Parse(payload)
	if err != nil {
		return nil, errors.Wrap(order.ErrNotFound, err.Error())
	}

	o, err := v.ledger.Get(ctx, claims.OrderLineID())
	if err != nil {
		return nil, err
	}
	if o.PickupCode != claims.PickupCode {
		return nil, order.ErrNotFound
	}
	return o, nil
}

// lookupPickupCode prefers the PAID holder of code. Codes of redeemed
// orders may be reissued, so a redeemed match only counts when no paid
// order holds the code.
func (v *Validator) lookupPickupCode(ctx context.Context, code string) (*order.Order, error) {
	matches, err := v.ledger.FindByPickupCode(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "find by pickup code")
	}

	var redeemed *order.Order
	for i := range matches {
		switch matches[i].Status {
		case order.StatusPaid:
			return &matches[i], nil
		case order.StatusRedeemed:
			if redeemed == nil {
				redeemed = &matches[i]
			}
		}
	}
	if redeemed != nil {
		return redeemed, nil
	}
	return nil, order.ErrNotFound
}

func isOrderNumber(input string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimPrefix(input, "#")), "WIN-")
}

func (v *Validator) lapsed(o *order.Order, now time.Time) bool {
	return o.PurchasedAt == nil || now.Sub(*o.PurchasedAt) > v.window
}

// Redeem marks a paid order as consumed.
func (v *Validator) Redeem(ctx context.Context, id string) (*order.Order, error) {
	return v.RedeemForStore(ctx, id, "")
}

// RedeemForStore is Redeem restricted to orders of one store.
func (v *Validator) RedeemForStore(ctx context.Context, id, store string) (*order.Order, error) {
	ctx, span := v.tracer.Start(ctx, "redemption.Redeem",
		trace.WithAttributes(attribute.String("win.order_line_id", id)),
	)
	defer span.End()

	// The deal snapshot never changes, so checking the store before the
	// guarded transition is safe.
	if store != "" {
		cur, err := v.ledger.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Deal.StoreName != store {
			return nil, order.ErrNotFound
		}
	}

	now := v.ledger.Now()
	o, err := v.ledger.Transition(ctx, id, order.StatusPaid, order.StatusRedeemed, func(o *order.Order) error {
		if v.lapsed(o, now) {
			return order.ErrValidityLapsed
		}
		o.RedeemedAt = &now
		return nil
	})

	var ite *order.InvalidTransitionError
	switch {
	case err == nil:
	case errors.As(err, &ite) && ite.Actual == order.StatusRedeemed:
		return nil, order.ErrAlreadyRedeemed
	case errors.As(err, &ite):
		return nil, errors.Wrapf(order.ErrInvalidState, "order is %s", ite.Actual)
	default:
		return nil, err
	}

	v.redeemed.Add(ctx, 1, metric.WithAttributes(attribute.String("win.store", o.Deal.StoreName)))
	return o, nil
}
