package checkout

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/windeal/internal/domain/order"
	"github.com/xenking/windeal/internal/domain/payment"
)

// Reasons reported for lines that could not be settled.
const (
	ReasonExpired        = "expired before settlement"
	ReasonAlreadySettled = "already settled"
	ReasonRemoved        = "removed before settlement"
	ReasonFailed         = "settlement failed"
)

// Summary is the priced view of a store batch.
type Summary struct {
	Subtotal     decimal.Decimal
	ServiceFee   decimal.Decimal
	Total        decimal.Decimal
	TotalSavings decimal.Decimal
}

// Summarize prices lines with a fixed service fee. All amounts are rounded
// to two decimal places.
func Summarize(lines []order.Order, fee decimal.Decimal) Summary {
	subtotal := decimal.Zero
	savings := decimal.Zero
	for _, o := range lines {
		subtotal = subtotal.Add(o.Deal.NewPrice)
		savings = savings.Add(o.Deal.Savings())
	}
	return Summary{
		Subtotal:     subtotal.Round(2),
		ServiceFee:   fee.Round(2),
		Total:        subtotal.Add(fee).Round(2),
		TotalSavings: savings.Round(2),
	}
}

// Line is one order line of a receipt.
type Line struct {
	OrderLineID string
	DealID      string
	Title       string
	Price       decimal.Decimal
	OldPrice    decimal.Decimal

	Settled     bool
	Reason      string
	Err         error
	OrderNumber string
	PickupCode  string
	QRPayload   string
}

func (l *Line) fail(err error) {
	l.Settled = false
	l.Err = err

	var ite *order.InvalidTransitionError
	switch {
	case errors.As(err, &ite) && ite.Actual == order.StatusExpired:
		l.Reason = ReasonExpired
	case errors.As(err, &ite) && ite.Actual == order.StatusPaid:
		l.Reason = ReasonAlreadySettled
	case errors.Is(err, order.ErrNotFound):
		l.Reason = ReasonRemoved
	default:
		l.Reason = ReasonFailed
	}
}

// Receipt is the outcome of a checkout.
type Receipt struct {
	StoreName       string
	Method          payment.Method
	Currency        string
	Lines           []Line
	Subtotal        decimal.Decimal
	ServiceFee      decimal.Decimal
	Total           decimal.Decimal
	TotalSavings    decimal.Decimal
	ChargeReference string
	PurchasedAt     time.Time
	Refunded        decimal.Decimal
	RefundFailed    bool
}

// OrderNumbers lists the numbers assigned to settled lines.
func (r *Receipt) OrderNumbers() []string {
	var out []string
	for _, l := range r.Lines {
		if l.Settled {
			out = append(out, l.OrderNumber)
		}
	}
	return out
}

// Unsettled returns the lines that were charged but not settled.
func (r *Receipt) Unsettled() []Line {
	var out []Line
	for _, l := range r.Lines {
		if !l.Settled {
			out = append(out, l)
		}
	}
	return out
}
