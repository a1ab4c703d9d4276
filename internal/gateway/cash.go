package gateway

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/windeal/internal/domain/payment"
)

const cashPrefix = "cash_"

var _ payment.Gateway = (*Cash)(nil)

// Cash accepts payment at the counter. Charges always succeed; the
// reference identifies the batch for the cashier.
type Cash struct {
	lg *zap.Logger
}

// NewCash creates a cash gateway.
func NewCash(lg *zap.Logger) *Cash {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Cash{lg: lg}
}

func (c *Cash) Charge(ctx context.Context, req payment.ChargeRequest) (*payment.Charge, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(payment.ErrGatewayUnavailable, err.Error())
	}
	if !req.Amount.IsPositive() {
		return nil, &payment.DeclinedError{Code: "invalid_amount", Message: "amount must be positive"}
	}
	return &payment.Charge{
		Reference: cashPrefix + uuid.NewString(),
		Amount:    req.Amount,
	}, nil
}

// Refund records that the cashier owes the customer amount.
func (c *Cash) Refund(_ context.Context, reference string, amount decimal.Decimal) error {
	c.lg.Info("Cash refund due at counter",
		zap.String("charge_ref", reference),
		zap.String("amount", amount.StringFixed(2)),
	)
	return nil
}
