// Package payment defines the charge contract used by checkout.
package payment

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Method is how the customer pays.
type Method string

const (
	MethodCash   Method = "cash"
	MethodOnline Method = "online"
)

// Valid reports whether m is a supported method.
func (m Method) Valid() bool {
	return m == MethodCash || m == MethodOnline
}

var (
	// ErrPaymentDeclined is returned when the gateway refuses the charge.
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrGatewayUnavailable is returned when the gateway cannot be reached
	// or does not answer in time.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrUnsupportedMethod is returned for a method no gateway handles.
	ErrUnsupportedMethod = errors.New("unsupported payment method")
)

// DeclinedError carries the gateway's reason for a refusal.
type DeclinedError struct {
	Code    string
	Message string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("payment declined: %s (%s)", e.Message, e.Code)
}

func (e *DeclinedError) Unwrap() error {
	return ErrPaymentDeclined
}

// ChargeRequest describes a single capture.
type ChargeRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Method      Method
	Token       string
	Description string
}

// Charge is a captured payment.
type Charge struct {
	Reference string
	Amount    decimal.Decimal
}

// Gateway captures and refunds payments.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*Charge, error)
	Refund(ctx context.Context, reference string, amount decimal.Decimal) error
}
