package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/windeal/internal/domain/payment"
)

var _ payment.Gateway = (*Omise)(nil)

const (
	// DefaultLateChargeWait bounds how long an abandoned charge request is
	// watched for a late capture.
	DefaultLateChargeWait = 2 * time.Minute

	lateRefundTimeout = 30 * time.Second
)

// Omise charges cards and sources through the Omise API.
//
// The client cannot cancel a request in flight. When Charge gives up on its
// context the request is watched in the background, and a charge that still
// captures is refunded in full.
type Omise struct {
	createCharge func(op *operations.CreateCharge) (*omise.Charge, error)
	createRefund func(op *operations.CreateRefund) (*omise.Refund, error)

	lg       *zap.Logger
	lateWait time.Duration
	late     sync.WaitGroup
}

// NewOmiseClient creates an API client for the given key pair.
func NewOmiseClient(publicKey, secretKey string) (*omise.Client, error) {
	c, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, errors.Wrap(err, "create omise client")
	}
	return c, nil
}

// NewOmise creates an online gateway backed by client.
func NewOmise(client *omise.Client, lg *zap.Logger) *Omise {
	return &Omise{
		lg:       lg,
		lateWait: DefaultLateChargeWait,
		createCharge: func(op *operations.CreateCharge) (*omise.Charge, error) {
			ch := &omise.Charge{}
			if err := client.Do(ch, op); err != nil {
				return nil, err
			}
			return ch, nil
		},
		createRefund: func(op *operations.CreateRefund) (*omise.Refund, error) {
			rf := &omise.Refund{}
			if err := client.Do(rf, op); err != nil {
				return nil, err
			}
			return rf, nil
		},
	}
}

// Charge creates a charge for a card token or a source id.
func (o *Omise) Charge(ctx context.Context, req payment.ChargeRequest) (*payment.Charge, error) {
	if req.Token == "" {
		return nil, &payment.DeclinedError{Code: "missing_token", Message: "payment token is required"}
	}

	op := &operations.CreateCharge{
		Amount:      subunits(req.Amount),
		Currency:    req.Currency,
		Description: req.Description,
	}
	if isSource(req.Token) {
		op.Source = req.Token
	} else {
		op.Card = req.Token
	}

	done := start(func() (*omise.Charge, error) { return o.createCharge(op) })
	var ch *omise.Charge
	select {
	case <-ctx.Done():
		o.watchLate(done, req.Amount)
		return nil, errors.Wrap(payment.ErrGatewayUnavailable, ctx.Err().Error())
	case r := <-done:
		if r.err != nil {
			return nil, mapError(r.err)
		}
		ch = r.v
	}

	switch string(ch.Status) {
	case "successful":
		return &payment.Charge{Reference: ch.ID, Amount: req.Amount}, nil
	case "failed":
		de := &payment.DeclinedError{Code: "failed", Message: "charge failed"}
		if ch.FailureCode != nil {
			de.Code = *ch.FailureCode
		}
		if ch.FailureMessage != nil {
			de.Message = *ch.FailureMessage
		}
		return nil, de
	default:
		// Pending and authorize-only charges are not captured funds.
		return nil, &payment.DeclinedError{Code: string(ch.Status), Message: "charge was not captured"}
	}
}

// Refund returns amount of a captured charge.
func (o *Omise) Refund(ctx context.Context, reference string, amount decimal.Decimal) error {
	op := &operations.CreateRefund{
		ChargeID: reference,
		Amount:   subunits(amount),
	}
	_, err := call(ctx, func() (*omise.Refund, error) { return o.createRefund(op) })
	return err
}

// Wait blocks until every abandoned charge has been resolved.
func (o *Omise) Wait() {
	o.late.Wait()
}

// watchLate waits for an abandoned charge request and refunds it if it
// captured after all.
func (o *Omise) watchLate(done <-chan result[*omise.Charge], amount decimal.Decimal) {
	lg := o.lg
	if lg == nil {
		lg = zap.NewNop()
	}
	wait := o.lateWait
	if wait <= 0 {
		wait = DefaultLateChargeWait
	}

	o.late.Add(1)
	go func() {
		defer o.late.Done()

		timer := time.NewTimer(wait)
		defer timer.Stop()

		var r result[*omise.Charge]
		select {
		case r = <-done:
		case <-timer.C:
			lg.Error("Abandoned charge did not resolve, reconcile manually",
				zap.Duration("waited", wait),
				zap.String("amount", amount.StringFixed(2)),
			)
			return
		}
		if r.err != nil || string(r.v.Status) != "successful" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), lateRefundTimeout)
		defer cancel()
		if err := o.Refund(ctx, r.v.ID, amount); err != nil {
			lg.Error("Late charge refund failed",
				zap.String("charge_id", r.v.ID),
				zap.String("amount", amount.StringFixed(2)),
				zap.Error(err),
			)
			return
		}
		lg.Warn("Refunded charge captured after timeout",
			zap.String("charge_id", r.v.ID),
			zap.String("amount", amount.StringFixed(2)),
		)
	}()
}

type result[T any] struct {
	v   T
	err error
}

// start runs a blocking API request on its own goroutine.
func start[T any](fn func() (T, error)) <-chan result[T] {
	done := make(chan result[T], 1)
	go func() {
		v, err := fn()
		done <- result[T]{v: v, err: err}
	}()
	return done
}

// call runs a blocking API request and gives up when ctx is done.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	done := start(fn)

	var zero T
	select {
	case <-ctx.Done():
		return zero, errors.Wrap(payment.ErrGatewayUnavailable, ctx.Err().Error())
	case r := <-done:
		if r.err != nil {
			return zero, mapError(r.err)
		}
		return r.v, nil
	}
}

func mapError(err error) error {
	var oe *omise.Error
	if errors.As(err, &oe) && oe.StatusCode >= http.StatusBadRequest && oe.StatusCode < http.StatusInternalServerError {
		return &payment.DeclinedError{Code: oe.Code, Message: oe.Message}
	}
	return errors.Wrap(payment.ErrGatewayUnavailable, err.Error())
}

// subunits converts a major-unit amount to the smallest currency unit.
func subunits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func isSource(token string) bool {
	return len(token) > 4 && token[:4] == "src_"
}
