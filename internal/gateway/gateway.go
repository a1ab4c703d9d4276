// Package gateway implements payment.Gateway for the supported payment
// methods.
package gateway

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/windeal/internal/domain/payment"
)

var _ payment.Gateway = (*Router)(nil)

// Router dispatches charges to the gateway registered for the method.
type Router struct {
	cash   payment.Gateway
	online payment.Gateway
}

// NewRouter creates a Router. online may be nil when online payment is not
// configured; such charges then fail with payment.ErrUnsupportedMethod.
func NewRouter(cash, online payment.Gateway) *Router {
	return &Router{cash: cash, online: online}
}

func (r *Router) route(m payment.Method) (payment.Gateway, error) {
	switch m {
	case payment.MethodCash:
		if r.cash != nil {
			return r.cash, nil
		}
	case payment.MethodOnline:
		if r.online != nil {
			return r.online, nil
		}
	}
	return nil, errors.Wrapf(payment.ErrUnsupportedMethod, "method %q", m)
}

func (r *Router) Charge(ctx context.Context, req payment.ChargeRequest) (*payment.Charge, error) {
	gw, err := r.route(req.Method)
	if err != nil {
		return nil, err
	}
	return gw.Charge(ctx, req)
}

// Refund picks the gateway from the reference prefix.
func (r *Router) Refund(ctx context.Context, reference string, amount decimal.Decimal) error {
	method := payment.MethodOnline
	if strings.HasPrefix(reference, cashPrefix) {
		method = payment.MethodCash
	}
	gw, err := r.route(method)
	if err != nil {
		return err
	}
	return gw.Refund(ctx, reference, amount)
}

// Wait blocks until gateways that finish work in the background are done.
func (r *Router) Wait() {
	for _, gw := range []payment.Gateway{r.cash, r.online} {
		if w, ok := gw.(interface{ Wait() }); ok {
			w.Wait()
		}
	}
}
