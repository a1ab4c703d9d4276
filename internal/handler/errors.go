package handler

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/windeal/internal/domain/deal"
	"github.com/xenking/windeal/internal/domain/order"
	"github.com/xenking/windeal/internal/domain/payment"
)

const maxBodyBytes = 64 << 10

var (
	errUnauthorized     = errors.New("missing or invalid api key")
	errForbidden        = errors.New("api key is not allowed to do this")
	errRouteNotFound    = errors.New("route not found")
	errMethodNotAllowed = errors.New("method not allowed")
)

// badRequestError reports a malformed request.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string {
	return e.msg
}

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

// classify maps an error to its HTTP status and machine-readable reason.
func classify(err error) (int, string) {
	var (
		bad      *badRequestError
		declined *payment.DeclinedError
	)
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, errRouteNotFound):
		return http.StatusNotFound, "route_not_found"
	case errors.Is(err, errMethodNotAllowed):
		return http.StatusMethodNotAllowed, "method_not_allowed"
	case errors.Is(err, deal.ErrNotFound):
		return http.StatusNotFound, "deal_not_found"
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, order.ErrDealExpired):
		return http.StatusGone, "deal_expired"
	case errors.Is(err, order.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, order.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, order.ErrEmptyBatch):
		return http.StatusUnprocessableEntity, "empty_batch"
	case errors.Is(err, order.ErrAlreadyRedeemed):
		return http.StatusConflict, "already_redeemed"
	case errors.Is(err, order.ErrValidityLapsed):
		return http.StatusGone, "validity_lapsed"
	case errors.Is(err, payment.ErrUnsupportedMethod):
		return http.StatusBadRequest, "unsupported_method"
	case errors.As(err, &declined), errors.Is(err, payment.ErrPaymentDeclined):
		return http.StatusPaymentRequired, "payment_declined"
	case errors.Is(err, payment.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, "gateway_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

// writeError writes {"code","reason","message"}. Internal errors are logged
// and their text is not exposed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, reason := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal error"
	}

	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("reason")
		e.Str(reason)
		e.FieldStart("message")
		e.Str(msg)
		e.ObjEnd()
	})
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// decodeObject reads a JSON object body, calling field for each key.
func decodeObject(r *http.Request, field func(d *jx.Decoder, key string) error) error {
	d := jx.Decode(io.LimitReader(r.Body, maxBodyBytes), 1024)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		return field(d, string(key))
	}); err != nil {
		var bad *badRequestError
		if errors.As(err, &bad) {
			return err
		}
		return badRequest("decode body: %v", err)
	}
	return nil
}
