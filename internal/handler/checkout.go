package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/windeal/internal/domain/checkout"
	"github.com/xenking/windeal/internal/domain/payment"
)

// Checkout pays for every pending hold of one store:
// POST {"storeName": "...", "method": "cash"|"online", "paymentToken": "..."}.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var (
			v   string
			err error
		)
		switch key {
		case "storeName":
			v, err = d.Str()
			req.StoreName = v
		case "method":
			v, err = d.Str()
			req.Method = payment.Method(v)
		case "paymentToken":
			v, err = d.Str()
			req.PaymentToken = v
		default:
			return d.Skip()
		}
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if req.StoreName == "" {
		writeError(w, r, badRequest("storeName is required"))
		return
	}

	receipt, err := h.checkout.Checkout(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeReceipt(e, receipt)
	})
}

func encodeReceipt(e *jx.Encoder, rc *checkout.Receipt) {
	e.ObjStart()
	e.FieldStart("storeName")
	e.Str(rc.StoreName)
	e.FieldStart("method")
	e.Str(string(rc.Method))
	e.FieldStart("currency")
	e.Str(rc.Currency)
	e.FieldStart("subtotal")
	e.Str(rc.Subtotal.StringFixed(2))
	e.FieldStart("serviceFee")
	e.Str(rc.ServiceFee.StringFixed(2))
	e.FieldStart("total")
	e.Str(rc.Total.StringFixed(2))
	e.FieldStart("totalSavings")
	e.Str(rc.TotalSavings.StringFixed(2))
	e.FieldStart("chargeReference")
	e.Str(rc.ChargeReference)
	e.FieldStart("purchasedAt")
	e.Str(rc.PurchasedAt.UTC().Format(time.RFC3339Nano))
	e.FieldStart("refunded")
	e.Str(rc.Refunded.StringFixed(2))
	if rc.RefundFailed {
		e.FieldStart("refundFailed")
		e.Bool(true)
	}

	e.FieldStart("orderNumbers")
	e.ArrStart()
	for _, n := range rc.OrderNumbers() {
		e.Str(n)
	}
	e.ArrEnd()

	e.FieldStart("lines")
	e.ArrStart()
	for i := range rc.Lines {
		encodeLine(e, &rc.Lines[i])
	}
	e.ArrEnd()
	e.ObjEnd()
}

func encodeLine(e *jx.Encoder, l *checkout.Line) {
	e.ObjStart()
	e.FieldStart("orderLineId")
	e.Str(l.OrderLineID)
	e.FieldStart("dealId")
	e.Str(l.DealID)
	e.FieldStart("title")
	e.Str(l.Title)
	e.FieldStart("price")
	e.Str(l.Price.StringFixed(2))
	e.FieldStart("oldPrice")
	e.Str(l.OldPrice.StringFixed(2))
	e.FieldStart("settled")
	e.Bool(l.Settled)
	if l.Settled {
		e.FieldStart("orderNumber")
		e.Str(l.OrderNumber)
		e.FieldStart("pickupCode")
		e.Str(l.PickupCode)
		e.FieldStart("qrPayload")
		e.Str(l.QRPayload)
	} else {
		e.FieldStart("reason")
		e.Str(l.Reason)
	}
	e.ObjEnd()
}
