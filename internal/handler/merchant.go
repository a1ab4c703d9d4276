package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/windeal/internal/domain/redemption"
)

// Validate looks a scanned ticket up without redeeming it:
// POST {"input": "<pickup code | order number | QR payload>"}.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	merchant, ok := MerchantFromContext(r.Context())
	if !ok {
		writeError(w, r, errUnauthorized)
		return
	}

	var input string
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "input" {
			return d.Skip()
		}
		v, err := d.Str()
		input = v
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if input == "" {
		writeError(w, r, badRequest("input is required"))
		return
	}

	res, err := h.validator.ValidateForStore(r.Context(), input, merchant.StoreName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeResult(e, res)
	})
}

// Redeem consumes a paid ticket of the merchant's store.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	merchant, ok := MerchantFromContext(r.Context())
	if !ok {
		writeError(w, r, errUnauthorized)
		return
	}

	o, err := h.validator.RedeemForStore(r.Context(), chi.URLParam(r, "id"), merchant.StoreName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

func encodeResult(e *jx.Encoder, res *redemption.Result) {
	e.ObjStart()
	e.FieldStart("orderLineId")
	e.Str(res.OrderLineID)
	e.FieldStart("title")
	e.Str(res.Title)
	e.FieldStart("storeName")
	e.Str(res.StoreName)
	e.FieldStart("finalPrice")
	e.Str(res.FinalPrice.StringFixed(2))
	e.FieldStart("oldPrice")
	e.Str(res.OldPrice.StringFixed(2))
	e.FieldStart("discountPercent")
	e.Int(res.DiscountPercent)
	e.FieldStart("orderNumber")
	e.Str(res.OrderNumber)
	e.FieldStart("pickupCode")
	e.Str(res.PickupCode)
	e.FieldStart("purchasedAt")
	e.Str(res.PurchasedAt.UTC().Format(time.RFC3339Nano))
	e.FieldStart("validUntil")
	e.Str(res.ValidUntil.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
}
