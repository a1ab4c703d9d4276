package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/windeal/internal/domain/deal"
	"github.com/xenking/windeal/internal/domain/ledger"
	"github.com/xenking/windeal/internal/domain/order"
	"github.com/xenking/windeal/internal/record"
)

// Reserve holds a deal: POST {"dealId": "..."}.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var dealID string
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "dealId" {
			return d.Skip()
		}
		v, err := d.Str()
		dealID = v
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if dealID == "" {
		writeError(w, r, badRequest("dealId is required"))
		return
	}

	o, err := h.ledger.ReserveDeal(r.Context(), dealID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusCreated, o)
}

// ListOrders returns order lines filtered by ?status= and ?store=. When
// ?lat= and ?lng= are both given, lines are sorted nearest first.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := order.Filter{StoreName: q.Get("store")}
	if s := q.Get("status"); s != "" {
		f.Status = order.Status(strings.ToUpper(s))
		if !f.Status.Valid() {
			writeError(w, r, badRequest("unknown status %q", s))
			return
		}
	}

	from, sorted, err := parseGeoPoint(q.Get("lat"), q.Get("lng"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	orders, err := h.ledger.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sorted {
		ledger.SortByDistance(orders, from)
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range orders {
			record.EncodeOrder(e, &orders[i])
		}
		e.ArrEnd()
	})
}

func parseGeoPoint(lat, lng string) (deal.GeoPoint, bool, error) {
	if lat == "" && lng == "" {
		return deal.GeoPoint{}, false, nil
	}
	if lat == "" || lng == "" {
		return deal.GeoPoint{}, false, badRequest("lat and lng must be given together")
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil || la < -90 || la > 90 {
		return deal.GeoPoint{}, false, badRequest("invalid lat %q", lat)
	}
	ln, err := strconv.ParseFloat(lng, 64)
	if err != nil || ln < -180 || ln > 180 {
		return deal.GeoPoint{}, false, badRequest("invalid lng %q", lng)
	}
	return deal.GeoPoint{Lat: la, Lng: ln}, true, nil
}

// GetOrder returns one order line.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

// RemoveOrder cancels a pending hold.
func (h *Handler) RemoveOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeOrder(w http.ResponseWriter, status int, o *order.Order) {
	writeJSON(w, status, func(e *jx.Encoder) {
		record.EncodeOrder(e, o)
	})
}
