package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/windeal/internal/record"
)

// ListDeals returns live deals, optionally narrowed by ?store=.
func (h *Handler) ListDeals(w http.ResponseWriter, r *http.Request) {
	deals, err := h.catalog.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	now := h.ledger.Now()
	store := r.URL.Query().Get("store")
	live := deals[:0]
	for _, d := range deals {
		if d.Expired(now) || (store != "" && d.StoreName != store) {
			continue
		}
		live = append(live, d)
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range live {
			record.EncodeDeal(e, &live[i])
		}
		e.ArrEnd()
	})
}

// GetDeal returns a single deal, expired or not.
func (h *Handler) GetDeal(w http.ResponseWriter, r *http.Request) {
	d, err := h.catalog.GetDeal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		record.EncodeDeal(e, d)
	})
}
