package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/windeal/internal/domain/auth"
	"github.com/xenking/windeal/internal/domain/checkout"
	"github.com/xenking/windeal/internal/domain/deal"
	"github.com/xenking/windeal/internal/domain/ledger"
	"github.com/xenking/windeal/internal/domain/redemption"
	"github.com/xenking/windeal/internal/domain/ticket"
	"github.com/xenking/windeal/internal/gateway"
)

var startTime = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

var pepper = []byte("test-pepper")

type fixture struct {
	now     time.Time
	catalog *deal.MemoryCatalog
	ledger  *ledger.Ledger
	router  http.Handler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{now: startTime}
	f.catalog = deal.NewMemoryCatalog(
		deal.Snapshot{
			ID: "latte", Title: "Iced latte", StoreName: "Cafe",
			OldPrice: decimal.RequireFromString("35.00"), NewPrice: decimal.RequireFromString("17.50"),
			ExpiresAt: startTime.Add(time.Hour),
			Location:  deal.GeoPoint{Lat: 13.75, Lng: 100.50},
		},
		deal.Snapshot{
			ID: "croissant", Title: "Croissant", StoreName: "Cafe",
			OldPrice: decimal.RequireFromString("9.00"), NewPrice: decimal.RequireFromString("4.50"),
			ExpiresAt: startTime.Add(2 * time.Hour),
			Location:  deal.GeoPoint{Lat: 18.79, Lng: 98.98},
		},
		deal.Snapshot{
			ID: "bread", Title: "Sourdough", StoreName: "Bakery",
			OldPrice: decimal.RequireFromString("80.00"), NewPrice: decimal.RequireFromString("40.00"),
			ExpiresAt: startTime.Add(-time.Minute),
		},
	)
	f.ledger = ledger.New(ledger.NewMemoryStore(),
		ledger.WithCatalog(f.catalog),
		ledger.WithClock(func() time.Time { return f.now }),
	)

	issuer := ticket.NewIssuer(f.ledger, []byte("qr-secret"))
	co, err := checkout.NewService(f.ledger, gateway.NewRouter(gateway.NewCash(nil), nil), issuer, checkout.DefaultConfig())
	require.NoError(t, err)

	keys, err := auth.NewStaticRepository(pepper, []string{"Cafe=cafe-key", "Bakery=bakery-key"})
	require.NoError(t, err)

	v, err := redemption.New(f.ledger, issuer)
	require.NoError(t, err)
	h := New(f.catalog, f.ledger, co, v, NewAuthenticator(keys, pepper), opts...)
	f.router = h.Routes()
	return f
}

type response struct {
	Code int
	Body map[string]any
	List []map[string]any
}

func (f *fixture) do(t *testing.T, method, path, body string, header ...string) response {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	res := response{Code: w.Code}
	if w.Body.Len() == 0 {
		return res
	}
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	if strings.HasPrefix(w.Body.String(), "[") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res.List))
	} else {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res.Body))
	}
	return res
}

func (f *fixture) reserve(t *testing.T, dealID string) string {
	t.Helper()
	res := f.do(t, http.MethodPost, "/orders", `{"dealId":"`+dealID+`"}`)
	require.Equal(t, http.StatusCreated, res.Code, res.Body)
	return res.Body["orderLineId"].(string)
}

func requireError(t *testing.T, res response, code int, reason string) {
	t.Helper()
	require.Equal(t, code, res.Code, res.Body)
	assert.Equal(t, float64(code), res.Body["code"])
	assert.Equal(t, reason, res.Body["reason"])
	assert.NotEmpty(t, res.Body["message"])
}

func TestDeals(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodGet, "/deals", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Len(t, res.List, 2)
	assert.Equal(t, "latte", res.List[0]["id"])
	assert.Equal(t, "17.50", res.List[0]["newPrice"])
	assert.Equal(t, float64(50), res.List[0]["discountPercent"])

	res = f.do(t, http.MethodGet, "/deals?store=Bakery", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Empty(t, res.List)

	res = f.do(t, http.MethodGet, "/deals/bread", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "Sourdough", res.Body["title"])

	requireError(t, f.do(t, http.MethodGet, "/deals/missing", ""), http.StatusNotFound, "deal_not_found")
}

func TestOrders(t *testing.T) {
	f := newFixture(t)

	for _, tt := range []struct {
		name   string
		body   string
		code   int
		reason string
	}{
		{"NotJSON", `dealId=latte`, http.StatusBadRequest, "bad_request"},
		{"MissingDeal", `{}`, http.StatusBadRequest, "bad_request"},
		{"UnknownDeal", `{"dealId":"missing"}`, http.StatusNotFound, "deal_not_found"},
		{"ExpiredDeal", `{"dealId":"bread"}`, http.StatusGone, "deal_expired"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			requireError(t, f.do(t, http.MethodPost, "/orders", tt.body), tt.code, tt.reason)
		})
	}

	latte := f.reserve(t, "latte")
	croissant := f.reserve(t, "croissant")

	res := f.do(t, http.MethodGet, "/orders/"+latte, "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "PENDING", res.Body["status"])
	assert.Equal(t, float64(startTime.UnixMilli()), res.Body["reservedAt"])
	assert.NotContains(t, res.Body, "orderNumber")

	res = f.do(t, http.MethodGet, "/orders?status=pending&store=Cafe", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Len(t, res.List, 2)
	assert.Equal(t, latte, res.List[0]["orderLineId"])

	// Chiang Mai is nearer the croissant shop.
	res = f.do(t, http.MethodGet, "/orders?lat=18.78&lng=98.98", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Len(t, res.List, 2)
	assert.Equal(t, croissant, res.List[0]["orderLineId"])

	requireError(t, f.do(t, http.MethodGet, "/orders?status=LOST", ""), http.StatusBadRequest, "bad_request")
	requireError(t, f.do(t, http.MethodGet, "/orders?lat=1", ""), http.StatusBadRequest, "bad_request")
	requireError(t, f.do(t, http.MethodGet, "/orders?lat=91&lng=0", ""), http.StatusBadRequest, "bad_request")

	res = f.do(t, http.MethodDelete, "/orders/"+croissant, "")
	assert.Equal(t, http.StatusNoContent, res.Code)
	requireError(t, f.do(t, http.MethodDelete, "/orders/"+croissant, ""), http.StatusNotFound, "not_found")
	requireError(t, f.do(t, http.MethodGet, "/orders/"+croissant, ""), http.StatusNotFound, "not_found")
}

func TestCheckout(t *testing.T) {
	f := newFixture(t)
	f.reserve(t, "latte")
	f.reserve(t, "croissant")

	requireError(t, f.do(t, http.MethodPost, "/checkout", `{"method":"cash"}`), http.StatusBadRequest, "bad_request")
	requireError(t, f.do(t, http.MethodPost, "/checkout", `{"storeName":"Cafe","method":"barter"}`),
		http.StatusBadRequest, "unsupported_method")

	res := f.do(t, http.MethodPost, "/checkout", `{"storeName":"Cafe","method":"cash"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	assert.Equal(t, "22.00", res.Body["subtotal"])
	assert.Equal(t, "0.50", res.Body["serviceFee"])
	assert.Equal(t, "22.50", res.Body["total"])
	assert.Equal(t, "22.00", res.Body["totalSavings"])
	assert.Equal(t, "0.00", res.Body["refunded"])
	assert.Len(t, res.Body["orderNumbers"], 2)

	lines := res.Body["lines"].([]any)
	require.Len(t, lines, 2)
	for _, l := range lines {
		line := l.(map[string]any)
		assert.Equal(t, true, line["settled"])
		assert.Regexp(t, `^#WIN-\d{4}-[A-Z0-9]{2}$`, line["orderNumber"])
		assert.Regexp(t, `^[0-9A-Z]{6}$`, line["pickupCode"])
		assert.True(t, strings.HasPrefix(line["qrPayload"].(string), ticket.QRPrefix))
		assert.NotContains(t, line, "reason")
	}

	requireError(t, f.do(t, http.MethodPost, "/checkout", `{"storeName":"Cafe","method":"cash"}`),
		http.StatusUnprocessableEntity, "empty_batch")
}

func TestMerchant(t *testing.T) {
	var seen []string
	f := newFixture(t, WithMerchantMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, MerchantKey(r))
			next.ServeHTTP(w, r)
		})
	}))
	id := f.reserve(t, "latte")
	res := f.do(t, http.MethodPost, "/checkout", `{"storeName":"Cafe","method":"cash"}`)
	require.Equal(t, http.StatusOK, res.Code)
	line := res.Body["lines"].([]any)[0].(map[string]any)
	code := line["pickupCode"].(string)
	number := line["orderNumber"].(string)

	body := `{"input":"` + code + `"}`
	requireError(t, f.do(t, http.MethodPost, "/merchant/validate", body), http.StatusUnauthorized, "unauthorized")
	requireError(t, f.do(t, http.MethodPost, "/merchant/validate", body, APIKeyHeader, "guess"),
		http.StatusUnauthorized, "unauthorized")
	requireError(t, f.do(t, http.MethodPost, "/merchant/validate", body, APIKeyHeader, "bakery-key"),
		http.StatusNotFound, "not_found")
	requireError(t, f.do(t, http.MethodPost, "/merchant/validate", `{"input":"ZZZZZZ"}`, APIKeyHeader, "cafe-key"),
		http.StatusNotFound, "not_found")
	assert.Equal(t, []string{"merchant:Bakery", "merchant:Cafe"}, seen)

	for _, input := range []string{code, number, strings.TrimPrefix(strings.ToLower(number), "#"), line["qrPayload"].(string)} {
		res = f.do(t, http.MethodPost, "/merchant/validate", `{"input":"`+input+`"}`, "api_key", "cafe-key")
		require.Equal(t, http.StatusOK, res.Code, res.Body)
		assert.Equal(t, id, res.Body["orderLineId"])
		assert.Equal(t, "17.50", res.Body["finalPrice"])
		assert.Equal(t, "35.00", res.Body["oldPrice"])
		assert.Equal(t, float64(50), res.Body["discountPercent"])
		assert.Equal(t, number, res.Body["orderNumber"])
		assert.Equal(t, startTime.Add(redemption.DefaultWindow).Format(time.RFC3339Nano), res.Body["validUntil"])
	}

	requireError(t, f.do(t, http.MethodPost, "/merchant/orders/"+id+"/redeem", "", APIKeyHeader, "bakery-key"),
		http.StatusNotFound, "not_found")

	f.now = f.now.Add(time.Hour)
	res = f.do(t, http.MethodPost, "/merchant/orders/"+id+"/redeem", "", APIKeyHeader, "cafe-key")
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	assert.Equal(t, "REDEEMED", res.Body["status"])
	assert.Equal(t, f.now.Format(time.RFC3339Nano), res.Body["redeemedAt"])

	requireError(t, f.do(t, http.MethodPost, "/merchant/orders/"+id+"/redeem", "", APIKeyHeader, "cafe-key"),
		http.StatusConflict, "already_redeemed")
	requireError(t, f.do(t, http.MethodPost, "/merchant/validate", body, APIKeyHeader, "cafe-key"),
		http.StatusConflict, "already_redeemed")
}

func TestMerchant_ValidityLapsed(t *testing.T) {
	f := newFixture(t)
	id := f.reserve(t, "latte")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/checkout", `{"storeName":"Cafe","method":"cash"}`).Code)

	f.now = f.now.Add(redemption.DefaultWindow + time.Second)
	requireError(t, f.do(t, http.MethodPost, "/merchant/orders/"+id+"/redeem", "", APIKeyHeader, "cafe-key"),
		http.StatusGone, "validity_lapsed")
}

type scopelessKeys struct{}

func (scopelessKeys) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	return &auth.APIKeyInfo{KeyHash: hash, StoreName: "Cafe"}, nil
}

type failingKeys struct{}

func (failingKeys) FindByHash(context.Context, string) (*auth.APIKeyInfo, error) {
	return nil, errors.New("connection reset")
}

func TestAuthenticator(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, tt := range []struct {
		name string
		keys auth.Repository
		code int
	}{
		{"MissingScope", scopelessKeys{}, http.StatusForbidden},
		{"RepositoryDown", failingKeys{}, http.StatusInternalServerError},
	} {
		t.Run(tt.name, func(t *testing.T) {
			mw := NewAuthenticator(tt.keys, pepper).Require(auth.ScopeRedeem)
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.Header.Set(APIKeyHeader, "any")
			w := httptest.NewRecorder()
			mw(ok).ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

type brokenCatalog struct {
	deal.Catalog
}

func (brokenCatalog) List(context.Context) ([]deal.Snapshot, error) {
	return nil, errors.New("catalog offline")
}

func TestInternalErrorIsHidden(t *testing.T) {
	f := newFixture(t)
	h := New(brokenCatalog{}, f.ledger, nil, nil, NewAuthenticator(scopelessKeys{}, pepper))
	f.router = h.Routes()

	res := f.do(t, http.MethodGet, "/deals", "")
	requireError(t, res, http.StatusInternalServerError, "internal")
	assert.Equal(t, "internal error", res.Body["message"])

	requireError(t, f.do(t, http.MethodGet, "/nowhere", ""), http.StatusNotFound, "route_not_found")
	requireError(t, f.do(t, http.MethodPut, "/deals", ""), http.StatusMethodNotAllowed, "method_not_allowed")
}
