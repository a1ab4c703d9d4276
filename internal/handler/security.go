package handler

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/go-faster/errors"

	"github.com/xenking/windeal/internal/domain/auth"
)

// APIKeyHeader carries the merchant API key.
const APIKeyHeader = "X-API-Key"

type merchantKey struct{}

// MerchantFromContext returns the authenticated merchant key, if any.
func MerchantFromContext(ctx context.Context) (*auth.APIKeyInfo, bool) {
	info, ok := ctx.Value(merchantKey{}).(*auth.APIKeyInfo)
	return info, ok
}

// Authenticator checks merchant API keys against their HMAC-SHA256 hashes.
type Authenticator struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewAuthenticator creates an Authenticator with the given key repository
// and HMAC pepper.
func NewAuthenticator(apikeys auth.Repository, pepper []byte) *Authenticator {
	return &Authenticator{
		apikeys: apikeys,
		pepper:  pepper,
	}
}

// Authenticate resolves a raw API key.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (*auth.APIKeyInfo, error) {
	if key == "" {
		return nil, errUnauthorized
	}
	hash := auth.Hash(a.pepper, key)

	info, err := a.apikeys.FindByHash(ctx, hash)
	if errors.Is(err, auth.ErrUnknownKey) {
		return nil, errUnauthorized
	}
	if err != nil {
		return nil, errors.Wrap(err, "find api key")
	}

	// The repository matched on hash; compare again without leaking timing
	// in case it returned a row that differs from what we computed.
	if subtle.ConstantTimeCompare([]byte(hash), []byte(info.KeyHash)) != 1 {
		return nil, errUnauthorized
	}
	return info, nil
}

// Require authenticates the request's API key and checks it grants scope.
func (a *Authenticator) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				key = r.Header.Get("api_key")
			}

			info, err := a.Authenticate(r.Context(), key)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if !info.HasScope(scope) {
				writeError(w, r, errForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), merchantKey{}, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MerchantKey keys rate limiting on the authenticated store, falling back
// to "" for unauthenticated requests.
func MerchantKey(r *http.Request) string {
	if info, ok := MerchantFromContext(r.Context()); ok {
		return "merchant:" + info.StoreName
	}
	return ""
}
