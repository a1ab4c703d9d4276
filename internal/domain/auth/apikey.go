// Package auth identifies merchants by API key.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/go-faster/errors"
)

// ErrUnknownKey is returned when no active key matches.
var ErrUnknownKey = errors.New("unknown api key")

// ScopeRedeem allows validating and redeeming a store's tickets.
const ScopeRedeem = "redeem"

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID        string
	KeyHash   string
	Name      string
	StoreName string
	Scopes    []string
}

// HasScope reports whether the key grants scope.
func (i *APIKeyInfo) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// Hash returns the hex HMAC-SHA256 of key under pepper, the form in which
// keys are stored.
func Hash(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// StaticRepository serves keys configured as "store=key" pairs.
type StaticRepository struct {
	byHash map[string]*APIKeyInfo
}

var _ Repository = (*StaticRepository)(nil)

// NewStaticRepository hashes the configured pairs with pepper.
func NewStaticRepository(pepper []byte, pairs []string) (*StaticRepository, error) {
	r := &StaticRepository{byHash: make(map[string]*APIKeyInfo, len(pairs))}
	for _, p := range pairs {
		store, key, ok := strings.Cut(p, "=")
		store, key = strings.TrimSpace(store), strings.TrimSpace(key)
		if !ok || store == "" || key == "" {
			return nil, errors.Errorf("merchant key %q: want store=key", p)
		}
		h := Hash(pepper, key)
		r.byHash[h] = &APIKeyInfo{
			ID:        "static:" + store,
			KeyHash:   h,
			Name:      store,
			StoreName: store,
			Scopes:    []string{ScopeRedeem},
		}
	}
	return r, nil
}

// Keys returns copies of the configured keys ordered by store.
func (r *StaticRepository) Keys() []APIKeyInfo {
	out := make([]APIKeyInfo, 0, len(r.byHash))
	for _, info := range r.byHash {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoreName < out[j].StoreName })
	return out
}

func (r *StaticRepository) FindByHash(_ context.Context, hash string) (*APIKeyInfo, error) {
	info, ok := r.byHash[hash]
	if !ok {
		return nil, ErrUnknownKey
	}
	c := *info
	return &c, nil
}
