// Package ticket issues the redemption artifacts of a purchased line: a
// human readable order number, a short pickup code and a signed QR payload.
package ticket

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// QRPrefix marks a scanned string as a signed ticket payload.
	QRPrefix = "WINQR."

	digits       = "0123456789"
	letters      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	alphanumeric = digits + letters

	pickupCodeLen = 6

	defaultMaxAttempts = 16
	bloomCapacity      = 1_000_000
	bloomFPR           = 0.001
)

var (
	// ErrExhausted is returned when no unused code was found within the
	// attempt bound.
	ErrExhausted = errors.New("no unique code available")
	// ErrInvalidQR is returned for a payload that is malformed, tampered
	// with or signed by another key.
	ErrInvalidQR = errors.New("invalid qr payload")
)

// Registry answers uniqueness questions against issued tickets.
type Registry interface {
	OrderNumberExists(ctx context.Context, number string) (bool, error)
	PickupCodeInUse(ctx context.Context, code string) (bool, error)
}

// Ticket is the set of redemption artifacts for one order line.
type Ticket struct {
	OrderNumber string
	PickupCode  string
	QRPayload   string
	PurchasedAt time.Time
}

// Claims is the signed content of a QR payload.
type Claims struct {
	PickupCode string `json:"pc"`
	jwt.RegisteredClaims
}

// OrderLineID returns the line the payload was issued for.
func (c *Claims) OrderLineID() string {
	return c.Subject
}

// Issuer generates tickets.
type Issuer struct {
	registry    Registry
	secret      []byte
	random      io.Reader
	maxAttempts int

	mu     sync.Mutex
	issued *bloom.BloomFilter
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithRandom replaces the entropy source.
func WithRandom(r io.Reader) IssuerOption {
	return func(i *Issuer) {
		i.random = r
	}
}

// WithMaxAttempts bounds regeneration per code.
func WithMaxAttempts(n int) IssuerOption {
	return func(i *Issuer) {
		if n > 0 {
			i.maxAttempts = n
		}
	}
}

// NewIssuer creates an Issuer signing QR payloads with secret.
func NewIssuer(registry Registry, secret []byte, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		registry:    registry,
		secret:      secret,
		random:      rand.Reader,
		maxAttempts: defaultMaxAttempts,
		issued:      bloom.NewWithEstimates(bloomCapacity, bloomFPR),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Remember marks order numbers as taken, typically those already in the
// ledger at startup.
func (i *Issuer) Remember(numbers ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, n := range numbers {
		i.issued.AddString(n)
	}
}

// Issue generates a ticket for orderLineID purchased at purchasedAt. Codes
// are checked for uniqueness before returning; the caller still has to
// handle order.ErrDuplicateCode from the commit, which can happen if another
// process issued the same code in between.
func (i *Issuer) Issue(ctx context.Context, orderLineID string, purchasedAt time.Time) (*Ticket, error) {
	number, err := i.orderNumber(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "generate order number")
	}
	code, err := i.pickupCode(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "generate pickup code")
	}
	qr, err := i.Sign(orderLineID, code, purchasedAt)
	if err != nil {
		return nil, errors.Wrap(err, "sign qr payload")
	}

	return &Ticket{
		OrderNumber: number,
		PickupCode:  code,
		QRPayload:   qr,
		PurchasedAt: purchasedAt,
	}, nil
}

func (i *Issuer) orderNumber(ctx context.Context) (string, error) {
	for attempt := 0; attempt < i.maxAttempts; attempt++ {
		d, err := randomString(i.random, digits, 4)
		if err != nil {
			return "", err
		}
		suffix, err := randomString(i.random, alphanumeric, 2)
		if err != nil {
			return "", err
		}
		number := fmt.Sprintf("#WIN-%s-%s", d, suffix)

		// A filter hit is most likely a real collision; drawing again is
		// cheaper than asking the registry.
		if i.seen(number) {
			continue
		}
		exists, err := i.registry.OrderNumberExists(ctx, number)
		if err != nil {
			return "", errors.Wrap(err, "check order number")
		}
		if exists {
			i.Remember(number)
			continue
		}

		i.Remember(number)
		return number, nil
	}
	return "", ErrExhausted
}

// seen reports whether number may have been issued already.
func (i *Issuer) seen(number string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.issued.TestString(number)
}

func (i *Issuer) pickupCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < i.maxAttempts; attempt++ {
		code, err := randomString(i.random, alphanumeric, pickupCodeLen)
		if err != nil {
			return "", err
		}
		inUse, err := i.registry.PickupCodeInUse(ctx, code)
		if err != nil {
			return "", errors.Wrap(err, "check pickup code")
		}
		if !inUse {
			return code, nil
		}
	}
	return "", ErrExhausted
}

// Sign builds the QR payload for a line. The same inputs always produce the
// same payload.
func (i *Issuer) Sign(orderLineID, pickupCode string, purchasedAt time.Time) (string, error) {
	claims := Claims{
		PickupCode: pickupCode,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  orderLineID,
			IssuedAt: jwt.NewNumericDate(purchasedAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", err
	}
	return QRPrefix + signed, nil
}

// IsQR reports whether input looks like a QR payload rather than a code.
func IsQR(input string) bool {
	return strings.HasPrefix(input, QRPrefix)
}

// Parse verifies a QR payload and returns its claims.
func (i *Issuer) Parse(payload string) (*Claims, error) {
	raw, ok := strings.CutPrefix(payload, QRPrefix)
	if !ok {
		return nil, ErrInvalidQR
	}

	t, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidQR, err.Error())
	}

	c, ok := t.Claims.(*Claims)
	if !ok || !t.Valid || c.Subject == "" || c.PickupCode == "" {
		return nil, ErrInvalidQR
	}
	return c, nil
}

// randomString draws n characters from alphabet without modulo bias.
func randomString(r io.Reader, alphabet string, n int) (string, error) {
	limit := 256 - 256%len(alphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", errors.Wrap(err, "read random")
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
