package deal

import (
	"context"
	"math"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested deal does not exist in the catalog.
var ErrNotFound = errors.New("deal not found")

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64
	Lng float64
}

// IsZero reports whether the point is unset.
func (p GeoPoint) IsZero() bool {
	return p.Lat == 0 && p.Lng == 0
}

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two points.
func (p GeoPoint) DistanceKm(to GeoPoint) float64 {
	lat1 := p.Lat * math.Pi / 180
	lat2 := to.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (to.Lng - p.Lng) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Snapshot is an immutable copy of catalog data taken at reservation time.
// Orders embed it by value so later catalog edits never change a held price.
type Snapshot struct {
	ID              string
	Title           string
	StoreName       string
	Category        string
	OldPrice        decimal.Decimal
	NewPrice        decimal.Decimal
	DiscountPercent int
	ExpiresAt       time.Time
	ImageURL        string
	ShopAddress     string
	ShopPhone       string
	Location        GeoPoint
}

// Expired reports whether the deal is no longer live at now.
func (s Snapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Savings returns the per-unit amount saved against the original price.
func (s Snapshot) Savings() decimal.Decimal {
	return s.OldPrice.Sub(s.NewPrice)
}

// Discount returns the advertised discount percent, deriving it from the
// prices when the catalog left it unset.
func (s Snapshot) Discount() int {
	if s.DiscountPercent > 0 {
		return s.DiscountPercent
	}
	if !s.OldPrice.IsPositive() {
		return 0
	}
	pct := s.Savings().Div(s.OldPrice).Mul(decimal.NewFromInt(100)).Round(0)
	return int(pct.IntPart())
}

// Catalog is the read-only deal source consumed by the reservation ledger.
type Catalog interface {
	GetDeal(ctx context.Context, id string) (*Snapshot, error)
	List(ctx context.Context) ([]Snapshot, error)
}
