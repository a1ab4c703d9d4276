package order

import (
	"context"
	"time"

	"github.com/xenking/windeal/internal/domain/deal"
)

// Status is the lifecycle state of an order line.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusPaid     Status = "PAID"
	StatusRedeemed Status = "REDEEMED"
	StatusExpired  Status = "EXPIRED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusRedeemed, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusRedeemed || s == StatusExpired
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Customer cancellation of a pending hold removes the line and is not a
// status edge.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusPaid || to == StatusExpired
	case StatusPaid:
		return to == StatusRedeemed
	}
	return false
}

// Order is a single held or purchased deal line.
type Order struct {
	ID          string
	Deal        deal.Snapshot
	ReservedAt  time.Time
	Status      Status
	OrderNumber string
	PickupCode  string
	PurchasedAt *time.Time
	RedeemedAt  *time.Time
}

// Ticketed reports whether the redemption artifacts have been assigned.
func (o *Order) Ticketed() bool {
	return o.OrderNumber != "" && o.PickupCode != ""
}

// Filter narrows a listing. Zero fields match everything.
type Filter struct {
	Status    Status
	StoreName string
}

// Match reports whether o satisfies the filter.
func (f Filter) Match(o *Order) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.StoreName != "" && o.Deal.StoreName != f.StoreName {
		return false
	}
	return true
}

// Store persists order lines. Implementations must make Update and Delete
// atomic with respect to each other: fn observes the current row and its
// result is committed only if nothing else changed the row in between.
//
// Update and Insert return ErrDuplicateCode when committing would give two
// orders the same order number, or two PAID orders the same pickup code.
//
// PickupCodeInUse reports whether a PAID order holds code, or an order
// redeemed at or after redeemedSince does.
type Store interface {
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, id string, fn func(o *Order) error) (*Order, error)
	Delete(ctx context.Context, id string, check func(o *Order) error) error
	List(ctx context.Context, f Filter) ([]Order, error)
	FindByPickupCode(ctx context.Context, code string) ([]Order, error)
	FindByOrderNumber(ctx context.Context, number string) (*Order, error)
	OrderNumberExists(ctx context.Context, number string) (bool, error)
	PickupCodeInUse(ctx context.Context, code string, redeemedSince time.Time) (bool, error)
}
