// Package ledger is the authoritative record of order lines. It is the only
// component that changes an order's status; everything else reads or writes
// through it.
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/windeal/internal/domain/deal"
	"github.com/xenking/windeal/internal/domain/order"
)

// EventKind names a lifecycle change of an order line.
type EventKind string

const (
	EventReserved  EventKind = "order.reserved"
	EventCancelled EventKind = "order.cancelled"
	EventPaid      EventKind = "order.paid"
	EventExpired   EventKind = "order.expired"
	EventRedeemed  EventKind = "order.redeemed"
)

// Event is emitted after a change has been committed.
type Event struct {
	Kind  EventKind
	Order order.Order
	At    time.Time
}

// Notifier receives committed lifecycle events. Delivery is best effort: a
// notifier failure never rolls back the ledger.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}

// Ledger enforces the order state machine on top of an order.Store.
type Ledger struct {
	store    order.Store
	catalog  deal.Catalog
	notifier Notifier
	now      func() time.Time
	newID    func() string
	grace    time.Duration
}

// DefaultPickupCodeGrace is how long a redeemed order keeps its pickup code
// out of circulation.
const DefaultPickupCodeGrace = 24 * time.Hour

// Option configures a Ledger.
type Option func(*Ledger)

// WithNotifier sets the receiver of committed lifecycle events.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) {
		if n != nil {
			l.notifier = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithPickupCodeGrace sets how long a redeemed pickup code stays reserved.
func WithPickupCodeGrace(d time.Duration) Option {
	return func(l *Ledger) {
		if d >= 0 {
			l.grace = d
		}
	}
}

// WithCatalog sets the catalog used by ReserveDeal.
func WithCatalog(c deal.Catalog) Option {
	return func(l *Ledger) {
		l.catalog = c
	}
}

// New creates a Ledger backed by store.
func New(store order.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		notifier: nopNotifier{},
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		grace:    DefaultPickupCodeGrace,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger's current time. Components sharing a ledger use it
// so that tests can drive every clock from one place.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Reserve places a hold on a copy of snap.
func (l *Ledger) Reserve(ctx context.Context, snap deal.Snapshot) (*order.Order, error) {
	now := l.now()
	if snap.Expired(now) {
		return nil, order.ErrDealExpired
	}

	o := &order.Order{
		ID:         l.newID(),
		Deal:       snap,
		ReservedAt: now,
		Status:     order.StatusPending,
	}
	if err := l.store.Insert(ctx, o); err != nil {
		return nil, errors.Wrap(err, "insert order")
	}

	l.notifier.Notify(ctx, Event{Kind: EventReserved, Order: *o, At: now})
	return o, nil
}

// ReserveDeal looks the deal up in the catalog and reserves it.
func (l *Ledger) ReserveDeal(ctx context.Context, dealID string) (*order.Order, error) {
	if l.catalog == nil {
		return nil, errors.New("catalog not configured")
	}
	snap, err := l.catalog.GetDeal(ctx, dealID)
	if err != nil {
		return nil, errors.Wrapf(err, "get deal %s", dealID)
	}
	return l.Reserve(ctx, *snap)
}

// Remove cancels a pending hold.
func (l *Ledger) Remove(ctx context.Context, id string) error {
	var removed order.Order
	err := l.store.Delete(ctx, id, func(o *order.Order) error {
		if o.Status != order.StatusPending {
			return order.ErrInvalidState
		}
		removed = *o
		return nil
	})
	if err != nil {
		return err
	}

	l.notifier.Notify(ctx, Event{Kind: EventCancelled, Order: removed, At: l.now()})
	return nil
}

// Get returns a single order line.
func (l *Ledger) Get(ctx context.Context, id string) (*order.Order, error) {
	return l.store.Get(ctx, id)
}

// ListByStatus returns every order in status, in insertion order.
func (l *Ledger) ListByStatus(ctx context.Context, status order.Status) ([]order.Order, error) {
	return l.store.List(ctx, order.Filter{Status: status})
}

// ListByStore returns every order of storeName, in insertion order.
func (l *Ledger) ListByStore(ctx context.Context, storeName string) ([]order.Order, error) {
	return l.store.List(ctx, order.Filter{StoreName: storeName})
}

// List returns the orders matching f, in insertion order.
func (l *Ledger) List(ctx context.Context, f order.Filter) ([]order.Order, error) {
	return l.store.List(ctx, f)
}

// Transition moves an order from one status to another. It fails with an
// *order.InvalidTransitionError when the order is not in from at commit
// time. mutate runs on the order after the status has been set and may
// veto the change by returning an error.
//
// The order number, pickup code and purchase time must all be assigned by
// mutate on PENDING -> PAID and are frozen on every other edge; otherwise
// the transition fails with order.ErrTicketFields.
func (l *Ledger) Transition(
	ctx context.Context,
	id string,
	from, to order.Status,
	mutate func(o *order.Order) error,
) (*order.Order, error) {
	if !order.CanTransition(from, to) {
		return nil, errors.Wrapf(order.ErrInvalidTransition, "%s -> %s is not allowed", from, to)
	}

	updated, err := l.store.Update(ctx, id, func(o *order.Order) error {
		if o.Status != from {
			return &order.InvalidTransitionError{
				OrderLineID: id,
				From:        from,
				To:          to,
				Actual:      o.Status,
			}
		}
		before := ticketOf(o)
		o.Status = to
		if mutate != nil {
			if err := mutate(o); err != nil {
				return err
			}
		}
		return checkTicket(from, to, before, ticketOf(o))
	})
	if err != nil {
		return nil, err
	}

	l.notifier.Notify(ctx, Event{Kind: eventFor(to), Order: *updated, At: l.now()})
	return updated, nil
}

type ticketFields struct {
	number      string
	pickupCode  string
	purchasedAt *time.Time
}

func ticketOf(o *order.Order) ticketFields {
	return ticketFields{number: o.OrderNumber, pickupCode: o.PickupCode, purchasedAt: o.PurchasedAt}
}

func (t ticketFields) empty() bool {
	return t.number == "" && t.pickupCode == "" && t.purchasedAt == nil
}

func (t ticketFields) complete() bool {
	return t.number != "" && t.pickupCode != "" && t.purchasedAt != nil
}

func (t ticketFields) equal(o ticketFields) bool {
	if t.number != o.number || t.pickupCode != o.pickupCode {
		return false
	}
	if t.purchasedAt == nil || o.purchasedAt == nil {
		return t.purchasedAt == o.purchasedAt
	}
	return t.purchasedAt.Equal(*o.purchasedAt)
}

func checkTicket(from, to order.Status, before, after ticketFields) error {
	if from == order.StatusPending && to == order.StatusPaid {
		if !before.empty() || !after.complete() {
			return errors.Wrap(order.ErrTicketFields, "payment must assign order number, pickup code and purchase time")
		}
		return nil
	}
	if !before.equal(after) {
		return errors.Wrapf(order.ErrTicketFields, "%s -> %s changed the ticket", from, to)
	}
	return nil
}

func eventFor(to order.Status) EventKind {
	switch to {
	case order.StatusPaid:
		return EventPaid
	case order.StatusExpired:
		return EventExpired
	case order.StatusRedeemed:
		return EventRedeemed
	default:
		return EventKind("order." + string(to))
	}
}

// FindByPickupCode returns all orders ever issued code.
func (l *Ledger) FindByPickupCode(ctx context.Context, code string) ([]order.Order, error) {
	return l.store.FindByPickupCode(ctx, code)
}

// FindByOrderNumber returns the order carrying number.
func (l *Ledger) FindByOrderNumber(ctx context.Context, number string) (*order.Order, error) {
	return l.store.FindByOrderNumber(ctx, number)
}

// OrderNumberExists reports whether number was ever issued.
func (l *Ledger) OrderNumberExists(ctx context.Context, number string) (bool, error) {
	return l.store.OrderNumberExists(ctx, number)
}

// PickupCodeInUse reports whether a PAID order holds code, or an order
// redeemed within the grace period does.
func (l *Ledger) PickupCodeInUse(ctx context.Context, code string) (bool, error) {
	return l.store.PickupCodeInUse(ctx, code, l.now().Add(-l.grace))
}

// SortByDistance orders lines by distance from the given point, nearest
// first. Ties keep insertion order.
func SortByDistance(orders []order.Order, from deal.GeoPoint) {
	sort.SliceStable(orders, func(i, j int) bool {
		return from.DistanceKm(orders[i].Deal.Location) < from.DistanceKm(orders[j].Deal.Location)
	})
}
