package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/windeal/internal/domain/order"
)

var _ order.Store = (*MemoryStore)(nil)

// MemoryStore is a single-process order.Store. One mutex guards every
// read-modify-write, which makes Update a compare-and-set on status.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*order.Order
	seq     []string
	numbers map[string]string // order number -> id
	active  map[string]string // pickup code of PAID orders -> id
	// pickup code -> latest redemption carrying it
	redeemed map[string]time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*order.Order),
		numbers: make(map[string]string),
		active:  make(map[string]string),

		redeemed: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Insert(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[o.ID]; ok {
		return errors.Errorf("order %s already exists", o.ID)
	}
	if err := s.checkCodes(o.ID, o); err != nil {
		return err
	}

	c := clone(o)
	s.byID[o.ID] = &c
	s.seq = append(s.seq, o.ID)
	s.index(nil, &c)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.byID[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	c := clone(o)
	return &c, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(o *order.Order) error) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[id]
	if !ok {
		return nil, order.ErrNotFound
	}

	next := clone(cur)
	if err := fn(&next); err != nil {
		return nil, err
	}
	if err := s.checkCodes(id, &next); err != nil {
		return nil, err
	}

	prev := clone(cur)
	*cur = next
	s.index(&prev, cur)

	out := clone(cur)
	return &out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string, check func(o *order.Order) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[id]
	if !ok {
		return order.ErrNotFound
	}
	if check != nil {
		c := clone(cur)
		if err := check(&c); err != nil {
			return err
		}
	}

	s.index(cur, nil)
	delete(s.byID, id)
	for i, v := range s.seq {
		if v == id {
			s.seq = append(s.seq[:i], s.seq[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, f order.Filter) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]order.Order, 0)
	for _, id := range s.seq {
		o := s.byID[id]
		if f.Match(o) {
			out = append(out, clone(o))
		}
	}
	return out, nil
}

func (s *MemoryStore) FindByPickupCode(_ context.Context, code string) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []order.Order
	for _, id := range s.seq {
		if o := s.byID[id]; o.PickupCode == code {
			out = append(out, clone(o))
		}
	}
	return out, nil
}

func (s *MemoryStore) FindByOrderNumber(_ context.Context, number string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.numbers[number]
	if !ok {
		return nil, order.ErrNotFound
	}
	c := clone(s.byID[id])
	return &c, nil
}

func (s *MemoryStore) OrderNumberExists(_ context.Context, number string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.numbers[number]
	return ok, nil
}

func (s *MemoryStore) PickupCodeInUse(_ context.Context, code string, redeemedSince time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[code]; ok {
		return true, nil
	}
	at, ok := s.redeemed[code]
	return ok && !at.Before(redeemedSince), nil
}

// checkCodes must be called with s.mu held.
func (s *MemoryStore) checkCodes(id string, o *order.Order) error {
	if o.OrderNumber != "" {
		if owner, ok := s.numbers[o.OrderNumber]; ok && owner != id {
			return errors.Wrapf(order.ErrDuplicateCode, "order number %s", o.OrderNumber)
		}
	}
	if o.Status == order.StatusPaid && o.PickupCode != "" {
		if owner, ok := s.active[o.PickupCode]; ok && owner != id {
			return errors.Wrapf(order.ErrDuplicateCode, "pickup code %s", o.PickupCode)
		}
	}
	return nil
}

// index moves the code indexes from prev to next; either may be nil.
// Order numbers stay reserved forever, even after a hold is removed.
func (s *MemoryStore) index(prev, next *order.Order) {
	if prev != nil && prev.Status == order.StatusPaid && prev.PickupCode != "" {
		if s.active[prev.PickupCode] == prev.ID {
			delete(s.active, prev.PickupCode)
		}
	}
	if next == nil {
		return
	}
	if next.OrderNumber != "" {
		s.numbers[next.OrderNumber] = next.ID
	}
	if next.Status == order.StatusPaid && next.PickupCode != "" {
		s.active[next.PickupCode] = next.ID
	}
	if next.Status == order.StatusRedeemed && next.PickupCode != "" && next.RedeemedAt != nil {
		if at, ok := s.redeemed[next.PickupCode]; !ok || next.RedeemedAt.After(at) {
			s.redeemed[next.PickupCode] = *next.RedeemedAt
		}
	}
}

func clone(o *order.Order) order.Order {
	c := *o
	if o.PurchasedAt != nil {
		t := *o.PurchasedAt
		c.PurchasedAt = &t
	}
	if o.RedeemedAt != nil {
		t := *o.RedeemedAt
		c.RedeemedAt = &t
	}
	return c
}
