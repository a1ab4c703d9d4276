package deal

import (
	"context"
	"sort"
	"sync"
)

var _ Catalog = (*MemoryCatalog)(nil)

// MemoryCatalog is a Catalog held in process memory.
type MemoryCatalog struct {
	mu    sync.RWMutex
	deals map[string]Snapshot
}

// NewMemoryCatalog returns a catalog containing deals.
func NewMemoryCatalog(deals ...Snapshot) *MemoryCatalog {
	c := &MemoryCatalog{deals: make(map[string]Snapshot, len(deals))}
	c.Put(deals...)
	return c
}

// Put adds or replaces deals.
func (c *MemoryCatalog) Put(deals ...Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range deals {
		c.deals[d.ID] = d
	}
}

func (c *MemoryCatalog) GetDeal(_ context.Context, id string) (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.deals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

// List returns every deal ordered by expiry, then id.
func (c *MemoryCatalog) List(_ context.Context) ([]Snapshot, error) {
	c.mu.RLock()
	out := make([]Snapshot, 0, len(c.deals))
	for _, d := range c.deals {
		out = append(out, d)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
