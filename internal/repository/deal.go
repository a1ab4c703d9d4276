package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/windeal/internal/domain/deal"
)

const (
	dealColumns = `id, title, store_name, category, old_price, new_price, discount_percent,
	expires_at, image_url, shop_address, shop_phone, lat, lng`

	getDealSQL = `SELECT ` + dealColumns + ` FROM deals WHERE id = $1`

	listDealsSQL = `SELECT ` + dealColumns + ` FROM deals ORDER BY expires_at, id`

	upsertDealSQL = `INSERT INTO deals (` + dealColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (id) DO UPDATE SET
		title = EXCLUDED.title,
		store_name = EXCLUDED.store_name,
		category = EXCLUDED.category,
		old_price = EXCLUDED.old_price,
		new_price = EXCLUDED.new_price,
		discount_percent = EXCLUDED.discount_percent,
		expires_at = EXCLUDED.expires_at,
		image_url = EXCLUDED.image_url,
		shop_address = EXCLUDED.shop_address,
		shop_phone = EXCLUDED.shop_phone,
		lat = EXCLUDED.lat,
		lng = EXCLUDED.lng,
		updated_at = NOW()`
)

var _ deal.Catalog = (*DealRepository)(nil)

// DealRepository implements deal.Catalog backed by PostgreSQL.
type DealRepository struct {
	pool *pgxpool.Pool
}

// NewDealRepository returns a DealRepository that uses the given pool.
func NewDealRepository(pool *pgxpool.Pool) *DealRepository {
	return &DealRepository{pool: pool}
}

// GetDeal returns a single deal. Returns deal.ErrNotFound when no deal with
// the given ID exists.
func (r *DealRepository) GetDeal(ctx context.Context, id string) (*deal.Snapshot, error) {
	rows, err := r.pool.Query(ctx, getDealSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting deal %q: %w", id, err)
	}

	s, err := pgx.CollectExactlyOneRow(rows, scanDeal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, deal.ErrNotFound
		}
		return nil, fmt.Errorf("getting deal %q: %w", id, err)
	}
	return &s, nil
}

// List returns every deal ordered by expiry.
func (r *DealRepository) List(ctx context.Context) ([]deal.Snapshot, error) {
	rows, err := r.pool.Query(ctx, listDealsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing deals: %w", err)
	}

	deals, err := pgx.CollectRows(rows, scanDeal)
	if err != nil {
		return nil, fmt.Errorf("listing deals: %w", err)
	}
	return deals, nil
}

// Upsert inserts or replaces deals in a single batch.
func (r *DealRepository) Upsert(ctx context.Context, deals []deal.Snapshot) error {
	b := &pgx.Batch{}
	for _, s := range deals {
		b.Queue(upsertDealSQL,
			s.ID, s.Title, s.StoreName, s.Category, s.OldPrice, s.NewPrice, s.Discount(),
			s.ExpiresAt, s.ImageURL, s.ShopAddress, s.ShopPhone, s.Location.Lat, s.Location.Lng,
		)
	}

	br := r.pool.SendBatch(ctx, b)
	for _, s := range deals {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("upserting deal %q: %w", s.ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("upserting deals: %w", err)
	}
	return nil
}

func scanDeal(row pgx.CollectableRow) (deal.Snapshot, error) {
	var s deal.Snapshot
	err := row.Scan(
		&s.ID, &s.Title, &s.StoreName, &s.Category, &s.OldPrice, &s.NewPrice, &s.DiscountPercent,
		&s.ExpiresAt, &s.ImageURL, &s.ShopAddress, &s.ShopPhone, &s.Location.Lat, &s.Location.Lng,
	)
	s.ExpiresAt = s.ExpiresAt.UTC()
	return s, err
}
