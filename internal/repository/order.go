package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/windeal/internal/domain/order"
	"github.com/xenking/windeal/internal/record"
)

const (
	orderColumns = `id::text, deal_snapshot, reserved_at, status, order_number, pickup_code, purchased_at, redeemed_at`

	insertOrderSQL = `INSERT INTO order_lines
	(id, store_name, deal_snapshot, status, reserved_at, order_number, pickup_code, purchased_at, redeemed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM order_lines WHERE id = $1`

	getOrderForUpdateSQL = getOrderSQL + ` FOR UPDATE`

	updateOrderSQL = `UPDATE order_lines
	SET status = $2, order_number = $3, pickup_code = $4, purchased_at = $5, redeemed_at = $6
	WHERE id = $1 AND status = $7`

	deleteOrderSQL = `DELETE FROM order_lines WHERE id = $1 AND status = $2`

	listOrdersSQL = `SELECT ` + orderColumns + ` FROM order_lines
	WHERE ($1::text = '' OR status = $1) AND ($2::text = '' OR store_name = $2)
	ORDER BY seq`

	findByPickupCodeSQL = `SELECT ` + orderColumns + ` FROM order_lines WHERE pickup_code = $1 ORDER BY seq`

	findByOrderNumberSQL = `SELECT ` + orderColumns + ` FROM order_lines WHERE order_number = $1`

	orderNumberExistsSQL = `SELECT EXISTS (SELECT 1 FROM order_lines WHERE order_number = $1)`

	pickupCodeInUseSQL = `SELECT EXISTS (SELECT 1 FROM order_lines WHERE pickup_code = $1
	AND (status = 'PAID' OR (status = 'REDEEMED' AND redeemed_at >= $2)))`
)

var _ order.Store = (*OrderRepository)(nil)

// OrderRepository implements order.Store backed by PostgreSQL. Updates lock
// the row and re-check its status in the UPDATE, so concurrent writers from
// any number of processes serialize on the row.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) Insert(ctx context.Context, o *order.Order) error {
	_, err := conn(ctx, r.pool).Exec(ctx, insertOrderSQL,
		o.ID, o.Deal.StoreName, encodeSnapshot(o), string(o.Status), o.ReservedAt,
		nullable(o.OrderNumber), nullable(o.PickupCode), o.PurchasedAt, o.RedeemedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(order.ErrDuplicateCode, "inserting order %q", o.ID)
		}
		return fmt.Errorf("inserting order %q: %w", o.ID, err)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.getOne(ctx, getOrderSQL, id)
}

func (r *OrderRepository) getOne(ctx context.Context, sql, id string) (*order.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, order.ErrNotFound
	}
	rows, err := conn(ctx, r.pool).Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return &o, nil
}

func (r *OrderRepository) Update(ctx context.Context, id string, fn func(o *order.Order) error) (*order.Order, error) {
	var updated *order.Order
	err := withTx(ctx, r.pool, func(ctx context.Context) error {
		cur, err := r.getOne(ctx, getOrderForUpdateSQL, id)
		if err != nil {
			return err
		}
		expected := cur.Status

		if err := fn(cur); err != nil {
			return err
		}

		tag, err := conn(ctx, r.pool).Exec(ctx, updateOrderSQL,
			id, string(cur.Status), nullable(cur.OrderNumber), nullable(cur.PickupCode),
			cur.PurchasedAt, cur.RedeemedAt, string(expected),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Wrapf(order.ErrDuplicateCode, "updating order %q", id)
			}
			return fmt.Errorf("updating order %q: %w", id, err)
		}
		if tag.RowsAffected() != 1 {
			return errors.Wrapf(order.ErrInvalidTransition, "order %q changed concurrently", id)
		}

		updated = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *OrderRepository) Delete(ctx context.Context, id string, check func(o *order.Order) error) error {
	return withTx(ctx, r.pool, func(ctx context.Context) error {
		cur, err := r.getOne(ctx, getOrderForUpdateSQL, id)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(cur); err != nil {
				return err
			}
		}

		tag, err := conn(ctx, r.pool).Exec(ctx, deleteOrderSQL, id, string(cur.Status))
		if err != nil {
			return fmt.Errorf("deleting order %q: %w", id, err)
		}
		if tag.RowsAffected() != 1 {
			return order.ErrNotFound
		}
		return nil
	})
}

func (r *OrderRepository) List(ctx context.Context, f order.Filter) ([]order.Order, error) {
	return r.collect(ctx, listOrdersSQL, string(f.Status), f.StoreName)
}

func (r *OrderRepository) FindByPickupCode(ctx context.Context, code string) ([]order.Order, error) {
	return r.collect(ctx, findByPickupCodeSQL, code)
}

func (r *OrderRepository) FindByOrderNumber(ctx context.Context, number string) (*order.Order, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, findByOrderNumberSQL, number)
	if err != nil {
		return nil, fmt.Errorf("finding order %q: %w", number, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("finding order %q: %w", number, err)
	}
	return &o, nil
}

func (r *OrderRepository) OrderNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	if err := conn(ctx, r.pool).QueryRow(ctx, orderNumberExistsSQL, number).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking order number: %w", err)
	}
	return exists, nil
}

func (r *OrderRepository) PickupCodeInUse(ctx context.Context, code string, redeemedSince time.Time) (bool, error) {
	var inUse bool
	if err := conn(ctx, r.pool).QueryRow(ctx, pickupCodeInUseSQL, code, redeemedSince.UTC()).Scan(&inUse); err != nil {
		return false, fmt.Errorf("checking pickup code: %w", err)
	}
	return inUse, nil
}

func (r *OrderRepository) collect(ctx context.Context, sql string, args ...any) ([]order.Order, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return out, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o           order.Order
		snapshot    []byte
		status      string
		orderNumber *string
		pickupCode  *string
		purchasedAt *time.Time
		redeemedAt  *time.Time
	)
	if err := row.Scan(
		&o.ID, &snapshot, &o.ReservedAt, &status, &orderNumber, &pickupCode, &purchasedAt, &redeemedAt,
	); err != nil {
		return order.Order{}, err
	}

	snap, err := record.DecodeDeal(jx.DecodeBytes(snapshot))
	if err != nil {
		return order.Order{}, fmt.Errorf("decoding deal snapshot of %q: %w", o.ID, err)
	}
	o.Deal = snap
	o.Status = order.Status(status)
	o.ReservedAt = o.ReservedAt.UTC()
	if orderNumber != nil {
		o.OrderNumber = *orderNumber
	}
	if pickupCode != nil {
		o.PickupCode = *pickupCode
	}
	o.PurchasedAt = utcPtr(purchasedAt)
	o.RedeemedAt = utcPtr(redeemedAt)
	return o, nil
}

func encodeSnapshot(o *order.Order) []byte {
	var e jx.Encoder
	record.EncodeDeal(&e, &o.Deal)
	return e.Bytes()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
