// Package catalog serves read-only product routes.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	werr "github.com/next-trace/scg-warehouse/contract/errors"
	"github.com/next-trace/scg-warehouse/persistence"
)

// Product is a catalog entry with its available stock.
type Product struct {
	ID          uuid.UUID `json:"id"`
	SKU         string    `json:"sku"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	PriceCents  int64     `json:"priceCents"`
	Available   int       `json:"available"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store reads products. Get returns an ErrNotFound for unknown ids.
type Store interface {
	List(ctx context.Context, limit, offset int) ([]Product, error)
	Get(ctx context.Context, id uuid.UUID) (Product, error)
}

// PgStore reads products from PostgreSQL.
type PgStore struct {
	DB persistence.Provider
}

var _ Store = (*PgStore)(nil)

const productColumns = `p.id, p.sku, p.name, p.description, p.price_cents,
	COALESCE(s.on_hand - s.reserved, 0) AS available, p.created_at`

func (s *PgStore) List(ctx context.Context, limit, offset int) ([]Product, error) {
	pool, err := persistence.Acquire(s.DB)
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx,
		`SELECT `+productColumns+`
		 FROM products p LEFT JOIN stock s ON s.product_id = p.id
		 ORDER BY p.created_at, p.id
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	products, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Product])
	if err != nil {
		return nil, fmt.Errorf("scan products: %w", err)
	}

	return products, nil
}

func (s *PgStore) Get(ctx context.Context, id uuid.UUID) (Product, error) {
	pool, err := persistence.Acquire(s.DB)
	if err != nil {
		return Product{}, err
	}

	rows, err := pool.Query(ctx,
		`SELECT `+productColumns+`
		 FROM products p LEFT JOIN stock s ON s.product_id = p.id
		 WHERE p.id = $1`, id)
	if err != nil {
		return Product{}, fmt.Errorf("get product %s: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[Product])
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("product %s: %w", id, werr.ErrNotFound)
	}

	if err != nil {
		return Product{}, fmt.Errorf("scan product %s: %w", id, err)
	}

	return p, nil
}
