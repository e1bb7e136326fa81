package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/next-trace/scg-warehouse/persistence"
)

// ErrInsufficientStock means a reservation could not be satisfied. It is a
// business outcome, not a handling failure.
var ErrInsufficientStock = errors.New("insufficient stock")

// Line is one product quantity within an order.
type Line struct {
	ProductID uuid.UUID `json:"productId" validate:"required"`
	Quantity  int       `json:"quantity" validate:"gt=0"`
}

// Inventory reserves and releases stock per order. Both operations are
// idempotent per order id.
type Inventory interface {
	Reserve(ctx context.Context, orderID string, lines []Line) error
	Release(ctx context.Context, orderID string) ([]Line, error)
}

// PgInventory keeps stock in the stock and reservations tables.
type PgInventory struct {
	DB persistence.Provider
}

var _ Inventory = (*PgInventory)(nil)

func (s *PgInventory) Reserve(ctx context.Context, orderID string, lines []Line) error {
	pool, err := persistence.Acquire(s.DB)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM reservations WHERE order_id = $1)`, orderID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check reservation %s: %w", orderID, err)
		}

		if exists {
			return nil
		}

		for _, l := range lines {
			tag, err := tx.Exec(ctx,
				`UPDATE stock SET reserved = reserved + $2
				 WHERE product_id = $1 AND on_hand - reserved >= $2`,
				l.ProductID, l.Quantity)
			if err != nil {
				return fmt.Errorf("reserve %s: %w", l.ProductID, err)
			}

			if tag.RowsAffected() == 0 {
				return fmt.Errorf("reserve %s x%d: %w", l.ProductID, l.Quantity, ErrInsufficientStock)
			}

			if _, err := tx.Exec(ctx,
				`INSERT INTO reservations (order_id, product_id, quantity) VALUES ($1, $2, $3)
				 ON CONFLICT (order_id, product_id) DO UPDATE SET quantity = reservations.quantity + EXCLUDED.quantity`,
				orderID, l.ProductID, l.Quantity); err != nil {
				return fmt.Errorf("record reservation %s: %w", orderID, err)
			}
		}

		return nil
	})
}

func (s *PgInventory) Release(ctx context.Context, orderID string) ([]Line, error) {
	pool, err := persistence.Acquire(s.DB)
	if err != nil {
		return nil, err
	}

	var released []Line

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`DELETE FROM reservations WHERE order_id = $1 RETURNING product_id, quantity`, orderID)
		if err != nil {
			return fmt.Errorf("delete reservations %s: %w", orderID, err)
		}

		released, err = pgx.CollectRows(rows, pgx.RowToStructByPos[Line])
		if err != nil {
			return fmt.Errorf("collect reservations %s: %w", orderID, err)
		}

		for _, l := range released {
			if _, err := tx.Exec(ctx,
				`UPDATE stock SET reserved = reserved - $2 WHERE product_id = $1`,
				l.ProductID, l.Quantity); err != nil {
				return fmt.Errorf("release %s: %w", l.ProductID, err)
			}
		}

		return nil
	})

	return released, err
}
