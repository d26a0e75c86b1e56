package orders

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerRepo exposes the per-product stock counter owned by the catalog.
type LedgerRepo struct{ DB *pgxpool.Pool }

func (r *LedgerRepo) GetStock(ctx context.Context, productID int64) (int, error) {
	var stock int
	err := r.DB.QueryRow(ctx, `SELECT stock FROM products WHERE id=$1`, productID).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrProductNotFound
	}
	return stock, err
}

// AdjustStock adds delta to the counter. A result below zero is refused with ErrStockConflict.
func (r *LedgerRepo) AdjustStock(ctx context.Context, productID int64, delta int) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id=$1 AND stock + $2 >= 0`, productID, delta)
	if isCheckViolation(err) {
		return ErrStockConflict
	}
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.GetStock(ctx, productID); err != nil {
		return err
	}
	return ErrStockConflict
}

// takeStock removes one settled product quantity from stock, at most once per order.
// The movement row is the per-order guard; stock never goes below zero and any
// units that could not be taken are reported as a shortfall.
func takeStock(ctx context.Context, tx pgx.Tx, orderID string, q ProductQty) (*Shortfall, error) {
	var stock int
	err := tx.QueryRow(ctx, `SELECT stock FROM products WHERE id=$1 FOR UPDATE`, q.ProductID).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		stock = 0
	} else if err != nil {
		return nil, err
	}

	taken := min(stock, q.Qty)
	ct, err := tx.Exec(ctx, `
		INSERT INTO stock_movements(order_id, product_id, qty, shortfall)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id, product_id) DO NOTHING
	`, orderID, q.ProductID, taken, q.Qty-taken)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() == 0 {
		// already taken for this order
		return nil, nil
	}

	if taken > 0 {
		ct, err := tx.Exec(ctx, `UPDATE products SET stock = stock - $2, updated_at = now() WHERE id=$1 AND stock >= $2`, q.ProductID, taken)
		if err != nil {
			return nil, err
		}
		if ct.RowsAffected() != 1 {
			return nil, ErrStockConflict
		}
	}
	if taken < q.Qty {
		return &Shortfall{ProductID: q.ProductID, Requested: q.Qty, Taken: taken}, nil
	}
	return nil, nil
}
