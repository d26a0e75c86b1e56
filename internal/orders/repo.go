package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type Repo struct{ DB *pgxpool.Pool }

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Place validates stock, writes the order and its lines, then runs confirm.
// Everything commits together only when confirm succeeds.
func (r *Repo) Place(ctx context.Context, o *Order, confirm ConfirmFunc) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, q := range Quantities(o.Lines) {
		var name string
		var stock int
		err := tx.QueryRow(ctx, `SELECT name, stock FROM products WHERE id=$1`, q.ProductID).Scan(&name, &stock)
		if errors.Is(err, pgx.ErrNoRows) {
			return &apperr.InsufficientStockError{Product: q.Name, Requested: q.Qty}
		}
		if err != nil {
			return err
		}
		if stock < q.Qty {
			return &apperr.InsufficientStockError{Product: name, Requested: q.Qty, Available: stock}
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, email, status, total, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $7)
	`, o.ID, o.UserID, o.Email, string(StatusPending), o.Total.StringFixed(2), o.Currency, o.CreatedAt); err != nil {
		return err
	}
	for i, l := range o.Lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_lines(order_id, position, product_id, name, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5, $6::numeric)`,
			o.ID, i, l.ProductID, l.Name, l.Quantity, l.UnitPrice.String(),
		); err != nil {
			return err
		}
	}

	intentID, err := confirm(ctx, o)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET intent_id=$2 WHERE id=$1`, o.ID, intentID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	o.IntentID = intentID
	return nil
}

func (r *Repo) Get(ctx context.Context, orderID string) (*Order, error) {
	return getOrder(ctx, r.DB, orderID, false)
}

func (r *Repo) GetOrderStatus(ctx context.Context, orderID string) (StatusView, error) {
	var v StatusView
	var s string
	err := r.DB.QueryRow(ctx, `SELECT status, user_id FROM orders WHERE id=$1`, orderID).Scan(&s, &v.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.Status = Status(s)
	return v, nil
}

// ListByUser returns the user's orders, newest first.
func (r *Repo) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, user_id, email, status, total::text, currency, intent_id, payment_id, created_at, updated_at
		FROM orders WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Lines, err = getLines(ctx, r.DB, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Settle moves a pending order to SETTLED and takes its stock in one transaction.
// Returns ErrAlreadyFinal when another delivery got there first.
func (r *Repo) Settle(ctx context.Context, orderID, paymentID string) (*Settlement, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := getOrder(ctx, tx, orderID, true)
	if err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, StatusSettled) {
		return nil, ErrAlreadyFinal
	}

	// lock products in id order so concurrent settlements cannot deadlock
	qs := Quantities(o.Lines)
	sort.Slice(qs, func(i, j int) bool { return qs[i].ProductID < qs[j].ProductID })

	var shortfalls []Shortfall
	for _, q := range qs {
		sf, err := takeStock(ctx, tx, orderID, q)
		if err != nil {
			return nil, fmt.Errorf("take stock for product %d: %w", q.ProductID, err)
		}
		if sf != nil {
			shortfalls = append(shortfalls, *sf)
		}
	}

	if err := transition(ctx, tx, orderID, paymentID, StatusSettled); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	o.Status = StatusSettled
	o.PaymentID = paymentID
	o.UpdatedAt = time.Now().UTC()
	return &Settlement{Order: o, Shortfalls: shortfalls}, nil
}

// Reject moves a pending order to REJECTED. Stock is only taken at settlement,
// so a pending order never holds stock and there is nothing to restore.
func (r *Repo) Reject(ctx context.Context, orderID, paymentID string) (*Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := getOrder(ctx, tx, orderID, true)
	if err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, StatusRejected) {
		return nil, ErrAlreadyFinal
	}
	if err := transition(ctx, tx, orderID, paymentID, StatusRejected); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	o.Status = StatusRejected
	o.PaymentID = paymentID
	o.UpdatedAt = time.Now().UTC()
	return o, nil
}

func (r *Repo) Product(ctx context.Context, productID int64) (*Product, error) {
	var p Product
	var price string
	err := r.DB.QueryRow(ctx, `SELECT id, name, price::text, stock, created_at, updated_at FROM products WHERE id=$1`, productID).
		Scan(&p.ID, &p.Name, &price, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repo) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `SELECT id, name, price::text, stock, created_at, updated_at
	                                FROM products ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		var price string
		if err := rows.Scan(&p.ID, &p.Name, &price, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func transition(ctx context.Context, tx pgx.Tx, orderID, paymentID string, to Status) error {
	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, payment_id=$3, updated_at=now()
		WHERE id=$1 AND status=$4`, orderID, string(to), paymentID, string(StatusPending))
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrAlreadyFinal
	}
	return nil
}

func getOrder(ctx context.Context, q querier, orderID string, forUpdate bool) (*Order, error) {
	sql := `SELECT id, user_id, email, status, total::text, currency, intent_id, payment_id, created_at, updated_at
	        FROM orders WHERE id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, sql, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.Lines, err = getLines(ctx, q, orderID); err != nil {
		return nil, err
	}
	return o, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var status, total string
	if err := row.Scan(&o.ID, &o.UserID, &o.Email, &status, &total, &o.Currency, &o.IntentID, &o.PaymentID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = Status(status)
	t, err := decimal.NewFromString(total)
	if err != nil {
		return nil, err
	}
	o.Total = t
	return &o, nil
}

func getLines(ctx context.Context, q querier, orderID string) ([]Line, error) {
	rows, err := q.Query(ctx, `
		SELECT product_id, name, quantity, unit_price::text
		FROM order_lines WHERE order_id=$1 ORDER BY position`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Line
	for rows.Next() {
		var l Line
		var price string
		if err := rows.Scan(&l.ProductID, &l.Name, &l.Quantity, &price); err != nil {
			return nil, err
		}
		if l.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}
