package order

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Store on top of postgres. The per-row conditional
// UPDATE is the serialization point for concurrent writers; no additional
// locking is used.
type PGStore struct {
	Pool *pgxpool.Pool
}

const orderColumns = `id, out_trade_no, user_id, amount, status, method, description,
	COALESCE(transaction_id, ''), paid_at, COALESCE(attach, ''), created_at, updated_at`

// Create persists a new order row. The unique index on out_trade_no turns a
// generator collision into ErrDuplicateOutTradeNo.
func (s PGStore) Create(ctx context.Context, ord Order) (Order, error) {
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO payment_orders (id, out_trade_no, user_id, amount, status, method, description, attach)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+orderColumns,
		ord.ID, ord.OutTradeNo, ord.UserID, ord.Amount, ord.Status, ord.Method, ord.Description, ord.Attach,
	)
	created, err := scanOrder(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Order{}, ErrDuplicateOutTradeNo
		}
		return Order{}, err
	}
	return created, nil
}

// GetByID returns the order with the given internal id.
func (s PGStore) GetByID(ctx context.Context, id uuid.UUID) (Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM payment_orders WHERE id = $1`, id)
	return scanNotFound(scanOrder(row))
}

// GetByOutTradeNo returns the order with the given merchant order number.
func (s PGStore) GetByOutTradeNo(ctx context.Context, outTradeNo string) (Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM payment_orders WHERE out_trade_no = $1`, outTradeNo)
	return scanNotFound(scanOrder(row))
}

// Transition performs the compare-and-swap status update. TransactionID and
// PaidAt are only written when provided, which in practice happens once, on
// the PENDING→SUCCESS edge.
func (s PGStore) Transition(ctx context.Context, params TransitionParams) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE payment_orders
		SET status = $2,
			transaction_id = CASE WHEN $3 = '' THEN transaction_id ELSE $3 END,
			paid_at = COALESCE($4, paid_at),
			updated_at = now()
		WHERE id = $1 AND status = $5`,
		params.ID, params.To, params.TransactionID, params.PaidAt, params.From,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var ord Order
	err := row.Scan(
		&ord.ID,
		&ord.OutTradeNo,
		&ord.UserID,
		&ord.Amount,
		&ord.Status,
		&ord.Method,
		&ord.Description,
		&ord.TransactionID,
		&ord.PaidAt,
		&ord.Attach,
		&ord.CreatedAt,
		&ord.UpdatedAt,
	)
	if err != nil {
		return Order{}, err
	}
	return ord, nil
}

func scanNotFound(ord Order, err error) (Order, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	return ord, err
}
