package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payorder/internal/hooks"
)

// Entry is one row of the payment audit trail.
type Entry struct {
	ID            uuid.UUID
	OrderID       uuid.UUID
	UserID        string
	Action        string
	TransactionID string
	Amount        int64
	CreatedAt     time.Time
}

// Service persists an append-only trail of payment lifecycle events.
type Service struct {
	Pool   *pgxpool.Pool
	Logger zerolog.Logger
}

// Record inserts one audit entry.
func (s Service) Record(ctx context.Context, entry Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO payment_audit_log (id, order_id, user_id, action, transaction_id, amount)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.OrderID, entry.UserID, entry.Action, entry.TransactionID, entry.Amount,
	)
	return err
}

// ListByOrder returns the trail for one order, oldest first.
func (s Service) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]Entry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, order_id, user_id, action, transaction_id, amount, created_at
		FROM payment_audit_log
		WHERE order_id = $1
		ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.ID, &entry.OrderID, &entry.UserID, &entry.Action, &entry.TransactionID, &entry.Amount, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// PaymentSucceededHook returns a hook subscriber that writes the settlement
// to the audit trail.
func (s Service) PaymentSucceededHook() hooks.HandlerFunc {
	return func(ctx context.Context, ev hooks.PaymentSucceeded) error {
		return s.Record(ctx, Entry{
			OrderID:       ev.OrderID,
			UserID:        ev.UserID,
			Action:        "payment.succeeded",
			TransactionID: ev.TransactionID,
			Amount:        ev.Amount,
		})
	}
}
