package order

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// TransitionParams describes a conditional status update. The store must
// reject the write when the row's current status differs from From; that
// compare-and-swap is the subsystem's only concurrency-control primitive.
type TransitionParams struct {
	ID            uuid.UUID
	From          Status
	To            Status
	TransactionID string
	PaidAt        *time.Time
}

// Store is the persistence port for payment orders.
type Store interface {
	Create(ctx context.Context, ord Order) (Order, error)
	GetByID(ctx context.Context, id uuid.UUID) (Order, error)
	GetByOutTradeNo(ctx context.Context, outTradeNo string) (Order, error)
	// Transition applies the conditional update and reports whether the row
	// was written. A false return with a nil error means the expected status
	// no longer matched: a concurrent writer got there first.
	Transition(ctx context.Context, params TransitionParams) (bool, error)
}

// NewOutTradeNo generates a merchant order number: a sortable time prefix
// plus a random suffix. Global uniqueness is enforced by the store's unique
// index, not by this function.
func NewOutTradeNo(now time.Time) string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return now.UTC().Format("20060102150405") + hex.EncodeToString(buf)
}
