package order

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/payorder/internal/gateway"
	"github.com/noah-isme/payorder/internal/hooks"
)

// Settler folds a provider-reported transaction state into a stored order.
// The webhook processor and the reconciliation poller both route through it,
// so duplicate and racing reports converge on one behaviour: the first writer
// wins the conditional update and fires the hooks, every later writer observes
// the already-settled row and does nothing.
type Settler struct {
	Store  Store
	Hooks  *hooks.Registry
	Logger zerolog.Logger
}

// Apply reconciles the reported result with the stored order and returns the
// order's status after reconciliation. A nil error with an unchanged PENDING
// status means the provider reported a transitional state.
func (s Settler) Apply(ctx context.Context, ord Order, res gateway.PaymentResult) (Status, error) {
	if ord.Status == StatusSuccess {
		return StatusSuccess, nil
	}
	if ord.Status != StatusPending {
		return ord.Status, nil
	}
	if res.Amount.Total != ord.Amount {
		s.Logger.Warn().
			Str("order_id", ord.ID.String()).
			Str("out_trade_no", ord.OutTradeNo).
			Int64("stored_amount", ord.Amount).
			Int64("reported_amount", res.Amount.Total).
			Msg("reported amount differs from stored amount")
		return ord.Status, fmt.Errorf("%w: reported %d, stored %d", ErrAmountMismatch, res.Amount.Total, ord.Amount)
	}

	switch res.TradeState {
	case gateway.TradeStateSuccess:
		paidAt := res.SuccessTime
		if paidAt.IsZero() {
			paidAt = time.Now()
		}
		ok, err := s.Store.Transition(ctx, TransitionParams{
			ID:            ord.ID,
			From:          StatusPending,
			To:            StatusSuccess,
			TransactionID: res.TransactionID,
			PaidAt:        &paidAt,
		})
		if err != nil {
			return ord.Status, err
		}
		if !ok {
			// Lost the race: a concurrent report settled the order first.
			return s.currentStatus(ctx, ord)
		}
		if s.Hooks != nil {
			s.Hooks.Fire(ctx, hooks.PaymentSucceeded{
				OrderID:       ord.ID,
				UserID:        ord.UserID,
				Amount:        ord.Amount,
				OutTradeNo:    ord.OutTradeNo,
				TransactionID: res.TransactionID,
				PaidAt:        paidAt,
			})
		}
		return StatusSuccess, nil

	case gateway.TradeStateClosed, gateway.TradeStateRevoked, gateway.TradeStatePayError:
		ok, err := s.Store.Transition(ctx, TransitionParams{ID: ord.ID, From: StatusPending, To: StatusFailed})
		if err != nil {
			return ord.Status, err
		}
		if !ok {
			return s.currentStatus(ctx, ord)
		}
		return StatusFailed, nil

	case gateway.TradeStateUserPaying, gateway.TradeStateNotPay, gateway.TradeStateRefund:
		return StatusPending, nil

	default:
		s.Logger.Warn().
			Str("order_id", ord.ID.String()).
			Str("trade_state", string(res.TradeState)).
			Msg("unrecognised trade state, leaving order pending")
		return StatusPending, nil
	}
}

func (s Settler) currentStatus(ctx context.Context, ord Order) (Status, error) {
	fresh, err := s.Store.GetByID(ctx, ord.ID)
	if err != nil {
		return ord.Status, err
	}
	return fresh.Status, nil
}
