package order

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payorder/internal/gateway"
	"github.com/noah-isme/payorder/internal/obs"
)

// Poller reconciles orders whose webhook never arrived by querying the
// provider directly. It shares the Settler with the webhook path, so both
// converge on the same order regardless of which one reports first.
type Poller struct {
	Store   Store
	Gateway gateway.Client
	Settler Settler
	Logger  zerolog.Logger
}

// Sync queries the provider for the order's current state and applies it.
// Orders already past PENDING are returned untouched without a provider call.
func (p Poller) Sync(ctx context.Context, id uuid.UUID) (Order, error) {
	ord, err := p.Store.GetByID(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if ord.Status != StatusPending {
		p.count(string(ord.Status))
		return ord, nil
	}

	res, err := p.Gateway.QueryByOutTradeNo(ctx, ord.OutTradeNo)
	if err != nil {
		p.count("query_error")
		return Order{}, fmt.Errorf("query transaction %s: %w", ord.OutTradeNo, err)
	}

	status, err := p.Settler.Apply(ctx, ord, res)
	if err != nil {
		p.count("settle_error")
		return Order{}, err
	}
	p.count(string(status))

	fresh, err := p.Store.GetByID(ctx, id)
	if err != nil {
		return Order{}, err
	}
	p.Logger.Debug().
		Str("order_id", id.String()).
		Str("trade_state", string(res.TradeState)).
		Str("status", string(fresh.Status)).
		Msg("order sync")
	return fresh, nil
}

func (p Poller) count(result string) {
	if obs.OrderSyncTotal != nil {
		obs.OrderSyncTotal.WithLabelValues(result).Inc()
	}
}
