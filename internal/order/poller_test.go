package order_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payorder/internal/gateway"
	"github.com/noah-isme/payorder/internal/hooks"
	"github.com/noah-isme/payorder/internal/order"
)

type pollerFixture struct {
	store  *memStore
	gw     *stubGateway
	fired  *int
	poller order.Poller
	id     uuid.UUID
}

func newPollerFixture(t *testing.T, status order.Status) *pollerFixture {
	t.Helper()
	store := newMemStore()
	reg := hooks.NewRegistry(zerolog.Nop())
	fired := 0
	reg.Register("test", func(_ context.Context, _ hooks.PaymentSucceeded) error {
		fired++
		return nil
	})

	id := uuid.New()
	store.set(order.Order{
		ID:         id,
		OutTradeNo: "OTN1",
		UserID:     "user-1",
		Amount:     1000,
		Status:     status,
		Method:     order.MethodNative,
	})

	gw := &stubGateway{queryResult: gateway.PaymentResult{
		OutTradeNo:    "OTN1",
		TransactionID: "TXN1",
		TradeState:    gateway.TradeStateSuccess,
		SuccessTime:   time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
		Amount:        gateway.Amount{Total: 1000, Currency: "CNY"},
	}}

	return &pollerFixture{
		store: store,
		gw:    gw,
		fired: &fired,
		poller: order.Poller{
			Store:   store,
			Gateway: gw,
			Settler: order.Settler{Store: store, Hooks: reg, Logger: zerolog.Nop()},
			Logger:  zerolog.Nop(),
		},
		id: id,
	}
}

func TestSyncSettlesPendingOrder(t *testing.T) {
	f := newPollerFixture(t, order.StatusPending)

	ord, err := f.poller.Sync(context.Background(), f.id)
	require.NoError(t, err)
	require.Equal(t, order.StatusSuccess, ord.Status)
	require.Equal(t, "TXN1", ord.TransactionID)
	require.Equal(t, 1, f.gw.queryCalls)
	require.Equal(t, 1, *f.fired)
}

func TestSyncSkipsSettledOrder(t *testing.T) {
	f := newPollerFixture(t, order.StatusSuccess)

	ord, err := f.poller.Sync(context.Background(), f.id)
	require.NoError(t, err)
	require.Equal(t, order.StatusSuccess, ord.Status)
	require.Equal(t, 0, f.gw.queryCalls)
	require.Equal(t, 0, *f.fired)
}

func TestSyncLeavesTransitionalStatePending(t *testing.T) {
	f := newPollerFixture(t, order.StatusPending)
	f.gw.queryResult.TradeState = gateway.TradeStateUserPaying

	ord, err := f.poller.Sync(context.Background(), f.id)
	require.NoError(t, err)
	require.Equal(t, order.StatusPending, ord.Status)
	require.Equal(t, 0, *f.fired)
}

func TestSyncPropagatesQueryError(t *testing.T) {
	f := newPollerFixture(t, order.StatusPending)
	f.gw.queryErr = errors.New("provider down")

	_, err := f.poller.Sync(context.Background(), f.id)
	require.Error(t, err)

	ord, err := f.store.GetByID(context.Background(), f.id)
	require.NoError(t, err)
	require.Equal(t, order.StatusPending, ord.Status)
}

func TestSyncAmountMismatch(t *testing.T) {
	f := newPollerFixture(t, order.StatusPending)
	f.gw.queryResult.Amount.Total = 900

	_, err := f.poller.Sync(context.Background(), f.id)
	require.ErrorIs(t, err, order.ErrAmountMismatch)
	require.Equal(t, 0, *f.fired)
}

func TestSyncUnknownOrder(t *testing.T) {
	f := newPollerFixture(t, order.StatusPending)

	_, err := f.poller.Sync(context.Background(), uuid.New())
	require.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestSyncTaskHandlerRetriesWhilePending(t *testing.T) {
	f := newPollerFixture(t, order.StatusPending)
	f.gw.queryResult.TradeState = gateway.TradeStateNotPay
	handler := order.SyncTaskHandler{Poller: f.poller, Logger: zerolog.Nop()}

	task, err := order.NewSyncTask(f.id)
	require.NoError(t, err)

	err = handler.ProcessTask(context.Background(), task)
	require.Error(t, err)
	require.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestSyncTaskHandlerStopsWhenSettled(t *testing.T) {
	f := newPollerFixture(t, order.StatusPending)
	handler := order.SyncTaskHandler{Poller: f.poller, Logger: zerolog.Nop()}

	task, err := order.NewSyncTask(f.id)
	require.NoError(t, err)
	require.NoError(t, handler.ProcessTask(context.Background(), task))
}

func TestSyncTaskHandlerSkipsUnknownOrder(t *testing.T) {
	f := newPollerFixture(t, order.StatusPending)
	handler := order.SyncTaskHandler{Poller: f.poller, Logger: zerolog.Nop()}

	task, err := order.NewSyncTask(uuid.New())
	require.NoError(t, err)

	err = handler.ProcessTask(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestSyncTaskHandlerSkipsBadPayload(t *testing.T) {
	f := newPollerFixture(t, order.StatusPending)
	handler := order.SyncTaskHandler{Poller: f.poller, Logger: zerolog.Nop()}

	err := handler.ProcessTask(context.Background(), asynq.NewTask(order.TypeOrderSync, []byte("not-json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
