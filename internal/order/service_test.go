package order_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payorder/internal/gateway"
	"github.com/noah-isme/payorder/internal/order"
)

func newService(store order.Store, gw gateway.Client) order.Service {
	return order.Service{
		Store:     store,
		Gateway:   gw,
		NotifyURL: "https://example.com/webhooks/payment/wechat",
		Logger:    zerolog.Nop(),
	}
}

func TestCreateNativeOrder(t *testing.T) {
	store := newMemStore()
	gw := &stubGateway{nativeResult: gateway.NativeTransaction{CodeURL: "weixin://wxpay/bizpayurl?pr=abc"}}
	svc := newService(store, gw)

	res, err := svc.Create(context.Background(), order.CreateParams{
		UserID:      "user-1",
		Amount:      1000,
		Description: "coffee",
		Method:      order.MethodNative,
	})
	require.NoError(t, err)
	require.Equal(t, "weixin://wxpay/bizpayurl?pr=abc", res.CodeURL)
	require.NotEmpty(t, res.OutTradeNo)

	ord, err := store.GetByID(context.Background(), res.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusPending, ord.Status)
	require.Equal(t, int64(1000), ord.Amount)
	require.Empty(t, ord.TransactionID)
	require.Nil(t, ord.PaidAt)
}

func TestCreateJSAPIOrderReturnsInvokeParams(t *testing.T) {
	store := newMemStore()
	gw := &stubGateway{jsapiResult: gateway.JSAPITransaction{
		PrepayID: "prepay-1",
		Invoke:   gateway.InvokeParams{AppID: "app-1", Package: "prepay_id=prepay-1", SignType: "RSA"},
	}}
	svc := newService(store, gw)

	res, err := svc.Create(context.Background(), order.CreateParams{
		UserID:      "user-1",
		Amount:      500,
		Description: "tea",
		Method:      order.MethodJSAPI,
		PayerID:     "openid-1",
	})
	require.NoError(t, err)
	require.Equal(t, "prepay-1", res.PrepayID)
	require.NotNil(t, res.Invoke)
	require.Equal(t, "prepay_id=prepay-1", res.Invoke.Package)
}

func TestCreateMarksOrderFailedOnProviderRejection(t *testing.T) {
	store := newMemStore()
	gwErr := &gateway.RequestError{StatusCode: 400, Code: "PARAM_ERROR", Message: "bad amount"}
	gw := &stubGateway{createErr: gwErr}
	svc := newService(store, gw)

	_, err := svc.Create(context.Background(), order.CreateParams{
		UserID:      "user-1",
		Amount:      1000,
		Description: "coffee",
		Method:      order.MethodNative,
	})
	require.Error(t, err)
	require.True(t, gateway.IsRequestError(err))

	// The persisted row must not stay payable.
	var failed int
	for _, ord := range allOrders(store) {
		if ord.Status == order.StatusFailed {
			failed++
		}
	}
	require.Equal(t, 1, failed)
}

func TestCreateValidation(t *testing.T) {
	svc := newService(newMemStore(), &stubGateway{})
	cases := []order.CreateParams{
		{UserID: "u", Amount: 0, Description: "x", Method: order.MethodNative},
		{UserID: "u", Amount: -5, Description: "x", Method: order.MethodNative},
		{UserID: "u", Amount: 100, Description: "", Method: order.MethodNative},
		{UserID: "u", Amount: 100, Description: "x", Method: "CARD"},
		{UserID: "u", Amount: 100, Description: "x", Method: order.MethodJSAPI},
		{UserID: "", Amount: 100, Description: "x", Method: order.MethodNative},
	}
	for _, params := range cases {
		_, err := svc.Create(context.Background(), params)
		require.ErrorIs(t, err, order.ErrValidation)
	}
}

func TestCloseOrder(t *testing.T) {
	store := newMemStore()
	gw := &stubGateway{}
	svc := newService(store, gw)

	id := uuid.New()
	store.set(order.Order{ID: id, OutTradeNo: "OTN1", UserID: "user-1", Amount: 1000, Status: order.StatusPending, Method: order.MethodNative})

	require.NoError(t, svc.Close(context.Background(), id))
	require.Equal(t, 1, gw.closeCalls)

	ord, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, order.StatusClosed, ord.Status)

	// Second close: the order is no longer pending.
	err = svc.Close(context.Background(), id)
	require.ErrorIs(t, err, order.ErrInvalidStateTransition)
	require.Equal(t, 1, gw.closeCalls)
}

func TestCloseSucceededOrderRejected(t *testing.T) {
	store := newMemStore()
	gw := &stubGateway{}
	svc := newService(store, gw)

	id := uuid.New()
	store.set(order.Order{ID: id, OutTradeNo: "OTN1", UserID: "user-1", Amount: 1000, Status: order.StatusSuccess, Method: order.MethodNative})

	err := svc.Close(context.Background(), id)
	require.ErrorIs(t, err, order.ErrInvalidStateTransition)
	require.Equal(t, 0, gw.closeCalls)
}

func TestCloseUnknownOrder(t *testing.T) {
	svc := newService(newMemStore(), &stubGateway{})
	err := svc.Close(context.Background(), uuid.New())
	require.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestCloseKeepsOrderPendingOnProviderError(t *testing.T) {
	store := newMemStore()
	gw := &stubGateway{closeErr: errors.New("timeout")}
	svc := newService(store, gw)

	id := uuid.New()
	store.set(order.Order{ID: id, OutTradeNo: "OTN1", UserID: "user-1", Amount: 1000, Status: order.StatusPending, Method: order.MethodNative})

	require.Error(t, svc.Close(context.Background(), id))
	ord, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, order.StatusPending, ord.Status)
}

func allOrders(store *memStore) []order.Order {
	store.mu.Lock()
	defer store.mu.Unlock()
	out := make([]order.Order, 0, len(store.orders))
	for _, ord := range store.orders {
		out = append(out, ord)
	}
	return out
}
