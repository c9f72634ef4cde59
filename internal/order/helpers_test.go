package order_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/payorder/internal/gateway"
	"github.com/noah-isme/payorder/internal/order"
)

// memStore is an in-memory order.Store with the same conditional-update
// semantics as the postgres implementation.
type memStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]order.Order
}

func newMemStore() *memStore {
	return &memStore{orders: map[uuid.UUID]order.Order{}}
}

func (s *memStore) Create(_ context.Context, ord order.Order) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.orders {
		if existing.OutTradeNo == ord.OutTradeNo {
			return order.Order{}, order.ErrDuplicateOutTradeNo
		}
	}
	now := time.Now()
	ord.CreatedAt = now
	ord.UpdatedAt = now
	s.orders[ord.ID] = ord
	return ord, nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ord, ok := s.orders[id]
	if !ok {
		return order.Order{}, order.ErrOrderNotFound
	}
	return ord, nil
}

func (s *memStore) GetByOutTradeNo(_ context.Context, outTradeNo string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ord := range s.orders {
		if ord.OutTradeNo == outTradeNo {
			return ord, nil
		}
	}
	return order.Order{}, order.ErrOrderNotFound
}

func (s *memStore) Transition(_ context.Context, params order.TransitionParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ord, ok := s.orders[params.ID]
	if !ok || ord.Status != params.From {
		return false, nil
	}
	ord.Status = params.To
	if params.TransactionID != "" {
		ord.TransactionID = params.TransactionID
	}
	if params.PaidAt != nil {
		ord.PaidAt = params.PaidAt
	}
	ord.UpdatedAt = time.Now()
	s.orders[params.ID] = ord
	return true, nil
}

// set overwrites a row unconditionally, for arranging test fixtures.
func (s *memStore) set(ord order.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[ord.ID] = ord
}

// stubGateway is a canned gateway.Client. Counters record which provider
// operations ran.
type stubGateway struct {
	mu sync.Mutex

	nativeResult gateway.NativeTransaction
	jsapiResult  gateway.JSAPITransaction
	h5Result     gateway.H5Transaction
	createErr    error
	createCalls  int

	queryResult gateway.PaymentResult
	queryErr    error
	queryCalls  int

	closeErr   error
	closeCalls int

	verifyOK    bool
	verifyCalls int

	decryptResult gateway.PaymentResult
	decryptErr    error
	decryptCalls  int
}

func (g *stubGateway) CreateNativeTransaction(_ context.Context, _ gateway.CreateTransactionRequest) (gateway.NativeTransaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	return g.nativeResult, g.createErr
}

func (g *stubGateway) CreateJSAPITransaction(_ context.Context, _ gateway.CreateTransactionRequest) (gateway.JSAPITransaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	return g.jsapiResult, g.createErr
}

func (g *stubGateway) CreateH5Transaction(_ context.Context, _ gateway.CreateTransactionRequest) (gateway.H5Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	return g.h5Result, g.createErr
}

func (g *stubGateway) QueryByOutTradeNo(_ context.Context, _ string) (gateway.PaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCalls++
	return g.queryResult, g.queryErr
}

func (g *stubGateway) QueryByTransactionID(_ context.Context, _ string) (gateway.PaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCalls++
	return g.queryResult, g.queryErr
}

func (g *stubGateway) CloseOrder(_ context.Context, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeCalls++
	return g.closeErr
}

func (g *stubGateway) DecryptNotification(_ *gateway.NotificationEnvelope) (gateway.PaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decryptCalls++
	return g.decryptResult, g.decryptErr
}

func (g *stubGateway) VerifySignature(_, _ string, _ []byte, _, _ string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	return g.verifyOK
}

func (g *stubGateway) Refund(_ context.Context, _ gateway.RefundRequest) (gateway.RefundResult, error) {
	return gateway.RefundResult{}, nil
}

func (g *stubGateway) QueryRefund(_ context.Context, _ string) (gateway.RefundResult, error) {
	return gateway.RefundResult{}, nil
}
