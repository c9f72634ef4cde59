package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payorder/internal/obs"
)

// PaymentSucceeded is the event delivered to subscribers exactly once per
// order that transitions to SUCCESS.
type PaymentSucceeded struct {
	OrderID       uuid.UUID
	UserID        string
	Amount        int64
	OutTradeNo    string
	TransactionID string
	PaidAt        time.Time
}

// HandlerFunc reacts to a successful payment. Returning an error only affects
// logging and metrics; it never undoes the committed order transition.
type HandlerFunc func(ctx context.Context, event PaymentSucceeded) error

type subscriber struct {
	name    string
	handler HandlerFunc
}

// Registry fans a successful payment out to independent business modules.
// Subscribers register at startup; the payment subsystem fires without
// knowing who listens. One subscriber's failure never prevents the others
// from running.
type Registry struct {
	mu          sync.RWMutex
	subscribers []subscriber
	logger      zerolog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a subscriber under a stable name used in logs and metrics.
// Nil handlers are ignored.
func (r *Registry) Register(name string, handler HandlerFunc) {
	if handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, subscriber{name: name, handler: handler})
}

// Len reports the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Fire invokes every registered subscriber with the event. Failures are
// caught and logged individually.
func (r *Registry) Fire(ctx context.Context, event PaymentSucceeded) {
	r.mu.RLock()
	subs := make([]subscriber, len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.RUnlock()

	for _, sub := range subs {
		if err := r.invoke(ctx, sub, event); err != nil {
			if obs.HookFailuresTotal != nil {
				obs.HookFailuresTotal.WithLabelValues(sub.name).Inc()
			}
			r.logger.Error().
				Err(err).
				Str("hook", sub.name).
				Str("order_id", event.OrderID.String()).
				Str("out_trade_no", event.OutTradeNo).
				Msg("payment hook failed")
		}
	}
}

func (r *Registry) invoke(ctx context.Context, sub subscriber, event PaymentSucceeded) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{value: rec}
		}
	}()
	return sub.handler(ctx, event)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("hook panicked: %v", e.value)
}
