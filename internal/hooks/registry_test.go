package hooks_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payorder/internal/hooks"
)

func sampleEvent() hooks.PaymentSucceeded {
	return hooks.PaymentSucceeded{
		OrderID:       uuid.New(),
		UserID:        "user-1",
		Amount:        1000,
		OutTradeNo:    "20260831120000123456",
		TransactionID: "TXN1",
		PaidAt:        time.Now(),
	}
}

func TestFireInvokesAllSubscribers(t *testing.T) {
	reg := hooks.NewRegistry(zerolog.Nop())
	var got []string
	reg.Register("balance", func(_ context.Context, ev hooks.PaymentSucceeded) error {
		got = append(got, "balance")
		require.Equal(t, int64(1000), ev.Amount)
		return nil
	})
	reg.Register("receipt", func(_ context.Context, _ hooks.PaymentSucceeded) error {
		got = append(got, "receipt")
		return nil
	})

	reg.Fire(context.Background(), sampleEvent())
	require.Equal(t, []string{"balance", "receipt"}, got)
}

func TestFireIsolatesFailures(t *testing.T) {
	reg := hooks.NewRegistry(zerolog.Nop())
	calls := 0
	reg.Register("broken", func(_ context.Context, _ hooks.PaymentSucceeded) error {
		calls++
		return errors.New("boom")
	})
	reg.Register("panicky", func(_ context.Context, _ hooks.PaymentSucceeded) error {
		calls++
		panic("boom")
	})
	reg.Register("healthy", func(_ context.Context, _ hooks.PaymentSucceeded) error {
		calls++
		return nil
	})

	reg.Fire(context.Background(), sampleEvent())
	require.Equal(t, 3, calls)
}

func TestRegisterIgnoresNilHandler(t *testing.T) {
	reg := hooks.NewRegistry(zerolog.Nop())
	reg.Register("nil", nil)
	require.Equal(t, 0, reg.Len())
}
