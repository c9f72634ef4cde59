package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// TypeOrderSync is the asynq task type for delayed order reconciliation.
const TypeOrderSync = "payment:order:sync"

type syncTaskPayload struct {
	OrderID string `json:"order_id"`
}

// NewSyncTask builds the reconciliation task for an order. The caller chooses
// the delay via asynq options.
func NewSyncTask(id uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(syncTaskPayload{OrderID: id.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeOrderSync, payload, asynq.MaxRetry(10)), nil
}

// SyncTaskHandler processes reconciliation tasks. An order still PENDING after
// a sync returns an error on purpose: asynq's retry backoff then acts as the
// poll schedule until the order settles or retries run out.
type SyncTaskHandler struct {
	Poller Poller
	Logger zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (h SyncTaskHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload syncTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal sync payload: %v: %w", err, asynq.SkipRetry)
	}
	id, err := uuid.Parse(payload.OrderID)
	if err != nil {
		return fmt.Errorf("parse order id %q: %v: %w", payload.OrderID, err, asynq.SkipRetry)
	}

	ord, err := h.Poller.Sync(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			h.Logger.Warn().
				Str("order_id", payload.OrderID).
				Msg("sync task for unknown order")
			return fmt.Errorf("order %s not found: %w", payload.OrderID, asynq.SkipRetry)
		}
		return err
	}
	if ord.Status == StatusPending {
		return fmt.Errorf("order %s still pending", payload.OrderID)
	}
	return nil
}
