package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/payorder/internal/gateway"
	"github.com/noah-isme/payorder/internal/obs"
)

// TaskEnqueuer is the slice of asynq.Client the service needs to schedule
// reconciliation tasks.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Service creates, closes and reads payment orders. All provider interaction
// goes through Gateway; all persistence through Store.
type Service struct {
	Store     Store
	Gateway   gateway.Client
	Tasks     TaskEnqueuer
	NotifyURL string
	SyncDelay time.Duration
	Logger    zerolog.Logger
}

// CreateParams is the validated input of Create.
type CreateParams struct {
	UserID      string
	Amount      int64
	Description string
	Method      Method
	PayerID     string
	ClientIP    string
	Attach      string
}

// CreateResult carries the persisted order identity plus whichever channel
// artefact the chosen method produced.
type CreateResult struct {
	OrderID    uuid.UUID
	OutTradeNo string
	CodeURL    string
	H5URL      string
	PrepayID   string
	Invoke     *gateway.InvokeParams
}

// Create persists a PENDING order and opens the matching transaction with the
// provider. When the provider rejects the request the order is moved to FAILED
// before the error is returned, so a failed create never leaves a payable row.
func (s Service) Create(ctx context.Context, params CreateParams) (CreateResult, error) {
	ctx, span := otel.Tracer("order.Service").Start(ctx, "order.Create")
	start := time.Now()
	result := "error"
	defer func() {
		span.SetAttributes(attribute.String("order.result", result))
		span.End()
		if obs.OrdersCreatedTotal != nil {
			obs.OrdersCreatedTotal.WithLabelValues(string(params.Method), result).Inc()
		}
		s.Logger.Debug().
			Str("method", string(params.Method)).
			Str("result", result).
			Float64("duration_ms", obs.DurationMillis(time.Since(start))).
			Msg("order create")
	}()

	if err := validateCreate(params); err != nil {
		result = "invalid"
		span.SetStatus(codes.Error, err.Error())
		return CreateResult{}, err
	}

	ord := Order{
		ID:          uuid.New(),
		OutTradeNo:  NewOutTradeNo(time.Now()),
		UserID:      params.UserID,
		Amount:      params.Amount,
		Status:      StatusPending,
		Method:      params.Method,
		Description: params.Description,
		Attach:      params.Attach,
	}
	ord, err := s.Store.Create(ctx, ord)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return CreateResult{}, fmt.Errorf("create order: %w", err)
	}
	span.SetAttributes(attribute.String("order.id", ord.ID.String()))

	req := gateway.CreateTransactionRequest{
		Description: ord.Description,
		OutTradeNo:  ord.OutTradeNo,
		Amount:      ord.Amount,
		NotifyURL:   s.NotifyURL,
		PayerID:     params.PayerID,
		ClientIP:    params.ClientIP,
		Attach:      ord.Attach,
	}

	res := CreateResult{OrderID: ord.ID, OutTradeNo: ord.OutTradeNo}
	switch ord.Method {
	case MethodNative:
		tx, gwErr := s.Gateway.CreateNativeTransaction(ctx, req)
		if gwErr != nil {
			return CreateResult{}, s.failCreate(ctx, ord, span, gwErr)
		}
		res.CodeURL = tx.CodeURL
	case MethodJSAPI:
		tx, gwErr := s.Gateway.CreateJSAPITransaction(ctx, req)
		if gwErr != nil {
			return CreateResult{}, s.failCreate(ctx, ord, span, gwErr)
		}
		res.PrepayID = tx.PrepayID
		invoke := tx.Invoke
		res.Invoke = &invoke
	case MethodH5:
		tx, gwErr := s.Gateway.CreateH5Transaction(ctx, req)
		if gwErr != nil {
			return CreateResult{}, s.failCreate(ctx, ord, span, gwErr)
		}
		res.H5URL = tx.H5URL
	}

	s.scheduleSync(ctx, ord.ID)
	result = "ok"
	return res, nil
}

// failCreate marks the order FAILED after a provider rejection. The transition
// is best effort: if it loses a race the webhook or poller owns the row now.
func (s Service) failCreate(ctx context.Context, ord Order, span trace.Span, gwErr error) error {
	span.SetStatus(codes.Error, gwErr.Error())
	ok, err := s.Store.Transition(ctx, TransitionParams{ID: ord.ID, From: StatusPending, To: StatusFailed})
	if err != nil || !ok {
		s.Logger.Warn().
			Err(err).
			Bool("applied", ok).
			Str("order_id", ord.ID.String()).
			Msg("could not mark order failed after provider rejection")
	}
	return fmt.Errorf("open transaction: %w", gwErr)
}

func (s Service) scheduleSync(ctx context.Context, id uuid.UUID) {
	if s.Tasks == nil {
		return
	}
	task, err := NewSyncTask(id)
	if err == nil {
		_, err = s.Tasks.EnqueueContext(ctx, task, asynq.ProcessIn(s.SyncDelay))
	}
	if err != nil {
		s.Logger.Warn().
			Err(err).
			Str("order_id", id.String()).
			Msg("could not schedule order sync")
	}
}

// Get returns the order with the given id.
func (s Service) Get(ctx context.Context, id uuid.UUID) (Order, error) {
	return s.Store.GetByID(ctx, id)
}

// Close voids a pending order at the provider and locally. Only PENDING
// orders may be closed; a paid or already-final order yields
// ErrInvalidStateTransition.
func (s Service) Close(ctx context.Context, id uuid.UUID) error {
	ord, err := s.Store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if ord.Status != StatusPending {
		return fmt.Errorf("%w: cannot close order in status %s", ErrInvalidStateTransition, ord.Status)
	}
	if err := s.Gateway.CloseOrder(ctx, ord.OutTradeNo); err != nil {
		return fmt.Errorf("close transaction: %w", err)
	}
	ok, err := s.Store.Transition(ctx, TransitionParams{ID: ord.ID, From: StatusPending, To: StatusClosed})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: order left PENDING while closing", ErrInvalidStateTransition)
	}
	return nil
}

func validateCreate(params CreateParams) error {
	switch {
	case params.UserID == "":
		return fmt.Errorf("%w: user id is required", ErrValidation)
	case params.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	case strings.TrimSpace(params.Description) == "":
		return fmt.Errorf("%w: description is required", ErrValidation)
	case len(params.Description) > 127:
		return fmt.Errorf("%w: description exceeds 127 bytes", ErrValidation)
	case !params.Method.Valid():
		return fmt.Errorf("%w: unsupported payment method %q", ErrValidation, params.Method)
	case params.Method == MethodJSAPI && params.PayerID == "":
		return fmt.Errorf("%w: payer reference is required for JSAPI", ErrValidation)
	}
	return nil
}
