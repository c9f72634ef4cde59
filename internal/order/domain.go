package order

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a payment order. Transitions only move
// along PENDING→{SUCCESS,FAILED,CLOSED} and SUCCESS→REFUNDED; every write is
// conditioned on the previously observed status.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSuccess  Status = "SUCCESS"
	StatusFailed   Status = "FAILED"
	StatusRefunded Status = "REFUNDED"
	StatusClosed   Status = "CLOSED"
)

// Terminal reports whether no further transition can leave the state.
// SUCCESS is near-terminal: only REFUNDED is reachable from it.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusClosed, StatusRefunded:
		return true
	default:
		return false
	}
}

// Method identifies the payment channel used to open the transaction.
type Method string

const (
	// MethodNative is the QR-code flow: the payer scans a code URL.
	MethodNative Method = "NATIVE"
	// MethodJSAPI is the in-app flow driven by a signed parameter bundle.
	MethodJSAPI Method = "JSAPI"
	// MethodH5 is the web-redirect flow.
	MethodH5 Method = "H5"
)

// Valid reports whether the method is one of the supported channels.
func (m Method) Valid() bool {
	switch m {
	case MethodNative, MethodJSAPI, MethodH5:
		return true
	default:
		return false
	}
}

// Order is the aggregate root of the payment subsystem. Creation-time fields
// never change; TransactionID and PaidAt are set exactly once, together, on
// the transition to SUCCESS.
type Order struct {
	ID            uuid.UUID
	OutTradeNo    string
	UserID        string
	Amount        int64
	Status        Status
	Method        Method
	Description   string
	TransactionID string
	PaidAt        *time.Time
	Attach        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

var (
	// ErrValidation marks rejected create-order input.
	ErrValidation = errors.New("order: invalid input")
	// ErrOrderNotFound is returned when no order matches the lookup key.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrInvalidStateTransition is returned when an operation requires a
	// status the order no longer has, e.g. closing a non-pending order.
	ErrInvalidStateTransition = errors.New("order: invalid state transition")
	// ErrAmountMismatch is returned when the provider-reported total
	// disagrees with the stored amount. Treated as a tampering signal, not
	// a data-quality problem.
	ErrAmountMismatch = errors.New("order: reported amount does not match stored amount")
	// ErrDuplicateOutTradeNo is returned when the generated merchant order
	// number collides with an existing row.
	ErrDuplicateOutTradeNo = errors.New("order: out trade no already exists")
)
