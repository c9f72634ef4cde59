package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TradeState is the closed set of transaction states reported by the provider.
type TradeState string

const (
	TradeStateSuccess    TradeState = "SUCCESS"
	TradeStateRefund     TradeState = "REFUND"
	TradeStateNotPay     TradeState = "NOTPAY"
	TradeStateClosed     TradeState = "CLOSED"
	TradeStateRevoked    TradeState = "REVOKED"
	TradeStateUserPaying TradeState = "USERPAYING"
	TradeStatePayError   TradeState = "PAYERROR"
)

// Amount carries the provider-reported totals in minor currency units.
type Amount struct {
	Total      int64
	PayerTotal int64
	Currency   string
}

// PaymentResult is the normalised transaction snapshot returned by queries and
// decrypted webhook notifications.
type PaymentResult struct {
	OutTradeNo     string
	TransactionID  string
	TradeType      string
	TradeState     TradeState
	TradeStateDesc string
	SuccessTime    time.Time
	PayerID        string
	Amount         Amount
	Attach         string
}

// CreateTransactionRequest captures the information required to open a
// transaction with the provider.
type CreateTransactionRequest struct {
	Description string
	OutTradeNo  string
	Amount      int64
	NotifyURL   string
	PayerID     string
	ClientIP    string
	Attach      string
}

// NativeTransaction is the result of a QR-code flow: the payer scans CodeURL.
type NativeTransaction struct {
	CodeURL string
}

// JSAPITransaction is the result of an in-app flow: the caller's client SDK
// invokes native payment UI with the signed parameter bundle.
type JSAPITransaction struct {
	PrepayID string
	Invoke   InvokeParams
}

// InvokeParams is the signed bundle handed to the client SDK.
type InvokeParams struct {
	AppID     string `json:"appId"`
	Timestamp string `json:"timeStamp"`
	NonceStr  string `json:"nonceStr"`
	Package   string `json:"package"`
	SignType  string `json:"signType"`
	PaySign   string `json:"paySign"`
}

// H5Transaction is the result of a web-redirect flow.
type H5Transaction struct {
	H5URL string
}

// RefundRequest asks the provider to return part or all of a paid amount.
type RefundRequest struct {
	OutTradeNo    string
	TransactionID string
	OutRefundNo   string
	Amount        int64
	TotalAmount   int64
	Reason        string
}

// RefundResult is the provider's view of a refund.
type RefundResult struct {
	RefundID    string
	OutRefundNo string
	OutTradeNo  string
	Status      string
	Amount      int64
	TotalAmount int64
}

// NotificationEnvelope is the outer JSON body of an inbound webhook push.
type NotificationEnvelope struct {
	ID           string               `json:"id"`
	CreateTime   string               `json:"create_time"`
	EventType    string               `json:"event_type"`
	ResourceType string               `json:"resource_type"`
	Resource     NotificationResource `json:"resource"`
	Summary      string               `json:"summary"`
}

// NotificationResource holds the AEAD-encrypted transaction payload.
type NotificationResource struct {
	Algorithm      string `json:"algorithm"`
	Ciphertext     string `json:"ciphertext"`
	AssociatedData string `json:"associated_data"`
	Nonce          string `json:"nonce"`
	OriginalType   string `json:"original_type"`
}

// Client abstracts the operations required from the upstream payment provider.
// All provider-specific request and response shapes stay behind it.
type Client interface {
	CreateNativeTransaction(ctx context.Context, req CreateTransactionRequest) (NativeTransaction, error)
	CreateJSAPITransaction(ctx context.Context, req CreateTransactionRequest) (JSAPITransaction, error)
	CreateH5Transaction(ctx context.Context, req CreateTransactionRequest) (H5Transaction, error)
	QueryByOutTradeNo(ctx context.Context, outTradeNo string) (PaymentResult, error)
	QueryByTransactionID(ctx context.Context, transactionID string) (PaymentResult, error)
	CloseOrder(ctx context.Context, outTradeNo string) error
	DecryptNotification(envelope *NotificationEnvelope) (PaymentResult, error)
	VerifySignature(timestamp, nonce string, body []byte, signature, serial string) bool
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	QueryRefund(ctx context.Context, outRefundNo string) (RefundResult, error)
}

// ErrDecrypt marks a webhook resource that could not be authenticated and
// decrypted with the configured key.
var ErrDecrypt = errors.New("gateway: notification decrypt failed")

// RequestError is returned when the provider rejects a request or the call
// fails at the transport level with a readable response.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return fmt.Sprintf("gateway: provider rejected request: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// IsRequestError reports whether err carries a provider rejection.
func IsRequestError(err error) bool {
	var target *RequestError
	return errors.As(err, &target)
}
