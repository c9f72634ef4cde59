package order

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/noah-isme/payorder/internal/gateway"
	"github.com/noah-isme/payorder/internal/obs"
)

// Headers carried by provider webhook pushes.
const (
	HeaderTimestamp = "Wechatpay-Timestamp"
	HeaderNonce     = "Wechatpay-Nonce"
	HeaderSignature = "Wechatpay-Signature"
	HeaderSerial    = "Wechatpay-Serial"
)

const defaultWebhookMaxBody = 1 << 20

// Webhook receives asynchronous payment notifications from the provider.
// Authentication runs before any parsing: an unverifiable body is never
// decrypted, and a body that fails decryption never touches an order.
type Webhook struct {
	Gateway gateway.Client
	Store   Store
	Settler Settler
	Logger  zerolog.Logger
	MaxBody int64
}

type webhookAck struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Handle is the http.HandlerFunc for the provider notification endpoint.
func (wh Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if wh.Gateway == nil || wh.Store == nil {
		wh.ack(w, http.StatusInternalServerError, "FAIL", "webhook not configured", "error")
		return
	}

	maxBody := wh.MaxBody
	if maxBody <= 0 {
		maxBody = defaultWebhookMaxBody
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		wh.ack(w, http.StatusBadRequest, "FAIL", "unreadable body", "bad_body")
		return
	}

	timestamp := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	signature := r.Header.Get(HeaderSignature)
	serial := r.Header.Get(HeaderSerial)
	if timestamp == "" || nonce == "" || signature == "" || serial == "" {
		wh.ack(w, http.StatusBadRequest, "FAIL", "missing signature headers", "missing_headers")
		return
	}
	if !wh.Gateway.VerifySignature(timestamp, nonce, body, signature, serial) {
		wh.ack(w, http.StatusUnauthorized, "FAIL", "signature invalid", "bad_signature")
		return
	}

	var envelope gateway.NotificationEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		wh.ack(w, http.StatusBadRequest, "FAIL", "malformed notification", "bad_body")
		return
	}
	res, err := wh.Gateway.DecryptNotification(&envelope)
	if err != nil {
		wh.Logger.Warn().
			Err(err).
			Str("notification_id", envelope.ID).
			Msg("webhook resource decrypt failed")
		wh.ack(w, http.StatusBadRequest, "FAIL", "decrypt failed", "decrypt_failed")
		return
	}

	ord, err := wh.Store.GetByOutTradeNo(r.Context(), res.OutTradeNo)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			wh.Logger.Warn().
				Str("out_trade_no", res.OutTradeNo).
				Msg("webhook for unknown order")
			wh.ack(w, http.StatusNotFound, "FAIL", "order not found", "order_not_found")
			return
		}
		wh.ack(w, http.StatusInternalServerError, "FAIL", "storage error", "error")
		return
	}

	if ord.Status == StatusSuccess {
		// Duplicate delivery of an already-applied notification. Acknowledge
		// so the provider stops retrying.
		wh.ack(w, http.StatusOK, "SUCCESS", "", "duplicate")
		return
	}

	status, err := wh.Settler.Apply(r.Context(), ord, res)
	if err != nil {
		if errors.Is(err, ErrAmountMismatch) {
			wh.ack(w, http.StatusBadRequest, "FAIL", "amount mismatch", "amount_mismatch")
			return
		}
		wh.Logger.Error().
			Err(err).
			Str("order_id", ord.ID.String()).
			Msg("webhook settlement failed")
		wh.ack(w, http.StatusInternalServerError, "FAIL", "settlement failed", "error")
		return
	}

	wh.Logger.Info().
		Str("order_id", ord.ID.String()).
		Str("out_trade_no", ord.OutTradeNo).
		Str("trade_state", string(res.TradeState)).
		Str("status", string(status)).
		Msg("webhook applied")
	wh.ack(w, http.StatusOK, "SUCCESS", "", "ok")
}

func (wh Webhook) ack(w http.ResponseWriter, httpStatus int, code, message, outcome string) {
	if obs.PaymentWebhookTotal != nil {
		obs.PaymentWebhookTotal.WithLabelValues(outcome).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(webhookAck{Code: code, Message: message})
}
