package gateway

import (
	"bytes"
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/payorder/internal/resilience"
)

// Config carries the merchant credentials and key material for WechatPay.
// Everything is loaded once at process start; tests construct their own
// client with generated keys instead of relying on shared state.
type Config struct {
	AppID            string
	MchID            string
	MchSerialNo      string
	PrivateKeyPEM    string
	APIv3Key         string
	PlatformSerialNo string
	PlatformCertPEM  string
	BaseURL          string
	Timeout          time.Duration
	QueryMaxAttempts int
	Logger           zerolog.Logger
}

// WechatPay implements Client against a WeChat-Pay-v3 style HTTP API: JSON
// bodies, RSA-SHA256 request signatures in the Authorization header, AEAD
// encrypted webhook resources.
type WechatPay struct {
	appID          string
	mchID          string
	mchSerial      string
	privateKey     *rsa.PrivateKey
	apiv3Key       []byte
	platformSerial string
	platformKey    *rsa.PublicKey
	baseURL        string
	http           resilience.HTTPClient
	queryAttempts  int
	logger         zerolog.Logger
}

const authorizationSchema = "WECHATPAY2-SHA256-RSA2048"

// NewWechatPay builds a client from static configuration. The merchant
// private key signs outbound requests; the platform public key verifies
// inbound webhook signatures; the APIv3 key decrypts webhook resources.
func NewWechatPay(cfg Config) (*WechatPay, error) {
	if strings.TrimSpace(cfg.MchID) == "" || strings.TrimSpace(cfg.AppID) == "" {
		return nil, errors.New("gateway: mchid and appid are required")
	}
	priv, err := parsePrivateKey(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse merchant private key: %w", err)
	}
	var platformKey *rsa.PublicKey
	if strings.TrimSpace(cfg.PlatformCertPEM) != "" {
		platformKey, err = parsePlatformPublicKey(cfg.PlatformCertPEM)
		if err != nil {
			return nil, fmt.Errorf("gateway: parse platform certificate: %w", err)
		}
	}
	var apiv3 []byte
	if cfg.APIv3Key != "" {
		if len(cfg.APIv3Key) != 32 {
			return nil, errors.New("gateway: apiv3 key must be 32 bytes")
		}
		apiv3 = []byte(cfg.APIv3Key)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.mch.weixin.qq.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := cfg.QueryMaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &WechatPay{
		appID:          cfg.AppID,
		mchID:          cfg.MchID,
		mchSerial:      cfg.MchSerialNo,
		privateKey:     priv,
		apiv3Key:       apiv3,
		platformSerial: strings.TrimSpace(cfg.PlatformSerialNo),
		platformKey:    platformKey,
		baseURL:        baseURL,
		http: resilience.HTTPClient{
			Client: &http.Client{
				Timeout:   timeout,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
			Breaker:     resilience.NewBreaker(10, 0.5, 30*time.Second).WithTarget("wechatpay").WithLogger(cfg.Logger),
			BaseBackoff: 200 * time.Millisecond,
			Jitter:      0.2,
			MaxAttempts: 1,
		},
		queryAttempts: attempts,
		logger:        cfg.Logger,
	}, nil
}

type wechatAmount struct {
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}

type createTransactionBody struct {
	AppID       string       `json:"appid"`
	MchID       string       `json:"mchid"`
	Description string       `json:"description"`
	OutTradeNo  string       `json:"out_trade_no"`
	NotifyURL   string       `json:"notify_url"`
	Attach      string       `json:"attach,omitempty"`
	Amount      wechatAmount `json:"amount"`
	Payer       *struct {
		OpenID string `json:"openid"`
	} `json:"payer,omitempty"`
	SceneInfo *struct {
		PayerClientIP string `json:"payer_client_ip"`
		H5Info        struct {
			Type string `json:"type"`
		} `json:"h5_info"`
	} `json:"scene_info,omitempty"`
}

func (w *WechatPay) newCreateBody(req CreateTransactionRequest) createTransactionBody {
	return createTransactionBody{
		AppID:       w.appID,
		MchID:       w.mchID,
		Description: req.Description,
		OutTradeNo:  req.OutTradeNo,
		NotifyURL:   req.NotifyURL,
		Attach:      req.Attach,
		Amount:      wechatAmount{Total: req.Amount, Currency: "CNY"},
	}
}

// CreateNativeTransaction opens a scannable-code transaction. Create calls are
// never retried: a retry after an ambiguous failure could open a second
// provider-side transaction for the same out_trade_no window.
func (w *WechatPay) CreateNativeTransaction(ctx context.Context, req CreateTransactionRequest) (NativeTransaction, error) {
	body := w.newCreateBody(req)
	data, err := w.do(ctx, http.MethodPost, "/v3/pay/transactions/native", body, false)
	if err != nil {
		return NativeTransaction{}, err
	}
	var resp struct {
		CodeURL string `json:"code_url"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return NativeTransaction{}, fmt.Errorf("gateway: decode native response: %w", err)
	}
	return NativeTransaction{CodeURL: resp.CodeURL}, nil
}

// CreateJSAPITransaction opens an in-app transaction and signs the parameter
// bundle the client SDK needs to invoke native payment UI.
func (w *WechatPay) CreateJSAPITransaction(ctx context.Context, req CreateTransactionRequest) (JSAPITransaction, error) {
	if strings.TrimSpace(req.PayerID) == "" {
		return JSAPITransaction{}, errors.New("gateway: payer reference is required for in-app transactions")
	}
	body := w.newCreateBody(req)
	body.Payer = &struct {
		OpenID string `json:"openid"`
	}{OpenID: req.PayerID}
	data, err := w.do(ctx, http.MethodPost, "/v3/pay/transactions/jsapi", body, false)
	if err != nil {
		return JSAPITransaction{}, err
	}
	var resp struct {
		PrepayID string `json:"prepay_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return JSAPITransaction{}, fmt.Errorf("gateway: decode jsapi response: %w", err)
	}
	invoke, err := w.signInvokeParams(resp.PrepayID)
	if err != nil {
		return JSAPITransaction{}, err
	}
	return JSAPITransaction{PrepayID: resp.PrepayID, Invoke: invoke}, nil
}

// CreateH5Transaction opens a web-redirect transaction.
func (w *WechatPay) CreateH5Transaction(ctx context.Context, req CreateTransactionRequest) (H5Transaction, error) {
	body := w.newCreateBody(req)
	body.SceneInfo = &struct {
		PayerClientIP string `json:"payer_client_ip"`
		H5Info        struct {
			Type string `json:"type"`
		} `json:"h5_info"`
	}{PayerClientIP: req.ClientIP}
	body.SceneInfo.H5Info.Type = "Wap"
	data, err := w.do(ctx, http.MethodPost, "/v3/pay/transactions/h5", body, false)
	if err != nil {
		return H5Transaction{}, err
	}
	var resp struct {
		H5URL string `json:"h5_url"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return H5Transaction{}, fmt.Errorf("gateway: decode h5 response: %w", err)
	}
	return H5Transaction{H5URL: resp.H5URL}, nil
}

// QueryByOutTradeNo looks up a transaction by the merchant order number.
func (w *WechatPay) QueryByOutTradeNo(ctx context.Context, outTradeNo string) (PaymentResult, error) {
	path := fmt.Sprintf("/v3/pay/transactions/out-trade-no/%s?mchid=%s", url.PathEscape(outTradeNo), url.QueryEscape(w.mchID))
	data, err := w.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return PaymentResult{}, err
	}
	return decodePaymentResult(data)
}

// QueryByTransactionID looks up a transaction by the provider identifier.
func (w *WechatPay) QueryByTransactionID(ctx context.Context, transactionID string) (PaymentResult, error) {
	path := fmt.Sprintf("/v3/pay/transactions/id/%s?mchid=%s", url.PathEscape(transactionID), url.QueryEscape(w.mchID))
	data, err := w.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return PaymentResult{}, err
	}
	return decodePaymentResult(data)
}

// CloseOrder asks the provider to cancel an unpaid transaction. The provider
// rejects closes for orders it already settled.
func (w *WechatPay) CloseOrder(ctx context.Context, outTradeNo string) error {
	path := fmt.Sprintf("/v3/pay/transactions/out-trade-no/%s/close", url.PathEscape(outTradeNo))
	body := struct {
		MchID string `json:"mchid"`
	}{MchID: w.mchID}
	_, err := w.do(ctx, http.MethodPost, path, body, true)
	return err
}

// Refund asks the provider to return amount out of totalAmount for a paid
// transaction.
func (w *WechatPay) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	body := struct {
		OutTradeNo    string `json:"out_trade_no,omitempty"`
		TransactionID string `json:"transaction_id,omitempty"`
		OutRefundNo   string `json:"out_refund_no"`
		Reason        string `json:"reason,omitempty"`
		Amount        struct {
			Refund   int64  `json:"refund"`
			Total    int64  `json:"total"`
			Currency string `json:"currency"`
		} `json:"amount"`
	}{
		OutTradeNo:    req.OutTradeNo,
		TransactionID: req.TransactionID,
		OutRefundNo:   req.OutRefundNo,
		Reason:        req.Reason,
	}
	body.Amount.Refund = req.Amount
	body.Amount.Total = req.TotalAmount
	body.Amount.Currency = "CNY"
	data, err := w.do(ctx, http.MethodPost, "/v3/refund/domestic/refunds", body, false)
	if err != nil {
		return RefundResult{}, err
	}
	return decodeRefundResult(data)
}

// QueryRefund looks up a refund by the merchant refund number.
func (w *WechatPay) QueryRefund(ctx context.Context, outRefundNo string) (RefundResult, error) {
	path := fmt.Sprintf("/v3/refund/domestic/refunds/%s", url.PathEscape(outRefundNo))
	data, err := w.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return RefundResult{}, err
	}
	return decodeRefundResult(data)
}

// DecryptNotification authenticates and opens the AEAD sealed webhook
// resource with the APIv3 key.
func (w *WechatPay) DecryptNotification(envelope *NotificationEnvelope) (PaymentResult, error) {
	if envelope == nil {
		return PaymentResult{}, fmt.Errorf("%w: empty envelope", ErrDecrypt)
	}
	if len(w.apiv3Key) == 0 {
		return PaymentResult{}, fmt.Errorf("%w: apiv3 key not configured", ErrDecrypt)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Resource.Ciphertext)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	block, err := aes.NewCipher(w.apiv3Key)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plaintext, err := aead.Open(nil, []byte(envelope.Resource.Nonce), ciphertext, []byte(envelope.Resource.AssociatedData))
	if err != nil {
		return PaymentResult{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	result, err := decodePaymentResult(plaintext)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return result, nil
}

// VerifySignature validates that an inbound webhook was produced by the
// provider's published signing key. It never fails open: missing material,
// an unknown certificate serial or a broken signature all return false.
func (w *WechatPay) VerifySignature(timestamp, nonce string, body []byte, signature, serial string) bool {
	if w.platformKey == nil {
		return false
	}
	if timestamp == "" || nonce == "" || signature == "" || serial == "" {
		return false
	}
	if w.platformSerial != "" && serial != w.platformSerial {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	message := timestamp + "\n" + nonce + "\n" + string(body) + "\n"
	digest := sha256.Sum256([]byte(message))
	return rsa.VerifyPKCS1v15(w.platformKey, crypto.SHA256, digest[:], sig) == nil
}

// do signs and executes a provider API call, returning the raw response body.
// Only idempotent calls (query, close, refund query) opt into retries.
func (w *WechatPay) do(ctx context.Context, method, requestPath string, body any, retriable bool) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("gateway: encode request: %w", err)
		}
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	message := method + "\n" + requestPath + "\n" + ts + "\n" + nonce + "\n" + string(payload) + "\n"
	signature, err := w.sign(message)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, w.baseURL+requestPath, reader)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", fmt.Sprintf(
		"%s mchid=\"%s\",nonce_str=\"%s\",signature=\"%s\",timestamp=\"%s\",serial_no=\"%s\"",
		authorizationSchema, w.mchID, nonce, signature, ts, w.mchSerial,
	))

	hc := w.http
	if retriable {
		hc.MaxAttempts = w.queryAttempts
	}
	resp, err := hc.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("gateway: provider request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gateway: read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	reqErr := &RequestError{StatusCode: resp.StatusCode}
	var rejection struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &rejection); err == nil {
		reqErr.Code = rejection.Code
		reqErr.Message = rejection.Message
	}
	w.logger.Warn().
		Str("method", method).
		Str("path", requestPath).
		Int("status", resp.StatusCode).
		Str("code", reqErr.Code).
		Msg("provider rejected request")
	return nil, reqErr
}

func (w *WechatPay) sign(message string) (string, error) {
	if w.privateKey == nil {
		return "", errors.New("gateway: merchant private key not configured")
	}
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, w.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("gateway: sign request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (w *WechatPay) signInvokeParams(prepayID string) (InvokeParams, error) {
	nonce, err := randomNonce()
	if err != nil {
		return InvokeParams{}, err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	pkg := "prepay_id=" + prepayID
	message := w.appID + "\n" + ts + "\n" + nonce + "\n" + pkg + "\n"
	paySign, err := w.sign(message)
	if err != nil {
		return InvokeParams{}, err
	}
	return InvokeParams{
		AppID:     w.appID,
		Timestamp: ts,
		NonceStr:  nonce,
		Package:   pkg,
		SignType:  "RSA",
		PaySign:   paySign,
	}, nil
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("gateway: generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

type paymentResultWire struct {
	OutTradeNo     string `json:"out_trade_no"`
	TransactionID  string `json:"transaction_id"`
	TradeType      string `json:"trade_type"`
	TradeState     string `json:"trade_state"`
	TradeStateDesc string `json:"trade_state_desc"`
	SuccessTime    string `json:"success_time"`
	Payer          struct {
		OpenID string `json:"openid"`
	} `json:"payer"`
	Amount struct {
		Total      int64  `json:"total"`
		PayerTotal int64  `json:"payer_total"`
		Currency   string `json:"currency"`
	} `json:"amount"`
	Attach string `json:"attach"`
}

func decodePaymentResult(data []byte) (PaymentResult, error) {
	var wire paymentResultWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return PaymentResult{}, fmt.Errorf("gateway: decode payment result: %w", err)
	}
	result := PaymentResult{
		OutTradeNo:     wire.OutTradeNo,
		TransactionID:  wire.TransactionID,
		TradeType:      wire.TradeType,
		TradeState:     TradeState(strings.ToUpper(strings.TrimSpace(wire.TradeState))),
		TradeStateDesc: wire.TradeStateDesc,
		PayerID:        wire.Payer.OpenID,
		Amount: Amount{
			Total:      wire.Amount.Total,
			PayerTotal: wire.Amount.PayerTotal,
			Currency:   wire.Amount.Currency,
		},
		Attach: wire.Attach,
	}
	if wire.SuccessTime != "" {
		if t, err := time.Parse(time.RFC3339, wire.SuccessTime); err == nil {
			result.SuccessTime = t
		}
	}
	return result, nil
}

func decodeRefundResult(data []byte) (RefundResult, error) {
	var wire struct {
		RefundID    string `json:"refund_id"`
		OutRefundNo string `json:"out_refund_no"`
		OutTradeNo  string `json:"out_trade_no"`
		Status      string `json:"status"`
		Amount      struct {
			Refund int64 `json:"refund"`
			Total  int64 `json:"total"`
		} `json:"amount"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return RefundResult{}, fmt.Errorf("gateway: decode refund result: %w", err)
	}
	return RefundResult{
		RefundID:    wire.RefundID,
		OutRefundNo: wire.OutRefundNo,
		OutTradeNo:  wire.OutTradeNo,
		Status:      wire.Status,
		Amount:      wire.Amount.Refund,
		TotalAmount: wire.Amount.Total,
	}, nil
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("not an RSA private key")
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func parsePlatformPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("certificate does not carry an RSA key")
		}
		return pub, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return pub, nil
}
