package order

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noah-isme/payorder/internal/common"
	"github.com/noah-isme/payorder/internal/gateway"
)

// Handler exposes the payment order HTTP surface.
type Handler struct {
	Svc      Service
	Poller   Poller
	Validate *validator.Validate
}

type createOrderReq struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Description string `json:"description" validate:"required,max=127"`
	Method      Method `json:"paymentMethod" validate:"required,oneof=NATIVE JSAPI H5"`
	PayerRef    string `json:"payerRef"`
	Attach      string `json:"attach"`
}

type createOrderResp struct {
	OrderID    string                `json:"orderId"`
	OutTradeNo string                `json:"outTradeNo"`
	CodeURL    string                `json:"codeUrl,omitempty"`
	H5URL      string                `json:"h5Url,omitempty"`
	PrepayID   string                `json:"providerPrepayId,omitempty"`
	Invoke     *gateway.InvokeParams `json:"invocationParams,omitempty"`
}

type orderResp struct {
	OrderID       string  `json:"orderId"`
	OutTradeNo    string  `json:"outTradeNo"`
	Amount        int64   `json:"amount"`
	Status        Status  `json:"status"`
	Method        Method  `json:"paymentMethod"`
	Description   string  `json:"description"`
	TransactionID string  `json:"transactionId,omitempty"`
	PaidAt        *string `json:"paidAt,omitempty"`
	CreatedAt     string  `json:"createdAt"`
}

func toOrderResp(ord Order) orderResp {
	resp := orderResp{
		OrderID:       ord.ID.String(),
		OutTradeNo:    ord.OutTradeNo,
		Amount:        ord.Amount,
		Status:        ord.Status,
		Method:        ord.Method,
		Description:   ord.Description,
		TransactionID: ord.TransactionID,
		CreatedAt:     ord.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if ord.PaidAt != nil {
		paidAt := ord.PaidAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.PaidAt = &paidAt
	}
	return resp
}

// Create handles POST /api/v1/payments/orders.
func (h Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required", nil)
		return
	}

	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION", "invalid request body", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(req); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION", "invalid request body", err.Error())
			return
		}
	}

	res, err := h.Svc.Create(r.Context(), CreateParams{
		UserID:      userID,
		Amount:      req.Amount,
		Description: req.Description,
		Method:      req.Method,
		PayerID:     req.PayerRef,
		ClientIP:    clientIP(r),
		Attach:      req.Attach,
	})
	if err != nil {
		writeOrderError(w, err)
		return
	}

	common.JSON(w, http.StatusCreated, createOrderResp{
		OrderID:    res.OrderID.String(),
		OutTradeNo: res.OutTradeNo,
		CodeURL:    res.CodeURL,
		H5URL:      res.H5URL,
		PrepayID:   res.PrepayID,
		Invoke:     res.Invoke,
	})
}

// Get handles GET /api/v1/payments/orders/{orderID}.
func (h Handler) Get(w http.ResponseWriter, r *http.Request) {
	ord, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, toOrderResp(ord))
}

// Close handles POST /api/v1/payments/orders/{orderID}/close.
func (h Handler) Close(w http.ResponseWriter, r *http.Request) {
	ord, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	if err := h.Svc.Close(r.Context(), ord.ID); err != nil {
		writeOrderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Sync handles POST /api/v1/payments/orders/{orderID}/sync: an on-demand
// reconciliation poll against the provider.
func (h Handler) Sync(w http.ResponseWriter, r *http.Request) {
	ord, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	fresh, err := h.Poller.Sync(r.Context(), ord.ID)
	if err != nil {
		writeOrderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toOrderResp(fresh))
}

// ownedOrder loads the order from the URL and enforces ownership. Orders of
// other users are reported as not found rather than forbidden.
func (h Handler) ownedOrder(w http.ResponseWriter, r *http.Request) (Order, bool) {
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required", nil)
		return Order{}, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION", "invalid order id", nil)
		return Order{}, false
	}
	ord, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		writeOrderError(w, err)
		return Order{}, false
	}
	if ord.UserID != userID {
		common.JSONError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
		return Order{}, false
	}
	return ord, true
}

func writeOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		common.JSONError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
	case errors.Is(err, ErrOrderNotFound):
		common.JSONError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
	case errors.Is(err, ErrInvalidStateTransition):
		common.JSONError(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, ErrAmountMismatch):
		common.JSONError(w, http.StatusConflict, "AMOUNT_MISMATCH", err.Error(), nil)
	case gateway.IsRequestError(err):
		common.JSONError(w, http.StatusBadGateway, "GATEWAY_REJECTED", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		common.JSONError(w, http.StatusGatewayTimeout, "GATEWAY_TIMEOUT", "payment provider did not respond in time", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
