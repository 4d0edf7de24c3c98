package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/safedeal/internal/model"
	"github.com/mmeshcher/safedeal/internal/payment"
	"github.com/mmeshcher/safedeal/internal/service"
	"github.com/mmeshcher/safedeal/internal/validation"
)

type depositRequest struct {
	UserID *int64          `json:"userId"`
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method" validate:"required,oneof=crypto card"`
}

// RequestDeposit создаёт заявку на пополнение баланса. Баланс меняется
// только после подтверждения оплаты провайдером.
func (h *Handler) RequestDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, "request deposit", err)
		return
	}
	if err := validation.Struct(req); err != nil {
		h.writeError(w, "request deposit", err)
		return
	}
	userID, err := sessionUser(r, req.UserID)
	if err != nil {
		h.writeError(w, "request deposit", err)
		return
	}

	d, err := h.service.RequestDeposit(r.Context(), service.DepositRequest{
		UserID:         userID,
		Amount:         req.Amount,
		Method:         model.DepositMethod(req.Method),
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		h.writeError(w, "request deposit", err, zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusAccepted, newDepositResponse(d))
}

// GetDeposit возвращает заявку на пополнение её владельцу.
func (h *Handler) GetDeposit(w http.ResponseWriter, r *http.Request) {
	actor, err := sessionUser(r, nil)
	if err != nil {
		h.writeError(w, "get deposit", err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "get deposit", fmt.Errorf("%w: invalid deposit id", model.ErrValidation))
		return
	}

	d, err := h.service.GetDeposit(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, "get deposit", err, zap.String("depositID", id.String()))
		return
	}
	writeJSON(w, http.StatusOK, newDepositResponse(d))
}

// PaymentWebhook принимает подписанное уведомление провайдера об оплате счёта.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, http.StatusText(http.StatusBadRequest))
		return
	}

	n, err := payment.ParseNotification(h.webhookSecret, body, r.Header.Get(payment.SignatureHeader))
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			h.logger.Warn("rejected payment notification", zap.Error(err))
			writeErrorMessage(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.HandlePaymentNotification(r.Context(), n); err != nil {
		h.writeError(w, "payment webhook", err, zap.String("invoiceID", n.InvoiceID), zap.String("orderID", n.OrderID))
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
