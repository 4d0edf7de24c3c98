package handler

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/safedeal/internal/dispute"
	"github.com/mmeshcher/safedeal/internal/middleware"
	"github.com/mmeshcher/safedeal/internal/model"
	"github.com/mmeshcher/safedeal/internal/service"
	"github.com/mmeshcher/safedeal/internal/validation"
)

// IdempotencyHeader содержит клиентский ключ идемпотентности.
const IdempotencyHeader = "Idempotency-Key"

type createDealRequest struct {
	BuyerID        *int64          `json:"buyerId"`
	SellerUsername string          `json:"sellerUsername" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description" validate:"required"`
}

// CreateDeal открывает сделку от имени покупателя.
func (h *Handler) CreateDeal(w http.ResponseWriter, r *http.Request) {
	var req createDealRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, "create deal", err)
		return
	}
	if err := validation.Struct(req); err != nil {
		h.writeError(w, "create deal", err)
		return
	}
	buyerID, err := sessionUser(r, req.BuyerID)
	if err != nil {
		h.writeError(w, "create deal", err)
		return
	}

	d, created, err := h.service.CreateDeal(r.Context(), service.CreateDealRequest{
		BuyerID:        buyerID,
		SellerUsername: req.SellerUsername,
		Amount:         req.Amount,
		Description:    req.Description,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		h.writeError(w, "create deal", err, zap.Int64("buyerID", buyerID))
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, newDealResponse(d))
}

// GetDeal возвращает сделку её участнику.
func (h *Handler) GetDeal(w http.ResponseWriter, r *http.Request) {
	h.dealAction(w, r, "get deal", h.service.GetDeal)
}

// AcceptDeal принимает предложение сделки продавцом.
func (h *Handler) AcceptDeal(w http.ResponseWriter, r *http.Request) {
	h.dealAction(w, r, "accept deal", h.service.AcceptDeal)
}

// CancelDeal отменяет ещё не принятое предложение.
func (h *Handler) CancelDeal(w http.ResponseWriter, r *http.Request) {
	h.dealAction(w, r, "cancel deal", h.service.CancelDeal)
}

// ConfirmDeal подтверждает получение товара покупателем.
func (h *Handler) ConfirmDeal(w http.ResponseWriter, r *http.Request) {
	h.dealAction(w, r, "confirm deal", h.service.ConfirmDeal)
}

type actorRequest struct {
	UserID *int64 `json:"userId"`
}

type dealFunc func(ctx context.Context, actor, dealID int64) (*model.Deal, error)

func (h *Handler) dealAction(w http.ResponseWriter, r *http.Request, op string, fn dealFunc) {
	dealID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, op, err)
		return
	}

	var req actorRequest
	if r.Method != http.MethodGet {
		if err := decodeJSON(r, &req, true); err != nil {
			h.writeError(w, op, err)
			return
		}
	}
	actor, err := sessionUser(r, req.UserID)
	if err != nil {
		h.writeError(w, op, err)
		return
	}

	d, err := fn(r.Context(), actor, dealID)
	if err != nil {
		h.writeError(w, op, err, zap.Int64("dealID", dealID), zap.Int64("userID", actor))
		return
	}
	writeJSON(w, http.StatusOK, newDealResponse(d))
}

type disputeRequest struct {
	UserID *int64 `json:"userId"`
	Reason string `json:"reason" validate:"required"`
}

// OpenDispute открывает спор по принятой сделке.
func (h *Handler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	dealID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, "open dispute", err)
		return
	}

	var req disputeRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, "open dispute", err)
		return
	}
	if err := validation.Struct(req); err != nil {
		h.writeError(w, "open dispute", err)
		return
	}
	actor, err := sessionUser(r, req.UserID)
	if err != nil {
		h.writeError(w, "open dispute", err)
		return
	}

	d, err := h.service.OpenDispute(r.Context(), actor, dealID, req.Reason)
	if err != nil {
		h.writeError(w, "open dispute", err, zap.Int64("dealID", dealID))
		return
	}
	writeJSON(w, http.StatusOK, newDealResponse(d))
}

type resolveRequest struct {
	Resolution  string          `json:"resolution" validate:"required,oneof=buyer_favor seller_favor split"`
	BuyerAmount decimal.Decimal `json:"buyerAmount"`
}

// ResolveDispute выносит решение арбитра по спору.
func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	arbiterID, ok := middleware.GetArbiterIDFromContext(r.Context())
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	dealID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, "resolve dispute", err)
		return
	}

	var req resolveRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, "resolve dispute", err)
		return
	}
	if err := validation.Struct(req); err != nil {
		h.writeError(w, "resolve dispute", err)
		return
	}

	d, err := h.service.ResolveDispute(r.Context(), arbiterID, dealID, dispute.Decision{
		Resolution:  model.Resolution(req.Resolution),
		BuyerAmount: req.BuyerAmount,
	})
	if err != nil {
		h.writeError(w, "resolve dispute", err, zap.Int64("dealID", dealID), zap.Int64("arbiterID", arbiterID))
		return
	}
	writeJSON(w, http.StatusOK, newDealResponse(d))
}

type ratingRequest struct {
	DealID int64  `json:"dealId" validate:"required,gt=0"`
	Rating int    `json:"rating" validate:"required,min=1,max=5"`
	Role   string `json:"role" validate:"required,oneof=buyer seller"`
}

// SubmitRating принимает оценку контрагенту по завершённой сделке.
func (h *Handler) SubmitRating(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, "submit rating", err)
		return
	}
	if err := validation.Struct(req); err != nil {
		h.writeError(w, "submit rating", err)
		return
	}
	actor, err := sessionUser(r, nil)
	if err != nil {
		h.writeError(w, "submit rating", err)
		return
	}

	rt, err := h.service.SubmitRating(r.Context(), actor, req.DealID, model.Role(req.Role), req.Rating)
	if err != nil {
		h.writeError(w, "submit rating", err, zap.Int64("dealID", req.DealID))
		return
	}
	writeJSON(w, http.StatusCreated, newRatingResponse(rt))
}
