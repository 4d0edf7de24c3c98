// Package handler содержит HTTP-обработчики API сервиса безопасных сделок.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/safedeal/internal/dispute"
	"github.com/mmeshcher/safedeal/internal/middleware"
	"github.com/mmeshcher/safedeal/internal/model"
	"github.com/mmeshcher/safedeal/internal/payment"
	"github.com/mmeshcher/safedeal/internal/service"
)

const maxBodySize = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, username, password, referralCode string) (*model.User, error)
	AuthenticateUser(ctx context.Context, username, password string) (*model.User, error)
	GetUser(ctx context.Context, actor, userID int64) (*model.User, error)
	ListDeals(ctx context.Context, actor, userID int64) ([]model.Deal, error)
	ReferralStats(ctx context.Context, actor, userID int64) (model.ReferralStats, error)
	ReferralLink(ctx context.Context, actor, userID int64) (string, error)

	CreateDeal(ctx context.Context, req service.CreateDealRequest) (*model.Deal, bool, error)
	GetDeal(ctx context.Context, actor, dealID int64) (*model.Deal, error)
	AcceptDeal(ctx context.Context, actor, dealID int64) (*model.Deal, error)
	CancelDeal(ctx context.Context, actor, dealID int64) (*model.Deal, error)
	ConfirmDeal(ctx context.Context, actor, dealID int64) (*model.Deal, error)
	OpenDispute(ctx context.Context, actor, dealID int64, reason string) (*model.Deal, error)
	ResolveDispute(ctx context.Context, arbiterID, dealID int64, decision dispute.Decision) (*model.Deal, error)
	SubmitRating(ctx context.Context, actor, dealID int64, role model.Role, score int) (*model.Rating, error)

	RequestDeposit(ctx context.Context, req service.DepositRequest) (*model.Deposit, error)
	GetDeposit(ctx context.Context, actor int64, id uuid.UUID) (*model.Deposit, error)
	HandlePaymentNotification(ctx context.Context, n *payment.Notification) error
}

// Handler реализует HTTP-обработчики API сервиса безопасных сделок.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	arbiterAuth    *middleware.ArbiterAuth
	webhookSecret  []byte
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, arbiter *middleware.ArbiterAuth, webhookSecret string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		arbiterAuth:    arbiter,
		webhookSecret:  []byte(webhookSecret),
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: msg})
}

// errorStatus сопоставляет доменную ошибку HTTP-статусу.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidStateTransition),
		errors.Is(err, model.ErrAlreadyResolved),
		errors.Is(err, model.ErrDuplicateRating),
		errors.Is(err, model.ErrDealNotTerminal),
		errors.Is(err, model.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrDepositExpired):
		return http.StatusGone
	case errors.Is(err, model.ErrPaymentUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error, fields ...zap.Field) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
		writeErrorMessage(w, status, http.StatusText(status))
		return
	}
	writeErrorMessage(w, status, err.Error())
}

// decodeJSON читает тело запроса в dst. Пустое тело допустимо, если optional.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: malformed request body: %v", model.ErrValidation, err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", model.ErrValidation, name)
	}
	return id, nil
}

// sessionUser возвращает пользователя сессии. Если в теле передан userID,
// он должен совпадать с пользователем сессии.
func sessionUser(r *http.Request, bodyUserID *int64) (int64, error) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		return 0, fmt.Errorf("%w: no session", model.ErrForbidden)
	}
	if bodyUserID != nil && *bodyUserID != userID {
		return 0, fmt.Errorf("%w: user %d cannot act as user %d", model.ErrForbidden, userID, *bodyUserID)
	}
	return userID, nil
}
