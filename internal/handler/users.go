package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/safedeal/internal/validation"
)

type registerRequest struct {
	Username     string `json:"username" validate:"required"`
	Password     string `json:"password" validate:"required"`
	ReferralCode string `json:"referralCode"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Register регистрирует пользователя и устанавливает cookie сессии.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, "register user", err)
		return
	}
	if err := validation.Struct(req); err != nil {
		h.writeError(w, "register user", err)
		return
	}

	u, err := h.service.RegisterUser(r.Context(), req.Username, req.Password, req.ReferralCode)
	if err != nil {
		h.writeError(w, "register user", err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID)
	writeJSON(w, http.StatusOK, newUserResponse(u))
}

// Login выполняет аутентификацию пользователя и устанавливает cookie сессии.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, "login user", err)
		return
	}
	if err := validation.Struct(req); err != nil {
		h.writeError(w, "login user", err)
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, "login user", err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID)
	writeJSON(w, http.StatusOK, newUserResponse(u))
}

// GetUser возвращает профиль и балансы пользователя.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	actor, err := sessionUser(r, nil)
	if err != nil {
		h.writeError(w, "get user", err)
		return
	}
	userID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, "get user", err)
		return
	}

	u, err := h.service.GetUser(r.Context(), actor, userID)
	if err != nil {
		h.writeError(w, "get user", err, zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(u))
}

// GetUserDeals возвращает сделки пользователя, новые первыми.
func (h *Handler) GetUserDeals(w http.ResponseWriter, r *http.Request) {
	actor, err := sessionUser(r, nil)
	if err != nil {
		h.writeError(w, "get user deals", err)
		return
	}
	userID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, "get user deals", err)
		return
	}

	deals, err := h.service.ListDeals(r.Context(), actor, userID)
	if err != nil {
		h.writeError(w, "get user deals", err, zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusOK, newDealListResponse(deals))
}

// GetReferralStats возвращает статистику приглашений пользователя.
func (h *Handler) GetReferralStats(w http.ResponseWriter, r *http.Request) {
	actor, err := sessionUser(r, nil)
	if err != nil {
		h.writeError(w, "get referral stats", err)
		return
	}
	userID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, "get referral stats", err)
		return
	}

	stats, err := h.service.ReferralStats(r.Context(), actor, userID)
	if err != nil {
		h.writeError(w, "get referral stats", err, zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type referralLinkResponse struct {
	ReferralLink string `json:"referral_link"`
}

// GetReferralLink возвращает реферальную ссылку пользователя.
func (h *Handler) GetReferralLink(w http.ResponseWriter, r *http.Request) {
	actor, err := sessionUser(r, nil)
	if err != nil {
		h.writeError(w, "get referral link", err)
		return
	}
	userID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, "get referral link", err)
		return
	}

	link, err := h.service.ReferralLink(r.Context(), actor, userID)
	if err != nil {
		h.writeError(w, "get referral link", err, zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusOK, referralLinkResponse{ReferralLink: link})
}
