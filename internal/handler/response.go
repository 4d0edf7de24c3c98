package handler

import (
	"time"

	"github.com/mmeshcher/safedeal/internal/model"
)

type userResponse struct {
	ID               int64   `json:"id"`
	Username         string  `json:"username"`
	AvailableBalance string  `json:"available_balance"`
	FrozenBalance    string  `json:"frozen_balance"`
	DealsCompleted   int64   `json:"deals_completed"`
	Rating           float64 `json:"rating"`
	RatingCount      int64   `json:"rating_count"`
	IsFirstDeal      bool    `json:"is_first_deal"`
	ReferrerID       *int64  `json:"referrer_id,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

func newUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:               u.ID,
		Username:         u.Username,
		AvailableBalance: u.AvailableBalance.StringFixed(model.AmountScale),
		FrozenBalance:    u.FrozenBalance.StringFixed(model.AmountScale),
		DealsCompleted:   u.DealsCompleted,
		Rating:           u.AverageRating(),
		RatingCount:      u.RatingCount,
		IsFirstDeal:      u.IsFirstDeal,
		ReferrerID:       u.ReferrerID,
		CreatedAt:        u.CreatedAt.Format(time.RFC3339),
	}
}

type disputeResponse struct {
	OpenedBy    int64   `json:"opened_by"`
	Reason      string  `json:"reason"`
	Resolution  string  `json:"resolution,omitempty"`
	BuyerAmount *string `json:"buyer_amount,omitempty"`
	ResolvedBy  *int64  `json:"resolved_by,omitempty"`
	CreatedAt   string  `json:"created_at"`
	ResolvedAt  *string `json:"resolved_at,omitempty"`
}

type dealResponse struct {
	ID           int64            `json:"id"`
	BuyerID      int64            `json:"buyer_id"`
	SellerID     int64            `json:"seller_id"`
	Amount       string           `json:"amount"`
	Description  string           `json:"description"`
	Status       string           `json:"status"`
	FeeRate      string           `json:"fee_rate"`
	BuyerRating  *int             `json:"buyer_rating,omitempty"`
	SellerRating *int             `json:"seller_rating,omitempty"`
	CreatedAt    string           `json:"created_at"`
	AcceptedAt   *string          `json:"accepted_at,omitempty"`
	ResolvedAt   *string          `json:"resolved_at,omitempty"`
	Dispute      *disputeResponse `json:"dispute,omitempty"`
}

func newDealResponse(d *model.Deal) dealResponse {
	resp := dealResponse{
		ID:           d.ID,
		BuyerID:      d.BuyerID,
		SellerID:     d.SellerID,
		Amount:       d.Amount.StringFixed(model.AmountScale),
		Description:  d.Description,
		Status:       string(d.Status),
		FeeRate:      d.FeeRate.String(),
		BuyerRating:  d.BuyerRating,
		SellerRating: d.SellerRating,
		CreatedAt:    d.CreatedAt.Format(time.RFC3339),
		AcceptedAt:   formatTime(d.AcceptedAt),
		ResolvedAt:   formatTime(d.ResolvedAt),
	}

	if dsp := d.Dispute; dsp != nil {
		dr := &disputeResponse{
			OpenedBy:   dsp.OpenedBy,
			Reason:     dsp.Reason,
			Resolution: string(dsp.Resolution),
			ResolvedBy: dsp.ResolvedBy,
			CreatedAt:  dsp.CreatedAt.Format(time.RFC3339),
			ResolvedAt: formatTime(dsp.ResolvedAt),
		}
		if dsp.Resolved() {
			amount := dsp.BuyerAmount.StringFixed(model.AmountScale)
			dr.BuyerAmount = &amount
		}
		resp.Dispute = dr
	}
	return resp
}

func newDealListResponse(deals []model.Deal) []dealResponse {
	resp := make([]dealResponse, 0, len(deals))
	for i := range deals {
		resp = append(resp, newDealResponse(&deals[i]))
	}
	return resp
}

type ratingResponse struct {
	DealID    int64  `json:"deal_id"`
	Role      string `json:"role"`
	RaterID   int64  `json:"rater_id"`
	RateeID   int64  `json:"ratee_id"`
	Rating    int    `json:"rating"`
	CreatedAt string `json:"created_at"`
}

func newRatingResponse(r *model.Rating) ratingResponse {
	return ratingResponse{
		DealID:    r.DealID,
		Role:      string(r.Role),
		RaterID:   r.RaterID,
		RateeID:   r.RateeID,
		Rating:    r.Score,
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
	}
}

type depositResponse struct {
	ID          string  `json:"id"`
	UserID      int64   `json:"user_id"`
	Amount      string  `json:"amount"`
	Method      string  `json:"method"`
	Status      string  `json:"status"`
	PaymentURL  string  `json:"payment_url,omitempty"`
	CreatedAt   string  `json:"created_at"`
	ExpiresAt   string  `json:"expires_at"`
	ConfirmedAt *string `json:"confirmed_at,omitempty"`
}

func newDepositResponse(d *model.Deposit) depositResponse {
	return depositResponse{
		ID:          d.ID.String(),
		UserID:      d.UserID,
		Amount:      d.Amount.StringFixed(model.AmountScale),
		Method:      string(d.Method),
		Status:      string(d.Status),
		PaymentURL:  d.PaymentURL,
		CreatedAt:   d.CreatedAt.Format(time.RFC3339),
		ExpiresAt:   d.ExpiresAt.Format(time.RFC3339),
		ConfirmedAt: formatTime(d.ConfirmedAt),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
