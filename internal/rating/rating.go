// Package rating проверяет и применяет оценки участников сделок.
package rating

import (
	"fmt"
	"time"

	"github.com/mmeshcher/safedeal/internal/model"
)

const (
	// MinScore задаёт минимальную оценку.
	MinScore = 1
	// MaxScore задаёт максимальную оценку.
	MaxScore = 5
)

// ValidateScore проверяет, что оценка лежит в диапазоне [MinScore, MaxScore].
func ValidateScore(score int) error {
	if score < MinScore || score > MaxScore {
		return fmt.Errorf("%w: rating must be within %d..%d, got %d", model.ErrValidation, MinScore, MaxScore, score)
	}
	return nil
}

// Apply проверяет, что участник rater в роли role может оценить сделку,
// и фиксирует оценку в сделке. Возвращает запись об оценке контрагента.
func Apply(deal *model.Deal, rater int64, role model.Role, score int, now time.Time) (model.Rating, error) {
	if !role.Valid() {
		return model.Rating{}, fmt.Errorf("%w: unknown role %q", model.ErrValidation, role)
	}
	if err := ValidateScore(score); err != nil {
		return model.Rating{}, err
	}

	actual, ok := deal.RoleOf(rater)
	if !ok || actual != role {
		return model.Rating{}, fmt.Errorf("%w: user %d is not the %s of deal %d", model.ErrForbidden, rater, role, deal.ID)
	}

	if deal.Status != model.DealStatusCompleted {
		return model.Rating{}, fmt.Errorf("%w: deal %d is %s", model.ErrDealNotTerminal, deal.ID, deal.Status)
	}

	slot := &deal.BuyerRating
	if role == model.RoleSeller {
		slot = &deal.SellerRating
	}
	if *slot != nil {
		return model.Rating{}, fmt.Errorf("%w: %s already rated deal %d", model.ErrDuplicateRating, role, deal.ID)
	}

	s := score
	*slot = &s

	return model.Rating{
		DealID:    deal.ID,
		Role:      role,
		RaterID:   rater,
		RateeID:   deal.Counterparty(role),
		Score:     score,
		CreatedAt: now,
	}, nil
}

// Record учитывает оценку в агрегированном рейтинге пользователя.
func Record(ratee *model.User, score int) {
	ratee.RatingSum += int64(score)
	ratee.RatingCount++
}
