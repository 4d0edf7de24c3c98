// Package referral строит реферальные ссылки и считает статистику приглашений.
package referral

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mmeshcher/safedeal/internal/model"
)

// DefaultBaseURL задаёт адрес бота, к которому добавляется реферальный код.
const DefaultBaseURL = "https://t.me/SdelkaSafe_bot?start="

const codePrefix = "ref_"

// Code возвращает реферальный код пользователя.
func Code(userID int64) string {
	return codePrefix + strconv.FormatInt(userID, 10)
}

// Link возвращает реферальную ссылку пользователя.
func Link(baseURL string, userID int64) string {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return baseURL + Code(userID)
}

// ParseCode извлекает идентификатор пригласившего из кода вида "ref_42" или "42".
func ParseCode(code string) (int64, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(code), codePrefix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid referral code %q", model.ErrValidation, code)
	}
	return id, nil
}

// Aggregate считает статистику по приглашённым пользователям.
// Приглашённый активен, если завершил хотя бы одну сделку.
func Aggregate(referees []model.Referee, link string) model.ReferralStats {
	stats := model.ReferralStats{
		TotalReferrals: int64(len(referees)),
		ReferralLink:   link,
	}
	for _, r := range referees {
		if r.DealsCompleted > 0 {
			stats.ActiveReferrals++
		}
	}
	return stats
}
