// Package fee вычисляет комиссию сервиса за сделку.
package fee

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/safedeal/internal/model"
)

// DefaultRate задаёт стандартную ставку комиссии (3%).
var DefaultRate = decimal.New(3, -2)

// Resolver определяет ставку комиссии для новой сделки.
type Resolver struct {
	standard decimal.Decimal
}

// NewResolver создаёт Resolver со стандартной ставкой из диапазона [0, 1).
func NewResolver(standard decimal.Decimal) (*Resolver, error) {
	if standard.IsNegative() || standard.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: fee rate must be in [0, 1), got %s", model.ErrValidation, standard)
	}
	return &Resolver{standard: standard}, nil
}

// Rate возвращает ставку для покупателя: первая сделка проходит без комиссии.
func (r *Resolver) Rate(buyer *model.User) decimal.Decimal {
	if buyer.IsFirstDeal {
		return decimal.Zero
	}
	return r.standard
}

// Split делит сумму на выплату получателю и комиссию.
// Комиссия округляется до model.AmountScale знаков, net + fee всегда равно amount.
func Split(amount, rate decimal.Decimal) (net, fee decimal.Decimal) {
	fee = amount.Mul(rate).Round(model.AmountScale)
	return amount.Sub(fee), fee
}
