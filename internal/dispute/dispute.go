// Package dispute рассчитывает, как распределить замороженную сумму сделки
// по решению арбитра.
package dispute

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/safedeal/internal/fee"
	"github.com/mmeshcher/safedeal/internal/model"
)

// Decision описывает решение арбитра.
// BuyerAmount учитывается только для ResolutionSplit.
type Decision struct {
	Resolution  model.Resolution
	BuyerAmount decimal.Decimal
}

// Disposition описывает распределение суммы сделки.
type Disposition struct {
	BuyerRefund  decimal.Decimal
	SellerPayout decimal.Decimal
	Fee          decimal.Decimal
}

// Total возвращает сумму всех частей распределения.
func (d Disposition) Total() decimal.Decimal {
	return d.BuyerRefund.Add(d.SellerPayout).Add(d.Fee)
}

// SellerShare возвращает долю продавца до удержания комиссии.
func (d Disposition) SellerShare() decimal.Decimal {
	return d.SellerPayout.Add(d.Fee)
}

// Plan рассчитывает распределение суммы amount. Комиссия feeRate удерживается
// только с доли продавца. Части распределения в сумме всегда равны amount.
func Plan(amount, feeRate decimal.Decimal, decision Decision) (Disposition, error) {
	var sellerShare decimal.Decimal

	switch decision.Resolution {
	case model.ResolutionBuyerFavor:
		sellerShare = decimal.Zero
	case model.ResolutionSellerFavor:
		sellerShare = amount
	case model.ResolutionSplit:
		buyer := decision.BuyerAmount
		if buyer.IsNegative() || buyer.GreaterThan(amount) {
			return Disposition{}, fmt.Errorf("%w: buyer amount %s must be within [0, %s]", model.ErrValidation, buyer, amount)
		}
		if !buyer.Equal(buyer.Truncate(model.AmountScale)) {
			return Disposition{}, fmt.Errorf("%w: buyer amount must have at most %d decimal places", model.ErrValidation, model.AmountScale)
		}
		sellerShare = amount.Sub(buyer)
	default:
		return Disposition{}, fmt.Errorf("%w: unknown resolution %q", model.ErrValidation, decision.Resolution)
	}

	payout, commission := fee.Split(sellerShare, feeRate)
	d := Disposition{
		BuyerRefund:  amount.Sub(sellerShare),
		SellerPayout: payout,
		Fee:          commission,
	}
	if !d.Total().Equal(amount) {
		return Disposition{}, fmt.Errorf("%w: disposition %s does not match amount %s", model.ErrInvariantViolation, d.Total(), amount)
	}
	return d, nil
}
