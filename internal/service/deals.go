package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/safedeal/internal/dispute"
	"github.com/mmeshcher/safedeal/internal/fee"
	"github.com/mmeshcher/safedeal/internal/ledger"
	"github.com/mmeshcher/safedeal/internal/model"
	"github.com/mmeshcher/safedeal/internal/notify"
	"github.com/mmeshcher/safedeal/internal/rating"
	"github.com/mmeshcher/safedeal/internal/repository"
)

const (
	maxDescriptionLen = 500
	maxReasonLen      = 1000
)

// CreateDealRequest описывает запрос покупателя на открытие сделки.
type CreateDealRequest struct {
	BuyerID        int64
	SellerUsername string
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
}

// CreateDeal открывает сделку и замораживает её сумму на балансе покупателя.
// При повторе с тем же ключом идемпотентности возвращает уже созданную сделку
// и false.
func (s *Service) CreateDeal(ctx context.Context, req CreateDealRequest) (*model.Deal, bool, error) {
	if err := model.ValidateAmount(req.Amount); err != nil {
		return nil, false, err
	}

	desc := strings.TrimSpace(req.Description)
	if desc == "" || utf8.RuneCountInString(desc) > maxDescriptionLen {
		return nil, false, fmt.Errorf("%w: description must be 1-%d characters", model.ErrValidation, maxDescriptionLen)
	}

	seller, err := s.repo.GetUserByUsername(ctx, req.SellerUsername)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: seller %q not found", model.ErrValidation, req.SellerUsername)
		}
		return nil, false, err
	}
	if seller.ID == req.BuyerID {
		return nil, false, fmt.Errorf("%w: buyer and seller must differ", model.ErrValidation)
	}

	var (
		deal    *model.Deal
		created bool
	)
	err = s.repo.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		users, err := tx.LockUsers(ctx, req.BuyerID, seller.ID)
		if err != nil {
			return err
		}
		buyer := users[req.BuyerID]

		if req.IdempotencyKey != "" {
			existing, err := tx.FindDealByIdempotencyKey(ctx, buyer.ID, req.IdempotencyKey)
			switch {
			case err == nil:
				if existing.SellerID != seller.ID || !existing.Amount.Equal(req.Amount) || existing.Description != desc {
					return fmt.Errorf("%w: %w: key %q was used for another deal", model.ErrValidation, model.ErrIdempotencyConflict, req.IdempotencyKey)
				}
				deal = existing
				return nil
			case !errors.Is(err, model.ErrNotFound):
				return err
			}
		}

		d := &model.Deal{
			BuyerID:        buyer.ID,
			SellerID:       seller.ID,
			Amount:         req.Amount,
			Description:    desc,
			Status:         model.DealStatusPendingSeller,
			FeeRate:        s.fees.Rate(buyer),
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      s.now(),
		}
		id, err := tx.CreateDeal(ctx, d)
		if err != nil {
			return err
		}
		d.ID = id

		if err := ledger.New(tx).Freeze(ctx, buyer, d.Amount, ledger.DealRef(id, model.EntryKindFreeze)); err != nil {
			return err
		}
		if err := tx.SaveUsers(ctx, buyer); err != nil {
			return err
		}

		deal, created = d, true
		return nil
	})
	if err != nil {
		s.logFailure("create deal", err, zap.Int64("buyerID", req.BuyerID))
		return nil, false, err
	}

	if created {
		s.logger.Info("deal created",
			zap.Int64("dealID", deal.ID),
			zap.Int64("buyerID", deal.BuyerID),
			zap.Int64("sellerID", deal.SellerID),
			zap.String("amount", deal.Amount.String()),
			zap.String("feeRate", deal.FeeRate.String()),
		)
		s.publish(ctx, deal, notify.TypeCreated)
	}
	return deal, created, nil
}

// GetDeal возвращает сделку. Сделка доступна только её участникам.
func (s *Service) GetDeal(ctx context.Context, actor, dealID int64) (*model.Deal, error) {
	d, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !d.IsParty(actor) {
		return nil, fmt.Errorf("%w: user %d is not a party of deal %d", model.ErrForbidden, actor, dealID)
	}
	return d, nil
}

// AcceptDeal фиксирует согласие продавца. Средства не перемещаются.
func (s *Service) AcceptDeal(ctx context.Context, actor, dealID int64) (*model.Deal, error) {
	return s.transition(ctx, "accept deal", dealID, string(model.DealEventAccept), func(ctx context.Context, tx repository.Tx, d *model.Deal) error {
		if actor != d.SellerID {
			return fmt.Errorf("%w: only the seller can accept deal %d", model.ErrForbidden, d.ID)
		}
		next, err := d.Status.Next(model.DealEventAccept)
		if err != nil {
			return err
		}

		now := s.now()
		d.Status = next
		d.AcceptedAt = &now
		return tx.UpdateDeal(ctx, d)
	})
}

// CancelDeal отменяет не принятую продавцом сделку и возвращает средства покупателю.
func (s *Service) CancelDeal(ctx context.Context, actor, dealID int64) (*model.Deal, error) {
	return s.transition(ctx, "cancel deal", dealID, string(model.DealEventCancel), func(ctx context.Context, tx repository.Tx, d *model.Deal) error {
		if !d.IsParty(actor) {
			return fmt.Errorf("%w: user %d is not a party of deal %d", model.ErrForbidden, actor, d.ID)
		}
		return s.cancel(ctx, tx, d, model.DealEventCancel)
	})
}

// ExpireOffer отменяет сделку, которую продавец не принял вовремя.
func (s *Service) ExpireOffer(ctx context.Context, dealID int64) (*model.Deal, error) {
	return s.transition(ctx, "expire offer", dealID, string(model.DealEventExpire), func(ctx context.Context, tx repository.Tx, d *model.Deal) error {
		if s.now().Sub(d.CreatedAt) < s.offerTimeout {
			return fmt.Errorf("%w: offer %d has not expired yet", model.ErrInvalidStateTransition, d.ID)
		}
		return s.cancel(ctx, tx, d, model.DealEventExpire)
	})
}

func (s *Service) cancel(ctx context.Context, tx repository.Tx, d *model.Deal, event model.DealEvent) error {
	next, err := d.Status.Next(event)
	if err != nil {
		return err
	}

	users, err := tx.LockUsers(ctx, d.BuyerID)
	if err != nil {
		return err
	}
	buyer := users[d.BuyerID]

	if err := ledger.New(tx).Release(ctx, buyer, d.Amount, ledger.DealRef(d.ID, model.EntryKindRelease)); err != nil {
		return err
	}
	if err := tx.SaveUsers(ctx, buyer); err != nil {
		return err
	}

	now := s.now()
	d.Status = next
	d.ResolvedAt = &now
	return tx.UpdateDeal(ctx, d)
}

// ConfirmDeal подтверждает получение товара покупателем: продавец получает
// сумму за вычетом комиссии, комиссия удерживается сервисом.
func (s *Service) ConfirmDeal(ctx context.Context, actor, dealID int64) (*model.Deal, error) {
	return s.transition(ctx, "confirm deal", dealID, string(model.DealEventConfirm), func(ctx context.Context, tx repository.Tx, d *model.Deal) error {
		if actor != d.BuyerID {
			return fmt.Errorf("%w: only the buyer can confirm deal %d", model.ErrForbidden, d.ID)
		}
		next, err := d.Status.Next(model.DealEventConfirm)
		if err != nil {
			return err
		}

		net, commission := fee.Split(d.Amount, d.FeeRate)
		if err := s.payout(ctx, tx, d, dispute.Disposition{SellerPayout: net, Fee: commission}); err != nil {
			return err
		}

		now := s.now()
		d.Status = next
		d.ResolvedAt = &now
		return tx.UpdateDeal(ctx, d)
	})
}

// OpenDispute переводит сделку в спор. Средства остаются замороженными.
func (s *Service) OpenDispute(ctx context.Context, actor, dealID int64, reason string) (*model.Deal, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" || utf8.RuneCountInString(reason) > maxReasonLen {
		return nil, fmt.Errorf("%w: reason must be 1-%d characters", model.ErrValidation, maxReasonLen)
	}

	return s.transition(ctx, "open dispute", dealID, string(model.DealEventDispute), func(ctx context.Context, tx repository.Tx, d *model.Deal) error {
		if !d.IsParty(actor) {
			return fmt.Errorf("%w: user %d is not a party of deal %d", model.ErrForbidden, actor, d.ID)
		}
		next, err := d.Status.Next(model.DealEventDispute)
		if err != nil {
			return err
		}

		d.Dispute = &model.Dispute{
			DealID:    d.ID,
			OpenedBy:  actor,
			Reason:    reason,
			CreatedAt: s.now(),
		}
		if err := tx.SaveDispute(ctx, d.Dispute); err != nil {
			return err
		}

		d.Status = next
		return tx.UpdateDeal(ctx, d)
	})
}

// ResolveDispute исполняет решение арбитра по спору и завершает сделку.
func (s *Service) ResolveDispute(ctx context.Context, arbiterID, dealID int64, decision dispute.Decision) (*model.Deal, error) {
	return s.transition(ctx, "resolve dispute", dealID, string(model.DealEventResolve), func(ctx context.Context, tx repository.Tx, d *model.Deal) error {
		if d.Dispute != nil && d.Dispute.Resolved() {
			return fmt.Errorf("%w: deal %d", model.ErrAlreadyResolved, d.ID)
		}
		next, err := d.Status.Next(model.DealEventResolve)
		if err != nil {
			return err
		}
		if d.Dispute == nil {
			return fmt.Errorf("%w: disputed deal %d has no dispute record", model.ErrInvariantViolation, d.ID)
		}

		plan, err := dispute.Plan(d.Amount, d.FeeRate, decision)
		if err != nil {
			return err
		}
		if err := s.payout(ctx, tx, d, plan); err != nil {
			return err
		}

		now := s.now()
		arbiter := arbiterID
		d.Dispute.Resolution = decision.Resolution
		d.Dispute.BuyerAmount = plan.BuyerRefund
		d.Dispute.ResolvedBy = &arbiter
		d.Dispute.ResolvedAt = &now
		if err := tx.SaveDispute(ctx, d.Dispute); err != nil {
			return err
		}

		d.Status = next
		d.ResolvedAt = &now
		return tx.UpdateDeal(ctx, d)
	})
}

// payout распределяет замороженную сумму сделки по плану. Если продавец
// получил ненулевую долю, сделка засчитывается обоим участникам.
func (s *Service) payout(ctx context.Context, tx repository.Tx, d *model.Deal, plan dispute.Disposition) error {
	if !plan.Total().Equal(d.Amount) {
		return fmt.Errorf("%w: payout %s does not match deal amount %s", model.ErrInvariantViolation, plan.Total(), d.Amount)
	}

	users, err := tx.LockUsers(ctx, d.BuyerID, d.SellerID)
	if err != nil {
		return err
	}
	buyer, seller := users[d.BuyerID], users[d.SellerID]
	l := ledger.New(tx)

	if plan.BuyerRefund.IsPositive() {
		if err := l.Release(ctx, buyer, plan.BuyerRefund, ledger.DealRef(d.ID, model.EntryKindRelease)); err != nil {
			return err
		}
	}
	if plan.SellerPayout.IsPositive() {
		if err := l.Settle(ctx, buyer, seller, plan.SellerPayout, ledger.DealRef(d.ID, model.EntryKindSettle)); err != nil {
			return err
		}
	}
	if plan.Fee.IsPositive() {
		if err := l.Collect(ctx, buyer, plan.Fee, ledger.DealRef(d.ID, model.EntryKindFee)); err != nil {
			return err
		}
	}

	if plan.SellerShare().IsPositive() {
		for _, u := range []*model.User{buyer, seller} {
			u.DealsCompleted++
			u.IsFirstDeal = false
		}
	}
	return tx.SaveUsers(ctx, buyer, seller)
}

// SubmitRating принимает оценку контрагенту от участника завершённой сделки.
func (s *Service) SubmitRating(ctx context.Context, actor, dealID int64, role model.Role, score int) (*model.Rating, error) {
	var res model.Rating
	_, err := s.transition(ctx, "submit rating", dealID, "", func(ctx context.Context, tx repository.Tx, d *model.Deal) error {
		r, err := rating.Apply(d, actor, role, score, s.now())
		if err != nil {
			return err
		}
		if err := tx.InsertRating(ctx, r); err != nil {
			return err
		}

		users, err := tx.LockUsers(ctx, r.RateeID)
		if err != nil {
			return err
		}
		ratee := users[r.RateeID]
		rating.Record(ratee, r.Score)
		if err := tx.SaveUsers(ctx, ratee); err != nil {
			return err
		}

		res = r
		return tx.UpdateDeal(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// transition блокирует сделку и выполняет fn в одной транзакции.
// После фиксации публикует событие, если eventType не пуст.
func (s *Service) transition(ctx context.Context, op string, dealID int64, eventType string,
	fn func(ctx context.Context, tx repository.Tx, d *model.Deal) error,
) (*model.Deal, error) {
	var out *model.Deal
	err := s.repo.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		d, err := tx.LockDeal(ctx, dealID)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		s.logFailure(op, err, zap.Int64("dealID", dealID))
		return nil, err
	}

	s.logger.Info(op, zap.Int64("dealID", out.ID), zap.String("status", string(out.Status)))
	if eventType != "" {
		s.publish(ctx, out, eventType)
	}
	return out, nil
}

func (s *Service) publish(ctx context.Context, d *model.Deal, eventType string) {
	if err := s.publisher.Publish(ctx, notify.NewEvent(d, eventType, s.now())); err != nil {
		s.logger.Warn("publish deal event failed", zap.Int64("dealID", d.ID), zap.String("type", eventType), zap.Error(err))
	}
}
