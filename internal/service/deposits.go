package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/safedeal/internal/ledger"
	"github.com/mmeshcher/safedeal/internal/model"
	"github.com/mmeshcher/safedeal/internal/payment"
	"github.com/mmeshcher/safedeal/internal/repository"
)

// DepositRequest описывает запрос на пополнение баланса.
type DepositRequest struct {
	UserID         int64
	Amount         decimal.Decimal
	Method         model.DepositMethod
	IdempotencyKey string
}

// RequestDeposit создаёт заявку на пополнение и выставляет счёт у провайдера.
// Баланс не меняется до подтверждения оплаты. Если провайдер недоступен,
// заявка остаётся в ожидании, а повтор с тем же ключом повторно запросит счёт.
func (s *Service) RequestDeposit(ctx context.Context, req DepositRequest) (*model.Deposit, error) {
	if err := model.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.Method != model.DepositMethodCrypto && req.Method != model.DepositMethodCard {
		return nil, fmt.Errorf("%w: unknown deposit method %q", model.ErrValidation, req.Method)
	}
	if s.payments == nil {
		return nil, fmt.Errorf("%w: provider is not configured", model.ErrPaymentUnavailable)
	}

	now := s.now()
	d, created, err := s.repo.CreateDeposit(ctx, &model.Deposit{
		ID:             uuid.New(),
		UserID:         req.UserID,
		Amount:         req.Amount,
		Method:         req.Method,
		Status:         model.DepositStatusPending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.depositTimeout),
	})
	if err != nil {
		return nil, err
	}

	if !created {
		if !d.Amount.Equal(req.Amount) || d.Method != req.Method {
			return nil, fmt.Errorf("%w: %w: key %q was used for another deposit", model.ErrValidation, model.ErrIdempotencyConflict, req.IdempotencyKey)
		}
		if d.PaymentURL != "" || d.Status != model.DepositStatusPending {
			return d, nil
		}
	}

	inv, err := s.payments.CreateInvoice(ctx, d)
	if err != nil {
		s.logger.Warn("create invoice failed", zap.String("depositID", d.ID.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", model.ErrPaymentUnavailable, err)
	}

	if err := s.repo.SetDepositInvoice(ctx, d.ID, inv.ID, inv.PaymentURL); err != nil {
		return nil, err
	}
	d.ProviderRef = inv.ID
	d.PaymentURL = inv.PaymentURL

	s.logger.Info("deposit requested",
		zap.String("depositID", d.ID.String()),
		zap.Int64("userID", d.UserID),
		zap.String("amount", d.Amount.String()),
	)
	return d, nil
}

// GetDeposit возвращает заявку на пополнение её владельцу.
func (s *Service) GetDeposit(ctx context.Context, actor int64, id uuid.UUID) (*model.Deposit, error) {
	d, err := s.repo.GetDeposit(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.UserID != actor {
		return nil, fmt.Errorf("%w: deposit %s belongs to another user", model.ErrForbidden, id)
	}
	return d, nil
}

// ConfirmDeposit зачисляет оплаченное пополнение. Повторное подтверждение
// ничего не меняет. Просроченное пополнение помечается expired и не зачисляется.
func (s *Service) ConfirmDeposit(ctx context.Context, id uuid.UUID, paid decimal.Decimal) (*model.Deposit, error) {
	var (
		out     *model.Deposit
		expired bool
	)
	err := s.repo.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		d, err := tx.LockDeposit(ctx, id)
		if err != nil {
			return err
		}
		out = d

		switch d.Status {
		case model.DepositStatusConfirmed:
			return nil
		case model.DepositStatusExpired:
			expired = true
			return nil
		}

		now := s.now()
		if now.After(d.ExpiresAt) {
			expired = true
			d.Status = model.DepositStatusExpired
			return tx.UpdateDeposit(ctx, d)
		}

		if !paid.IsZero() && !paid.Equal(d.Amount) {
			return fmt.Errorf("%w: paid %s, expected %s", model.ErrValidation, paid, d.Amount)
		}

		users, err := tx.LockUsers(ctx, d.UserID)
		if err != nil {
			return err
		}
		u := users[d.UserID]
		if err := ledger.New(tx).Deposit(ctx, u, d.Amount, ledger.DepositRef(d.ID)); err != nil {
			return err
		}
		if err := tx.SaveUsers(ctx, u); err != nil {
			return err
		}

		d.Status = model.DepositStatusConfirmed
		d.ConfirmedAt = &now
		return tx.UpdateDeposit(ctx, d)
	})
	if err != nil {
		s.logFailure("confirm deposit", err, zap.String("depositID", id.String()))
		return nil, err
	}
	if expired {
		return out, fmt.Errorf("%w: deposit %s", model.ErrDepositExpired, id)
	}

	s.logger.Info("deposit confirmed", zap.String("depositID", id.String()), zap.Int64("userID", out.UserID))
	return out, nil
}

// ExpireDeposit помечает ожидающее пополнение просроченным.
func (s *Service) ExpireDeposit(ctx context.Context, id uuid.UUID) error {
	return s.repo.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		d, err := tx.LockDeposit(ctx, id)
		if err != nil {
			return err
		}
		if d.Status != model.DepositStatusPending {
			return nil
		}
		d.Status = model.DepositStatusExpired
		return tx.UpdateDeposit(ctx, d)
	})
}

// HandlePaymentNotification применяет уведомление провайдера с уже проверенной подписью.
func (s *Service) HandlePaymentNotification(ctx context.Context, n *payment.Notification) error {
	id, err := n.DepositID()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}

	switch n.Status {
	case payment.InvoiceStatusPaid:
		_, err = s.ConfirmDeposit(ctx, id, n.Amount)
		return err
	case payment.InvoiceStatusExpired:
		return s.ExpireDeposit(ctx, id)
	case payment.InvoiceStatusPending:
		return nil
	default:
		return fmt.Errorf("%w: unknown invoice status %q", model.ErrValidation, n.Status)
	}
}

// syncDeposit сверяет ожидающее пополнение с состоянием счёта у провайдера.
func (s *Service) syncDeposit(ctx context.Context, d model.Deposit) error {
	if s.now().After(d.ExpiresAt) {
		return s.ExpireDeposit(ctx, d.ID)
	}
	if s.payments == nil {
		return nil
	}

	inv, err := s.payments.GetInvoice(ctx, d.ID)
	if err != nil {
		if errors.Is(err, payment.ErrInvoiceNotFound) {
			return nil
		}
		return err
	}

	switch inv.Status {
	case payment.InvoiceStatusPaid:
		_, err := s.ConfirmDeposit(ctx, d.ID, inv.Amount)
		return err
	case payment.InvoiceStatusExpired:
		return s.ExpireDeposit(ctx, d.ID)
	default:
		return nil
	}
}
