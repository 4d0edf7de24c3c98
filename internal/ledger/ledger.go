// Package ledger реализует операции с балансами пользователей: заморозку,
// разморозку, расчёт между пользователями, удержание комиссии и пополнение.
//
// Операции работают с уже заблокированными в транзакции строками пользователей
// и не сохраняют их сами: это делает вызывающая сторона в той же транзакции.
// Каждая операция сначала пишет проводку в журнал; если проводка с таким же
// Reference уже есть, операция ничего не меняет.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/safedeal/internal/model"
)

// Journal описывает журнал проводок.
type Journal interface {
	// AppendEntry добавляет проводку и возвращает false, если проводка с таким Reference уже существует.
	AppendEntry(ctx context.Context, e model.LedgerEntry) (bool, error)
}

// Ref идентифицирует операцию журнала и связывает её со сделкой или пополнением.
type Ref struct {
	Reference string
	DealID    *int64
	DepositID *uuid.UUID
}

// DealRef возвращает ссылку на операцию по сделке, например "deal:42:settle".
func DealRef(dealID int64, op model.EntryKind) Ref {
	id := dealID
	return Ref{
		Reference: fmt.Sprintf("deal:%d:%s", dealID, op),
		DealID:    &id,
	}
}

// DepositRef возвращает ссылку на зачисление пополнения.
func DepositRef(depositID uuid.UUID) Ref {
	id := depositID
	return Ref{
		Reference: "deposit:" + depositID.String(),
		DepositID: &id,
	}
}

// Ledger выполняет операции с балансами.
type Ledger struct {
	journal Journal
	now     func() time.Time
}

// New создаёт Ledger поверх журнала.
func New(journal Journal) *Ledger {
	return &Ledger{
		journal: journal,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Freeze переводит сумму из доступного баланса в замороженный.
func (l *Ledger) Freeze(ctx context.Context, u *model.User, amount decimal.Decimal, ref Ref) error {
	applied, err := l.append(ctx, model.EntryKindFreeze, ref, &u.ID, nil, amount)
	if err != nil || !applied {
		return err
	}
	if u.AvailableBalance.LessThan(amount) {
		return fmt.Errorf("%w: available %s, required %s", model.ErrInsufficientFunds, u.AvailableBalance, amount)
	}
	u.AvailableBalance = u.AvailableBalance.Sub(amount)
	u.FrozenBalance = u.FrozenBalance.Add(amount)
	return checkBalances(u)
}

// Release возвращает замороженную сумму в доступный баланс того же пользователя.
func (l *Ledger) Release(ctx context.Context, u *model.User, amount decimal.Decimal, ref Ref) error {
	applied, err := l.append(ctx, model.EntryKindRelease, ref, &u.ID, &u.ID, amount)
	if err != nil || !applied {
		return err
	}
	u.FrozenBalance = u.FrozenBalance.Sub(amount)
	u.AvailableBalance = u.AvailableBalance.Add(amount)
	return checkBalances(u)
}

// Settle переводит сумму из замороженного баланса from в доступный баланс to.
// Обе строки должны быть заблокированы вызывающей стороной.
func (l *Ledger) Settle(ctx context.Context, from, to *model.User, amount decimal.Decimal, ref Ref) error {
	if from.ID == to.ID {
		return fmt.Errorf("%w: settle from user %d to itself", model.ErrInvariantViolation, from.ID)
	}
	applied, err := l.append(ctx, model.EntryKindSettle, ref, &from.ID, &to.ID, amount)
	if err != nil || !applied {
		return err
	}
	from.FrozenBalance = from.FrozenBalance.Sub(amount)
	to.AvailableBalance = to.AvailableBalance.Add(amount)
	if err := checkBalances(from); err != nil {
		return err
	}
	return checkBalances(to)
}

// Collect списывает комиссию сервиса из замороженного баланса пользователя.
// Проводка без получателя учитывается как выручка платформы.
func (l *Ledger) Collect(ctx context.Context, from *model.User, amount decimal.Decimal, ref Ref) error {
	applied, err := l.append(ctx, model.EntryKindFee, ref, &from.ID, nil, amount)
	if err != nil || !applied {
		return err
	}
	from.FrozenBalance = from.FrozenBalance.Sub(amount)
	return checkBalances(from)
}

// Deposit зачисляет подтверждённое провайдером пополнение на доступный баланс.
func (l *Ledger) Deposit(ctx context.Context, to *model.User, amount decimal.Decimal, ref Ref) error {
	applied, err := l.append(ctx, model.EntryKindDeposit, ref, nil, &to.ID, amount)
	if err != nil || !applied {
		return err
	}
	to.AvailableBalance = to.AvailableBalance.Add(amount)
	return checkBalances(to)
}

func (l *Ledger) append(ctx context.Context, kind model.EntryKind, ref Ref, from, to *int64, amount decimal.Decimal) (bool, error) {
	if !amount.IsPositive() {
		return false, fmt.Errorf("%w: %s amount must be positive, got %s", model.ErrInvariantViolation, kind, amount)
	}
	if ref.Reference == "" {
		return false, fmt.Errorf("%w: %s without reference", model.ErrInvariantViolation, kind)
	}

	applied, err := l.journal.AppendEntry(ctx, model.LedgerEntry{
		Reference: ref.Reference,
		Kind:      kind,
		DealID:    ref.DealID,
		DepositID: ref.DepositID,
		FromUser:  from,
		ToUser:    to,
		Amount:    amount,
		CreatedAt: l.now(),
	})
	if err != nil {
		return false, fmt.Errorf("append %s entry %s: %w", kind, ref.Reference, err)
	}
	return applied, nil
}

func checkBalances(u *model.User) error {
	if u.AvailableBalance.IsNegative() || u.FrozenBalance.IsNegative() {
		return fmt.Errorf("%w: user %d balance available=%s frozen=%s",
			model.ErrInvariantViolation, u.ID, u.AvailableBalance, u.FrozenBalance)
	}
	return nil
}
