package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrValidation возвращается при некорректных входных данных.
	ErrValidation = errors.New("validation error")
	// ErrInsufficientFunds возвращается, если доступного баланса не хватает.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidStateTransition возвращается, если сделка не в нужном состоянии.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrForbidden возвращается, если у пользователя нет прав на операцию.
	ErrForbidden = errors.New("forbidden")
	// ErrDealNotTerminal возвращается при попытке оценить незавершённую сделку.
	ErrDealNotTerminal = errors.New("deal is not terminal")
	// ErrDuplicateRating возвращается при повторной оценке той же стороной.
	ErrDuplicateRating = errors.New("duplicate rating")
	// ErrAlreadyResolved возвращается при повторном решении спора.
	ErrAlreadyResolved = errors.New("dispute already resolved")
	// ErrNotFound возвращается, если сущность не найдена.
	ErrNotFound = errors.New("not found")
	// ErrUserExists возвращается при регистрации занятого имени пользователя.
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrIdempotencyConflict возвращается, если ключ идемпотентности уже использован с другими данными.
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	// ErrDepositExpired возвращается при подтверждении просроченного пополнения.
	ErrDepositExpired = errors.New("deposit expired")
	// ErrPaymentUnavailable возвращается, если платёжный провайдер недоступен.
	ErrPaymentUnavailable = errors.New("payment provider unavailable")
	// ErrInvariantViolation означает нарушение внутреннего инварианта (ошибку в коде).
	ErrInvariantViolation = errors.New("invariant violation")
)

// AmountScale задаёт максимальное число знаков после запятой в суммах.
const AmountScale = 2

// ValidateAmount проверяет, что сумма положительна и не точнее AmountScale знаков.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return fmt.Errorf("%w: amount must have at most %d decimal places", ErrValidation, AmountScale)
	}
	return nil
}
