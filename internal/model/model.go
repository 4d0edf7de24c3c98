// Package model содержит доменные сущности сервиса безопасных сделок.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User представляет участника сделок вместе с его кошельком.
type User struct {
	ID               int64
	Username         string
	PasswordHash     []byte
	AvailableBalance decimal.Decimal
	FrozenBalance    decimal.Decimal
	DealsCompleted   int64
	RatingSum        int64
	RatingCount      int64
	ReferrerID       *int64
	IsFirstDeal      bool
	CreatedAt        time.Time
}

// AverageRating возвращает средний рейтинг пользователя или 0, если оценок ещё нет.
func (u *User) AverageRating() float64 {
	if u.RatingCount == 0 {
		return 0
	}
	return float64(u.RatingSum) / float64(u.RatingCount)
}

// Clone возвращает независимую копию пользователя.
func (u *User) Clone() *User {
	c := *u
	if u.ReferrerID != nil {
		id := *u.ReferrerID
		c.ReferrerID = &id
	}
	if u.PasswordHash != nil {
		c.PasswordHash = append([]byte(nil), u.PasswordHash...)
	}
	return &c
}

// Role описывает сторону сделки.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Valid сообщает, является ли значение известной ролью.
func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleSeller
}

// Deal описывает сделку между покупателем и продавцом.
// Пока сделка не завершена, её сумма заморожена на балансе покупателя.
type Deal struct {
	ID             int64
	BuyerID        int64
	SellerID       int64
	Amount         decimal.Decimal
	Description    string
	Status         DealStatus
	FeeRate        decimal.Decimal
	BuyerRating    *int
	SellerRating   *int
	IdempotencyKey string
	CreatedAt      time.Time
	AcceptedAt     *time.Time
	ResolvedAt     *time.Time
	Dispute        *Dispute
}

// RoleOf возвращает роль пользователя в сделке.
func (d *Deal) RoleOf(userID int64) (Role, bool) {
	switch userID {
	case d.BuyerID:
		return RoleBuyer, true
	case d.SellerID:
		return RoleSeller, true
	default:
		return "", false
	}
}

// IsParty сообщает, участвует ли пользователь в сделке.
func (d *Deal) IsParty(userID int64) bool {
	_, ok := d.RoleOf(userID)
	return ok
}

// Counterparty возвращает идентификатор второй стороны для указанной роли.
func (d *Deal) Counterparty(role Role) int64 {
	if role == RoleBuyer {
		return d.SellerID
	}
	return d.BuyerID
}

// Clone возвращает независимую копию сделки.
func (d *Deal) Clone() *Deal {
	c := *d
	c.BuyerRating = cloneInt(d.BuyerRating)
	c.SellerRating = cloneInt(d.SellerRating)
	c.AcceptedAt = cloneTime(d.AcceptedAt)
	c.ResolvedAt = cloneTime(d.ResolvedAt)
	if d.Dispute != nil {
		dsp := *d.Dispute
		dsp.ResolvedBy = cloneInt64(d.Dispute.ResolvedBy)
		dsp.ResolvedAt = cloneTime(d.Dispute.ResolvedAt)
		c.Dispute = &dsp
	}
	return &c
}

// Resolution описывает решение арбитра по спору.
type Resolution string

const (
	ResolutionBuyerFavor  Resolution = "buyer_favor"
	ResolutionSellerFavor Resolution = "seller_favor"
	ResolutionSplit       Resolution = "split"
)

// Dispute описывает спор по сделке. Принадлежит ровно одной сделке.
type Dispute struct {
	DealID      int64
	OpenedBy    int64
	Reason      string
	Resolution  Resolution
	BuyerAmount decimal.Decimal
	ResolvedBy  *int64
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// Resolved сообщает, вынесено ли решение по спору.
func (d *Dispute) Resolved() bool {
	return d.ResolvedAt != nil
}

// Rating описывает оценку, выставленную стороной сделки контрагенту.
type Rating struct {
	DealID    int64
	Role      Role
	RaterID   int64
	RateeID   int64
	Score     int
	CreatedAt time.Time
}

// DepositStatus описывает статус пополнения баланса.
type DepositStatus string

const (
	DepositStatusPending   DepositStatus = "pending"
	DepositStatusConfirmed DepositStatus = "confirmed"
	DepositStatusExpired   DepositStatus = "expired"
)

// DepositMethod описывает способ пополнения.
type DepositMethod string

const (
	DepositMethodCrypto DepositMethod = "crypto"
	DepositMethodCard   DepositMethod = "card"
)

// Deposit описывает заявку на пополнение баланса через платёжного провайдера.
type Deposit struct {
	ID             uuid.UUID
	UserID         int64
	Amount         decimal.Decimal
	Method         DepositMethod
	Status         DepositStatus
	ProviderRef    string
	PaymentURL     string
	IdempotencyKey string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	ConfirmedAt    *time.Time
}

// EntryKind описывает тип проводки журнала.
type EntryKind string

const (
	EntryKindDeposit EntryKind = "deposit"
	EntryKindFreeze  EntryKind = "freeze"
	EntryKindRelease EntryKind = "release"
	EntryKindSettle  EntryKind = "settle"
	EntryKindFee     EntryKind = "fee"
)

// LedgerEntry описывает проводку журнала. Reference уникален: повтор операции
// с тем же Reference не меняет балансы.
type LedgerEntry struct {
	Reference string
	Kind      EntryKind
	DealID    *int64
	DepositID *uuid.UUID
	FromUser  *int64
	ToUser    *int64
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// ReferralStats содержит статистику приглашений пользователя.
type ReferralStats struct {
	TotalReferrals  int64  `json:"total_referrals"`
	ActiveReferrals int64  `json:"active_referrals"`
	ReferralLink    string `json:"referral_link"`
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Referee описывает приглашённого пользователя для подсчёта статистики.
type Referee struct {
	UserID         int64
	DealsCompleted int64
}
