// Package repository содержит хранилища сервиса: PostgreSQL для работы
// и хранилище в памяти для разработки и тестов.
package repository

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/safedeal/internal/model"
)

// Store описывает хранилище сервиса.
//
// Изменения балансов и сделок выполняются только внутри InTx. Транзакция
// сначала блокирует сделку или пополнение, затем пользователей по возрастанию id.
type Store interface {
	Close() error
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateUser(ctx context.Context, u *model.User) (int64, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	ListReferees(ctx context.Context, referrerID int64) ([]model.Referee, error)

	GetDeal(ctx context.Context, id int64) (*model.Deal, error)
	ListDealsByUser(ctx context.Context, userID int64) ([]model.Deal, error)
	ListStaleOffers(ctx context.Context, createdBefore time.Time, limit int) ([]int64, error)

	CreateDeposit(ctx context.Context, d *model.Deposit) (*model.Deposit, bool, error)
	GetDeposit(ctx context.Context, id uuid.UUID) (*model.Deposit, error)
	SetDepositInvoice(ctx context.Context, id uuid.UUID, providerRef, paymentURL string) error
	ListPendingDeposits(ctx context.Context, limit int) ([]model.Deposit, error)
}

// Tx описывает операции, доступные внутри транзакции хранилища.
type Tx interface {
	// AppendEntry добавляет проводку журнала; false означает, что Reference уже использован.
	AppendEntry(ctx context.Context, e model.LedgerEntry) (bool, error)

	LockDeal(ctx context.Context, id int64) (*model.Deal, error)
	// LockUsers блокирует пользователей по возрастанию id и возвращает их копии.
	LockUsers(ctx context.Context, ids ...int64) (map[int64]*model.User, error)
	LockDeposit(ctx context.Context, id uuid.UUID) (*model.Deposit, error)

	FindDealByIdempotencyKey(ctx context.Context, buyerID int64, key string) (*model.Deal, error)
	CreateDeal(ctx context.Context, d *model.Deal) (int64, error)
	UpdateDeal(ctx context.Context, d *model.Deal) error
	SaveDispute(ctx context.Context, d *model.Dispute) error
	InsertRating(ctx context.Context, r model.Rating) error
	SaveUsers(ctx context.Context, users ...*model.User) error
	UpdateDeposit(ctx context.Context, d *model.Deposit) error
}

func sortedUnique(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	res := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res = append(res, id)
	}
	slices.Sort(res)
	return res
}
