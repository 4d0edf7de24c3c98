package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/safedeal/internal/model"
)

func newTestPostgres(t *testing.T) *PostgresRepository {
	t.Helper()
	dsn := os.Getenv("DATABASE_URI")
	if dsn == "" {
		t.Skip("DATABASE_URI is not set")
	}
	r, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestPostgresDealRoundTrip(t *testing.T) {
	r := newTestPostgres(t)
	ctx := context.Background()
	suffix := uuid.NewString()

	buyer, err := r.CreateUser(ctx, &model.User{Username: "buyer-" + suffix, PasswordHash: []byte("x")})
	require.NoError(t, err)
	seller, err := r.CreateUser(ctx, &model.User{Username: "seller-" + suffix, PasswordHash: []byte("x"), ReferrerID: &buyer})
	require.NoError(t, err)

	_, err = r.CreateUser(ctx, &model.User{Username: "buyer-" + suffix, PasswordHash: []byte("x")})
	assert.ErrorIs(t, err, model.ErrUserExists)

	refs, err := r.ListReferees(ctx, buyer)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, seller, refs[0].UserID)

	var dealID int64
	err = r.InTx(ctx, func(ctx context.Context, tx Tx) error {
		users, err := tx.LockUsers(ctx, buyer, seller)
		if err != nil {
			return err
		}
		users[buyer].AvailableBalance = decimal.RequireFromString("10.50")
		if err := tx.SaveUsers(ctx, users[buyer]); err != nil {
			return err
		}
		dealID, err = tx.CreateDeal(ctx, &model.Deal{
			BuyerID: buyer, SellerID: seller, Amount: decimal.RequireFromString("3.25"),
			Description: "item", Status: model.DealStatusPending, FeeRate: decimal.RequireFromString("0.03"),
			IdempotencyKey: suffix, CreatedAt: time.Now(),
		})
		return err
	})
	require.NoError(t, err)

	err = r.InTx(ctx, func(ctx context.Context, tx Tx) error {
		d, err := tx.LockDeal(ctx, dealID)
		if err != nil {
			return err
		}
		d.Status = model.DealStatusDisputed
		if err := tx.UpdateDeal(ctx, d); err != nil {
			return err
		}
		return tx.SaveDispute(ctx, &model.Dispute{DealID: dealID, OpenedBy: buyer, Reason: "late", CreatedAt: time.Now()})
	})
	require.NoError(t, err)

	d, err := r.GetDeal(ctx, dealID)
	require.NoError(t, err)
	assert.Equal(t, model.DealStatusDisputed, d.Status)
	assert.True(t, d.Amount.Equal(decimal.RequireFromString("3.25")))
	require.NotNil(t, d.Dispute)
	assert.Equal(t, "late", d.Dispute.Reason)

	u, err := r.GetUser(ctx, buyer)
	require.NoError(t, err)
	assert.True(t, u.AvailableBalance.Equal(decimal.RequireFromString("10.5")))

	err = r.InTx(ctx, func(ctx context.Context, tx Tx) error {
		ok, err := tx.AppendEntry(ctx, model.LedgerEntry{
			Reference: "test:" + suffix, Kind: model.EntryKindDeposit, ToUser: &buyer,
			Amount: decimal.NewFromInt(1), CreatedAt: time.Now(),
		})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.AppendEntry(ctx, model.LedgerEntry{
			Reference: "test:" + suffix, Kind: model.EntryKindDeposit, ToUser: &buyer,
			Amount: decimal.NewFromInt(1), CreatedAt: time.Now(),
		})
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}
