package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/safedeal/internal/dispute"
	"github.com/mmeshcher/safedeal/internal/fee"
	"github.com/mmeshcher/safedeal/internal/model"
	"github.com/mmeshcher/safedeal/internal/notify"
	"github.com/mmeshcher/safedeal/internal/payment"
	"github.com/mmeshcher/safedeal/internal/repository"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubPayments struct {
	mu        sync.Mutex
	createErr error
	invoices  map[uuid.UUID]*payment.Invoice
	created   int
}

func newStubPayments() *stubPayments {
	return &stubPayments{invoices: make(map[uuid.UUID]*payment.Invoice)}
}

func (p *stubPayments) CreateInvoice(ctx context.Context, d *model.Deposit) (*payment.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created++
	inv := &payment.Invoice{
		ID:         "inv-" + d.ID.String(),
		OrderID:    d.ID.String(),
		Status:     payment.InvoiceStatusPending,
		Amount:     d.Amount,
		PaymentURL: "https://pay.example/" + d.ID.String(),
	}
	p.invoices[d.ID] = inv
	c := *inv
	return &c, nil
}

func (p *stubPayments) GetInvoice(ctx context.Context, id uuid.UUID) (*payment.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invoices[id]
	if !ok {
		return nil, payment.ErrInvoiceNotFound
	}
	c := *inv
	return &c, nil
}

func (p *stubPayments) markPaid(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invoices[id].Status = payment.InvoiceStatusPaid
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types(dealID int64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var res []string
	for _, e := range p.events {
		if e.DealID == dealID {
			res = append(res, e.Type)
		}
	}
	return res
}

type fixture struct {
	svc      *Service
	repo     *repository.MemoryRepository
	payments *stubPayments
	pub      *recordingPublisher
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     repository.NewMemoryRepository(),
		payments: newStubPayments(),
		pub:      &recordingPublisher{},
		clock:    &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	svc, err := NewService(f.repo, f.payments, f.pub, zap.NewNop(), Options{
		FeeRate:        fee.DefaultRate,
		DepositTimeout: 30 * time.Minute,
		OfferTimeout:   24 * time.Hour,
	})
	require.NoError(t, err)
	svc.now = f.clock.Now
	f.svc = svc
	return f
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) user(t *testing.T, username string, referrer *int64) int64 {
	t.Helper()
	id, err := f.repo.CreateUser(context.Background(), &model.User{Username: username, PasswordHash: []byte("x"), ReferrerID: referrer})
	require.NoError(t, err)
	return id
}

func (f *fixture) fund(t *testing.T, userID int64, amount string) {
	t.Helper()
	ctx := context.Background()
	d, err := f.svc.RequestDeposit(ctx, DepositRequest{UserID: userID, Amount: dec(amount), Method: model.DepositMethodCrypto})
	require.NoError(t, err)
	_, err = f.svc.ConfirmDeposit(ctx, d.ID, dec(amount))
	require.NoError(t, err)
}

func (f *fixture) deal(t *testing.T, buyer int64, seller, amount string) *model.Deal {
	t.Helper()
	d, created, err := f.svc.CreateDeal(context.Background(), CreateDealRequest{
		BuyerID:        buyer,
		SellerUsername: seller,
		Amount:         dec(amount),
		Description:    "goods",
	})
	require.NoError(t, err)
	require.True(t, created)
	return d
}

func (f *fixture) acceptedDeal(t *testing.T, buyer, seller int64, sellerName, amount string) *model.Deal {
	t.Helper()
	d := f.deal(t, buyer, sellerName, amount)
	d, err := f.svc.AcceptDeal(context.Background(), seller, d.ID)
	require.NoError(t, err)
	return d
}

func (f *fixture) assertBalances(t *testing.T, userID int64, available, frozen string) {
	t.Helper()
	u, err := f.repo.GetUser(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, u.AvailableBalance.Equal(dec(available)), "user %d available = %s, want %s", userID, u.AvailableBalance, available)
	assert.True(t, u.FrozenBalance.Equal(dec(frozen)), "user %d frozen = %s, want %s", userID, u.FrozenBalance, frozen)
}

// assertConservation проверяет, что деньги не появляются и не исчезают:
// сумма балансов равна сумме пополнений за вычетом комиссий.
func (f *fixture) assertConservation(t *testing.T, users ...int64) {
	t.Helper()
	ctx := context.Background()

	expected := decimal.Zero
	for _, e := range f.repo.JournalEntries() {
		switch e.Kind {
		case model.EntryKindDeposit:
			expected = expected.Add(e.Amount)
		case model.EntryKindFee:
			expected = expected.Sub(e.Amount)
		}
	}

	total := decimal.Zero
	for _, id := range users {
		u, err := f.repo.GetUser(ctx, id)
		require.NoError(t, err)
		total = total.Add(u.AvailableBalance).Add(u.FrozenBalance)
	}
	assert.True(t, total.Equal(expected), "total balances %s, want %s", total, expected)
}

func TestFirstDealIsFeeFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.user(t, "buyer", nil)
	seller := f.user(t, "seller", nil)
	f.fund(t, buyer, "100")

	d := f.deal(t, buyer, "seller", "40")
	assert.Equal(t, model.DealStatusPendingSeller, d.Status)
	assert.True(t, d.FeeRate.IsZero())
	f.assertBalances(t, buyer, "60", "40")

	_, err := f.svc.AcceptDeal(ctx, seller, d.ID)
	require.NoError(t, err)

	d, err = f.svc.ConfirmDeal(ctx, buyer, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DealStatusCompleted, d.Status)
	require.NotNil(t, d.ResolvedAt)

	f.assertBalances(t, buyer, "60", "0")
	f.assertBalances(t, seller, "40", "0")

	for _, id := range []int64{buyer, seller} {
		u, err := f.repo.GetUser(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), u.DealsCompleted)
		assert.False(t, u.IsFirstDeal)
	}

	assert.Equal(t, []string{notify.TypeCreated, "accept", "confirm"}, f.pub.types(d.ID))
	f.assertConservation(t, buyer, seller)
}

func TestStandardFeeAfterFirstDeal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.user(t, "buyer", nil)
	seller := f.user(t, "seller", nil)
	f.fund(t, buyer, "100")

	first := f.acceptedDeal(t, buyer, seller, "seller", "10")
	_, err := f.svc.ConfirmDeal(ctx, buyer, first.ID)
	require.NoError(t, err)

	second := f.acceptedDeal(t, buyer, seller, "seller", "40")
	assert.True(t, second.FeeRate.Equal(dec("0.03")))

	_, err = f.svc.ConfirmDeal(ctx, buyer, second.ID)
	require.NoError(t, err)

	f.assertBalances(t, buyer, "50", "0")
	f.assertBalances(t, seller, "48.80", "0")

	var feeEntry *model.LedgerEntry
	for _, e := range f.repo.JournalEntries() {
		if e.Kind == model.EntryKindFee {
			feeEntry = &e
		}
	}
	require.NotNil(t, feeEntry)
	assert.True(t, feeEntry.Amount.Equal(dec("1.20")))
	assert.Nil(t, feeEntry.ToUser)
	f.assertConservation(t, buyer, seller)
}

func TestDisputeSplit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.user(t, "buyer", nil)
	seller := f.user(t, "seller", nil)
	f.fund(t, buyer, "100")

	d := f.acceptedDeal(t, buyer, seller, "seller", "40")
	d, err := f.svc.OpenDispute(ctx, seller, d.ID, "buyer does not answer")
	require.NoError(t, err)
	assert.Equal(t, model.DealStatusDisputed, d.Status)
	f.assertBalances(t, buyer, "60", "40")

	d, err = f.svc.ResolveDispute(ctx, 99, d.ID, dispute.Decision{Resolution: model.ResolutionSplit, BuyerAmount: dec("20")})
	require.NoError(t, err)
	assert.Equal(t, model.DealStatusCompleted, d.Status)
	require.NotNil(t, d.Dispute)
	assert.True(t, d.Dispute.Resolved())
	assert.Equal(t, int64(99), *d.Dispute.ResolvedBy)

	f.assertBalances(t, buyer, "80", "0")
	f.assertBalances(t, seller, "20", "0")

	_, err = f.svc.ResolveDispute(ctx, 99, d.ID, dispute.Decision{Resolution: model.ResolutionBuyerFavor})
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)
	f.assertBalances(t, buyer, "80", "0")
	f.assertConservation(t, buyer, seller)
}

func TestDisputeSplitChargesFeeOnSellerShare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.user(t, "buyer", nil)
	seller := f.user(t, "seller", nil)
	f.fund(t, buyer, "100")

	first := f.acceptedDeal(t, buyer, seller, "seller", "10")
	_, err := f.svc.ConfirmDeal(ctx, buyer, first.ID)
	require.NoError(t, err)

	d := f.acceptedDeal(t, buyer, seller, "seller", "40")
	_, err = f.svc.OpenDispute(ctx, buyer, d.ID, "item broken")
	require.NoError(t, err)

	_, err = f.svc.ResolveDispute(ctx, 1, d.ID, dispute.Decision{Resolution: model.ResolutionSplit, BuyerAmount: dec("20")})
	require.NoError(t, err)

	f.assertBalances(t, buyer, "70", "0")
	f.assertBalances(t, seller, "29.40", "0")
	f.assertConservation(t, buyer, seller)
}

func TestDisputeBuyerFavor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.user(t, "buyer", nil)
	seller := f.user(t, "seller", nil)
	f.fund(t, buyer, "100")

	d := f.acceptedDeal(t, buyer, seller, "seller", "40")
	_, err := f.svc.OpenDispute(ctx, buyer, d.ID, "never shipped")
	require.NoError(t, err)

	_, err = f.svc.ResolveDispute(ctx, 1, d.ID, dispute.Decision{Resolution: model.ResolutionBuyerFavor})
	require.NoError(t, err)

	f.assertBalances(t, buyer, "100", "0")
	f.assertBalances(t, seller, "0", "0")

	u, err := f.repo.GetUser(ctx, seller)
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.DealsCompleted)
	assert.True(t, u.IsFirstDeal)
}

func TestResolveRequiresDispute(t *testing.T) {
	f := newFixture(t)
	buyer := f.user(t, "buyer", nil)
	seller := f.user(t, "seller", nil)
	f.fund(t, buyer, "100")

	d := f.acceptedDeal(t, buyer, seller, "seller", "40")
	_, err := f.svc.ResolveDispute(context.Background(), 1, d.ID, dispute.Decision{Resolution: model.ResolutionSellerFavor})
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
}

func TestResolveRejectsInvalidSplit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.user(t, "buyer", nil)
	seller := f.user(t, "seller", nil)
	f.fund(t, buyer, "100")

	d := f.acceptedDeal(t, buyer, seller, "seller", "40")
	_, err := f.svc.OpenDispute(ctx, buyer, d.ID, "late")
	require.NoError(t, err)

	_, err = f.svc.ResolveDispute(ctx, 1, d.ID, dispute.Decision{Resolution: model.ResolutionSplit, BuyerAmount: dec("41")})
	assert.ErrorIs(t, err, model.ErrValidation)

	got, err := f.repo.GetDeal(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DealStatusDisputed, got.Status)
	f.assertBalances(t, buyer, "60", "40")
}

func TestDealPermissionsAndTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.user(t, "buyer", nil)
	seller := f.user(t, "seller", nil)
	stranger := f.user(t, "stranger", nil)
	f.fund(t, buyer, "100")

	d := f.deal(t, buyer, "seller", "40")

	_, err := f.svc.ConfirmDeal(ctx, buyer, d.ID)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)

	_, err = f.svc.AcceptDeal(ctx, buyer, d.ID)
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = f.svc.GetDeal(ctx, stranger, d.ID)
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = f.svc.AcceptDeal(ctx, seller, d.ID)
	require.NoError(t, err)

	_, err = f.svc.CancelDeal(ctx, buyer, d.ID)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)

	_, err = f.svc.ConfirmDeal(ctx, seller, d.ID)
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = f.svc.OpenDispute(ctx, stranger, d.ID, "spam")
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = f.svc.ConfirmDeal(ctx, buyer, d.ID)
	require.NoError(t, err)

	_, err = f.svc.ConfirmDeal(ctx, buyer, d.ID)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)

	_, err = f.svc.OpenDispute(ctx, buyer, d.ID, "too late")
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)

	f.assertBalances(t, seller, "40", "0")
	f.assertConservation(t, buyer, seller, stranger)
}

func TestCreateDealValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.user(t, "buyer", nil)
	f.user(t, "seller", nil)
	f.fund(t, buyer, "10")

	tests := []struct {
		name    string
		req     CreateDealRequest
		wantErr error
	}{
		{name: "zero amount", req: CreateDealRequest{BuyerID: buyer, SellerUsername: "seller", Amount: dec("0"), Description: "x"}, wantErr: model.ErrValidation},
		{name: "too precise", req: CreateDealRequest{BuyerID: buyer, SellerUsername: "seller", Amount: dec("1.001"), Description: "x"}, wantErr: model.ErrValidation},
		{name: "empty description", req: CreateDealRequest{BuyerID: buyer, SellerUsername: "seller", Amount: dec("1"), Description: "  "}, wantErr: model.ErrValidation},
		{name: "unknown seller", req: CreateDealRequest{BuyerID: buyer, SellerUsername: "ghost", Amount: dec("1"), Description: "x"}, wantErr: model.ErrValidation},
		{name: "self deal", req: CreateDealRequest{BuyerID: buyer, SellerUsername: "buyer", Amount: dec("1"), Description: "x"}, wantErr: model.ErrValidation},
		{name: "insufficient funds", req: CreateDealRequest{BuyerID: buyer, SellerUsername: "seller", Amount: dec("10.01"), Description: "x"}, wantErr: model.ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.CreateDeal(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	f.assertBalances(t, buyer, "10", "0")
	assert.Len(t, f.repo.JournalEntries(), 1)
}

func TestCreateDealIdempotency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.user(t, "buyer", nil)
	f.user(t, "seller", nil)
	f.fund(t, buyer, "100")

	req := CreateDealRequest{BuyerID: buyer, SellerUsername: "seller", Amount: dec("25"), Description: "phone", IdempotencyKey: "req-1"}

	first, created, err := f.svc.CreateDeal(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := f.svc.CreateDeal(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	f.assertBalances(t, buyer, "75", "25")

	req.Amount = dec("30")
	_, _, err = f.svc.CreateDeal(ctx, req)
	assert.ErrorIs(t, err, model.ErrIdempotencyConflict)
	assert.ErrorIs(t, err, model.ErrValidation)
	f.assertBalances(t, buyer, "75", "25")
}

func TestCancelAndExpireOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.user(t, "buyer", nil)
	seller := f.user(t, "seller", nil)
	stranger := f.user(t, "stranger", nil)
	f.fund(t, buyer, "100")

	cancelled := f.deal(t, buyer, "seller", "30")
	_, err := f.svc.CancelDeal(ctx, stranger, cancelled.ID)
	assert.ErrorIs(t, err, model.ErrForbidden)

	d, err := f.svc.CancelDeal(ctx, seller, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DealStatusCancelled, d.Status)
	f.assertBalances(t, buyer, "100", "0")

	stale := f.deal(t, buyer, "seller", "20")
	accepted := f.acceptedDeal(t, buyer, seller, "seller", "10")

	_, err = f.svc.ExpireOffer(ctx, stale.ID)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)

	f.clock.Advance(25 * time.Hour)
	f.svc.sweepOffers(ctx)

	got, err := f.repo.GetDeal(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DealStatusCancelled, got.Status)

	got, err = f.repo.GetDeal(ctx, accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DealStatusPending, got.Status)

	f.assertBalances(t, buyer, "90", "10")
	f.assertConservation(t, buyer, seller, stranger)
}

func TestConfirmDisputeRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.user(t, "buyer", nil)
	seller := f.user(t, "seller", nil)
	f.fund(t, buyer, "1000")

	for i := 0; i < 20; i++ {
		d := f.acceptedDeal(t, buyer, seller, "seller", "10")

		var (
			wg                   sync.WaitGroup
			confirmErr, disptErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, confirmErr = f.svc.ConfirmDeal(ctx, buyer, d.ID)
		}()
		go func() {
			defer wg.Done()
			_, disptErr = f.svc.OpenDispute(ctx, seller, d.ID, "race")
		}()
		wg.Wait()

		if confirmErr == nil {
			assert.ErrorIs(t, disptErr, model.ErrInvalidStateTransition)
		} else {
			assert.ErrorIs(t, confirmErr, model.ErrInvalidStateTransition)
			assert.NoError(t, disptErr)
		}
	}

	f.assertConservation(t, buyer, seller)
}

func TestConcurrentDealsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.user(t, "buyer", nil)
	f.user(t, "seller", nil)
	f.fund(t, buyer, "100")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.svc.CreateDeal(ctx, CreateDealRequest{BuyerID: buyer, SellerUsername: "seller", Amount: dec("30"), Description: "x"})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, model.ErrInsufficientFunds)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, success)
	f.assertBalances(t, buyer, "10", "90")
}

func TestSubmitRating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.user(t, "buyer", nil)
	seller := f.user(t, "seller", nil)
	f.fund(t, buyer, "100")

	d := f.acceptedDeal(t, buyer, seller, "seller", "40")

	_, err := f.svc.SubmitRating(ctx, buyer, d.ID, model.RoleBuyer, 5)
	assert.ErrorIs(t, err, model.ErrDealNotTerminal)

	_, err = f.svc.ConfirmDeal(ctx, buyer, d.ID)
	require.NoError(t, err)

	_, err = f.svc.SubmitRating(ctx, seller, d.ID, model.RoleBuyer, 5)
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = f.svc.SubmitRating(ctx, buyer, d.ID, model.RoleBuyer, 6)
	assert.ErrorIs(t, err, model.ErrValidation)

	r, err := f.svc.SubmitRating(ctx, buyer, d.ID, model.RoleBuyer, 4)
	require.NoError(t, err)
	assert.Equal(t, seller, r.RateeID)

	_, err = f.svc.SubmitRating(ctx, buyer, d.ID, model.RoleBuyer, 5)
	assert.ErrorIs(t, err, model.ErrDuplicateRating)

	_, err = f.svc.SubmitRating(ctx, seller, d.ID, model.RoleSeller, 2)
	require.NoError(t, err)

	s, err := f.repo.GetUser(ctx, seller)
	require.NoError(t, err)
	assert.Equal(t, int64(4), s.RatingSum)
	assert.Equal(t, int64(1), s.RatingCount)
	assert.InDelta(t, 4.0, s.AverageRating(), 0.0001)

	b, err := f.repo.GetUser(ctx, buyer)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, b.AverageRating(), 0.0001)

	got, err := f.repo.GetDeal(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.BuyerRating)
	require.NotNil(t, got.SellerRating)
	assert.Equal(t, 4, *got.BuyerRating)
	assert.Equal(t, 2, *got.SellerRating)
}

func TestCancelledDealCannotBeRated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.user(t, "buyer", nil)
	f.user(t, "seller", nil)
	f.fund(t, buyer, "100")

	d := f.deal(t, buyer, "seller", "40")
	_, err := f.svc.CancelDeal(ctx, buyer, d.ID)
	require.NoError(t, err)

	_, err = f.svc.SubmitRating(ctx, buyer, d.ID, model.RoleBuyer, 5)
	assert.ErrorIs(t, err, model.ErrDealNotTerminal)
}

func TestDepositPendingUntilCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.user(t, "alice", nil)

	d, err := f.svc.RequestDeposit(ctx, DepositRequest{UserID: user, Amount: dec("50"), Method: model.DepositMethodCrypto, IdempotencyKey: "dep-1"})
	require.NoError(t, err)
	assert.Equal(t, model.DepositStatusPending, d.Status)
	assert.NotEmpty(t, d.PaymentURL)
	f.assertBalances(t, user, "0", "0")

	n := &payment.Notification{OrderID: d.ID.String(), Status: payment.InvoiceStatusPaid, Amount: dec("50")}
	require.NoError(t, f.svc.HandlePaymentNotification(ctx, n))
	f.assertBalances(t, user, "50", "0")

	require.NoError(t, f.svc.HandlePaymentNotification(ctx, n))
	f.assertBalances(t, user, "50", "0")

	got, err := f.svc.GetDeposit(ctx, user, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DepositStatusConfirmed, got.Status)
	require.NotNil(t, got.ConfirmedAt)

	_, err = f.svc.GetDeposit(ctx, user+1, d.ID)
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestDepositProviderUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.user(t, "alice", nil)
	req := DepositRequest{UserID: user, Amount: dec("50"), Method: model.DepositMethodCard, IdempotencyKey: "dep-1"}

	f.payments.createErr = payment.ErrUnavailable
	_, err := f.svc.RequestDeposit(ctx, req)
	assert.ErrorIs(t, err, model.ErrPaymentUnavailable)

	pending, err := f.repo.ListPendingDeposits(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Empty(t, pending[0].PaymentURL)

	f.payments.createErr = nil
	d, err := f.svc.RequestDeposit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, pending[0].ID, d.ID)
	assert.NotEmpty(t, d.PaymentURL)

	again, err := f.svc.RequestDeposit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID)
	assert.Equal(t, 1, f.payments.created)

	req.Amount = dec("60")
	_, err = f.svc.RequestDeposit(ctx, req)
	assert.ErrorIs(t, err, model.ErrIdempotencyConflict)
}

func TestDepositExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.user(t, "alice", nil)

	d, err := f.svc.RequestDeposit(ctx, DepositRequest{UserID: user, Amount: dec("50"), Method: model.DepositMethodCrypto})
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)

	_, err = f.svc.ConfirmDeposit(ctx, d.ID, dec("50"))
	assert.ErrorIs(t, err, model.ErrDepositExpired)
	f.assertBalances(t, user, "0", "0")

	got, err := f.repo.GetDeposit(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DepositStatusExpired, got.Status)
}

func TestDepositAmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.user(t, "alice", nil)

	d, err := f.svc.RequestDeposit(ctx, DepositRequest{UserID: user, Amount: dec("50"), Method: model.DepositMethodCrypto})
	require.NoError(t, err)

	_, err = f.svc.ConfirmDeposit(ctx, d.ID, dec("49"))
	assert.ErrorIs(t, err, model.ErrValidation)
	f.assertBalances(t, user, "0", "0")
}

func TestDepositPolling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.user(t, "alice", nil)

	paid, err := f.svc.RequestDeposit(ctx, DepositRequest{UserID: user, Amount: dec("20"), Method: model.DepositMethodCrypto, IdempotencyKey: "a"})
	require.NoError(t, err)
	waiting, err := f.svc.RequestDeposit(ctx, DepositRequest{UserID: user, Amount: dec("30"), Method: model.DepositMethodCrypto, IdempotencyKey: "b"})
	require.NoError(t, err)

	f.payments.markPaid(paid.ID)
	f.svc.processDepositBatch(ctx)

	f.assertBalances(t, user, "20", "0")

	got, err := f.repo.GetDeposit(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DepositStatusPending, got.Status)

	f.clock.Advance(time.Hour)
	f.svc.processDepositBatch(ctx)

	got, err = f.repo.GetDeposit(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DepositStatusExpired, got.Status)
	f.assertBalances(t, user, "20", "0")
}

func TestReferralStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.user(t, "referrer", nil)
	active := f.user(t, "active", &referrer)
	f.user(t, "idle1", &referrer)
	f.user(t, "idle2", &referrer)
	seller := f.user(t, "seller", nil)
	f.fund(t, active, "50")

	d := f.acceptedDeal(t, active, seller, "seller", "10")
	_, err := f.svc.ConfirmDeal(ctx, active, d.ID)
	require.NoError(t, err)

	stats, err := f.svc.ReferralStats(ctx, referrer, referrer)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalReferrals)
	assert.Equal(t, int64(1), stats.ActiveReferrals)
	assert.Equal(t, "https://t.me/SdelkaSafe_bot?start=ref_1", stats.ReferralLink)

	link, err := f.svc.ReferralLink(ctx, referrer, referrer)
	require.NoError(t, err)
	assert.Equal(t, stats.ReferralLink, link)

	_, err = f.svc.ReferralStats(ctx, active, referrer)
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestRegisterAndAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.svc.RegisterUser(ctx, "alice", "secret1", "")
	require.NoError(t, err)
	assert.True(t, u.IsFirstDeal)

	_, err = f.svc.RegisterUser(ctx, "alice", "secret1", "")
	assert.ErrorIs(t, err, model.ErrUserExists)

	bob, err := f.svc.RegisterUser(ctx, "bob", "secret2", "ref_1")
	require.NoError(t, err)
	require.NotNil(t, bob.ReferrerID)
	assert.Equal(t, u.ID, *bob.ReferrerID)

	_, err = f.svc.RegisterUser(ctx, "carol", "secret3", "ref_42")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.RegisterUser(ctx, "dave", "secret4", "garbage")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.RegisterUser(ctx, "x", "secret4", "")
	assert.ErrorIs(t, err, model.ErrValidation)

	got, err := f.svc.AuthenticateUser(ctx, "alice", "secret1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = f.svc.AuthenticateUser(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, model.ErrInvalidCredentials)

	_, err = f.svc.AuthenticateUser(ctx, "nobody", "secret1")
	assert.ErrorIs(t, err, model.ErrInvalidCredentials)
}

func TestUserViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.user(t, "buyer", nil)
	seller := f.user(t, "seller", nil)
	f.fund(t, buyer, "100")

	first := f.deal(t, buyer, "seller", "10")
	second := f.deal(t, buyer, "seller", "20")

	deals, err := f.svc.ListDeals(ctx, seller, seller)
	require.NoError(t, err)
	require.Len(t, deals, 2)
	assert.Equal(t, second.ID, deals[0].ID)
	assert.Equal(t, first.ID, deals[1].ID)

	_, err = f.svc.ListDeals(ctx, buyer, seller)
	assert.ErrorIs(t, err, model.ErrForbidden)

	u, err := f.svc.GetUser(ctx, buyer, buyer)
	require.NoError(t, err)
	assert.True(t, u.FrozenBalance.Equal(dec("30")))

	_, err = f.svc.GetUser(ctx, buyer, seller)
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestNewServiceRejectsBadFeeRate(t *testing.T) {
	_, err := NewService(repository.NewMemoryRepository(), nil, nil, nil, Options{FeeRate: dec("1.5")})
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestRequestDepositWithoutProvider(t *testing.T) {
	svc, err := NewService(repository.NewMemoryRepository(), nil, nil, nil, Options{FeeRate: fee.DefaultRate})
	require.NoError(t, err)

	_, err = svc.RequestDeposit(context.Background(), DepositRequest{UserID: 1, Amount: dec("1"), Method: model.DepositMethodCard})
	assert.ErrorIs(t, err, model.ErrPaymentUnavailable)
}
