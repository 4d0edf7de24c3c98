package repository

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/safedeal/internal/model"
)

type dealKey struct {
	buyerID int64
	key     string
}

type depositKey struct {
	userID int64
	key    string
}

type ratingKey struct {
	dealID int64
	role   model.Role
}

type referralEdge struct {
	refereeID  int64
	referrerID int64
}

// MemoryRepository хранит данные в памяти процесса. Используется, когда
// адрес БД не задан, и в тестах сервиса.
type MemoryRepository struct {
	mu sync.RWMutex

	users       map[int64]*model.User
	usernames   map[string]int64
	referrals   []referralEdge
	deals       map[int64]*model.Deal
	disputes    map[int64]*model.Dispute
	dealKeys    map[dealKey]int64
	ratings     map[ratingKey]model.Rating
	deposits    map[uuid.UUID]*model.Deposit
	depositKeys map[depositKey]uuid.UUID
	entryRefs   map[string]struct{}
	entries     []model.LedgerEntry

	nextUserID int64
	nextDealID int64

	dealLocks    keyedLocks[int64]
	userLocks    keyedLocks[int64]
	depositLocks keyedLocks[uuid.UUID]
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:       make(map[int64]*model.User),
		usernames:   make(map[string]int64),
		deals:       make(map[int64]*model.Deal),
		disputes:    make(map[int64]*model.Dispute),
		dealKeys:    make(map[dealKey]int64),
		ratings:     make(map[ratingKey]model.Rating),
		deposits:    make(map[uuid.UUID]*model.Deposit),
		depositKeys: make(map[depositKey]uuid.UUID),
		entryRefs:   make(map[string]struct{}),
	}
}

// Close ничего не делает: ресурсов, требующих освобождения, нет.
func (r *MemoryRepository) Close() error {
	return nil
}

// JournalEntries возвращает копию журнала проводок в порядке добавления.
func (r *MemoryRepository) JournalEntries() []model.LedgerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.entries)
}

// InTx выполняет fn с блокировками на уровне сущностей. Изменения применяются
// атомарно при успешном завершении fn и отбрасываются при ошибке.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{
		repo:     r,
		users:    make(map[int64]*model.User),
		deals:    make(map[int64]*model.Deal),
		disputes: make(map[int64]*model.Dispute),
		deposits: make(map[uuid.UUID]*model.Deposit),
		refs:     make(map[string]struct{}),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

// CreateUser создаёт пользователя и, если указан пригласивший, реферальную связь.
func (r *MemoryRepository) CreateUser(_ context.Context, u *model.User) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.usernames[u.Username]; ok {
		return 0, fmt.Errorf("%w: %s", model.ErrUserExists, u.Username)
	}
	if u.ReferrerID != nil {
		if _, ok := r.users[*u.ReferrerID]; !ok {
			return 0, fmt.Errorf("%w: referrer", model.ErrNotFound)
		}
	}

	r.nextUserID++
	stored := u.Clone()
	stored.ID = r.nextUserID
	stored.IsFirstDeal = true
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	r.users[stored.ID] = stored
	r.usernames[stored.Username] = stored.ID
	if stored.ReferrerID != nil {
		r.referrals = append(r.referrals, referralEdge{refereeID: stored.ID, referrerID: *stored.ReferrerID})
	}
	return stored.ID, nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *MemoryRepository) GetUser(_ context.Context, id int64) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", model.ErrNotFound, id)
	}
	return u.Clone(), nil
}

// GetUserByUsername возвращает пользователя по имени.
func (r *MemoryRepository) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.usernames[username]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, username)
	}
	return r.users[id].Clone(), nil
}

// ListReferees возвращает приглашённых пользователем участников.
func (r *MemoryRepository) ListReferees(_ context.Context, referrerID int64) ([]model.Referee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Referee
	for _, e := range r.referrals {
		if e.referrerID != referrerID {
			continue
		}
		res = append(res, model.Referee{UserID: e.refereeID, DealsCompleted: r.users[e.refereeID].DealsCompleted})
	}
	return res, nil
}

func (r *MemoryRepository) dealLocked(id int64) (*model.Deal, bool) {
	d, ok := r.deals[id]
	if !ok {
		return nil, false
	}
	c := d.Clone()
	if dsp, ok := r.disputes[id]; ok {
		c.Dispute = cloneDispute(dsp)
	}
	return c, true
}

// GetDeal возвращает сделку вместе со спором.
func (r *MemoryRepository) GetDeal(_ context.Context, id int64) (*model.Deal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.dealLocked(id)
	if !ok {
		return nil, fmt.Errorf("%w: deal %d", model.ErrNotFound, id)
	}
	return d, nil
}

// ListDealsByUser возвращает сделки пользователя, новые первыми.
func (r *MemoryRepository) ListDealsByUser(_ context.Context, userID int64) ([]model.Deal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Deal
	for id, d := range r.deals {
		if !d.IsParty(userID) {
			continue
		}
		c, _ := r.dealLocked(id)
		res = append(res, *c)
	}

	slices.SortFunc(res, func(a, b model.Deal) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return res, nil
}

// ListStaleOffers возвращает сделки, не принятые продавцом до createdBefore.
func (r *MemoryRepository) ListStaleOffers(_ context.Context, createdBefore time.Time, limit int) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*model.Deal
	for _, d := range r.deals {
		if d.Status == model.DealStatusPendingSeller && d.CreatedAt.Before(createdBefore) {
			stale = append(stale, d)
		}
	}

	slices.SortFunc(stale, func(a, b *model.Deal) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	ids := make([]int64, 0, min(len(stale), limit))
	for _, d := range stale {
		if len(ids) == limit {
			break
		}
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// CreateDeposit сохраняет заявку на пополнение. Если у пользователя уже есть
// заявка с тем же ключом идемпотентности, возвращает её и false.
func (r *MemoryRepository) CreateDeposit(_ context.Context, d *model.Deposit) (*model.Deposit, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[d.UserID]; !ok {
		return nil, false, fmt.Errorf("%w: user %d", model.ErrNotFound, d.UserID)
	}

	if d.IdempotencyKey != "" {
		if id, ok := r.depositKeys[depositKey{userID: d.UserID, key: d.IdempotencyKey}]; ok {
			return cloneDeposit(r.deposits[id]), false, nil
		}
	}

	stored := cloneDeposit(d)
	r.deposits[stored.ID] = stored
	if d.IdempotencyKey != "" {
		r.depositKeys[depositKey{userID: d.UserID, key: d.IdempotencyKey}] = stored.ID
	}
	return cloneDeposit(stored), true, nil
}

// GetDeposit возвращает заявку на пополнение.
func (r *MemoryRepository) GetDeposit(_ context.Context, id uuid.UUID) (*model.Deposit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deposits[id]
	if !ok {
		return nil, fmt.Errorf("%w: deposit %s", model.ErrNotFound, id)
	}
	return cloneDeposit(d), nil
}

// SetDepositInvoice сохраняет данные счёта, выставленного провайдером.
func (r *MemoryRepository) SetDepositInvoice(_ context.Context, id uuid.UUID, providerRef, paymentURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deposits[id]
	if !ok {
		return fmt.Errorf("%w: deposit %s", model.ErrNotFound, id)
	}
	d.ProviderRef = providerRef
	d.PaymentURL = paymentURL
	return nil
}

// ListPendingDeposits возвращает ожидающие подтверждения пополнения, старые первыми.
func (r *MemoryRepository) ListPendingDeposits(_ context.Context, limit int) ([]model.Deposit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Deposit
	for _, d := range r.deposits {
		if d.Status == model.DepositStatusPending {
			res = append(res, *cloneDeposit(d))
		}
	}

	slices.SortFunc(res, func(a, b model.Deposit) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func cloneDispute(d *model.Dispute) *model.Dispute {
	tmp := model.Deal{Dispute: d}
	return tmp.Clone().Dispute
}

func cloneDeposit(d *model.Deposit) *model.Deposit {
	c := *d
	if d.ConfirmedAt != nil {
		t := *d.ConfirmedAt
		c.ConfirmedAt = &t
	}
	return &c
}

// memTx копит изменения до commit. Блокировки сущностей удерживаются
// до завершения транзакции.
type memTx struct {
	repo *MemoryRepository

	unlocks []func()

	lockedUsers map[int64]struct{}
	users       map[int64]*model.User
	deals       map[int64]*model.Deal
	newDeals    []*model.Deal
	disputes    map[int64]*model.Dispute
	deposits    map[uuid.UUID]*model.Deposit
	ratings     []model.Rating
	entries     []model.LedgerEntry
	refs        map[string]struct{}
}

func (t *memTx) release() {
	for i := len(t.unlocks) - 1; i >= 0; i-- {
		t.unlocks[i]()
	}
	t.unlocks = nil
}

func (t *memTx) AppendEntry(_ context.Context, e model.LedgerEntry) (bool, error) {
	if _, ok := t.refs[e.Reference]; ok {
		return false, nil
	}

	t.repo.mu.RLock()
	_, exists := t.repo.entryRefs[e.Reference]
	t.repo.mu.RUnlock()
	if exists {
		return false, nil
	}

	t.refs[e.Reference] = struct{}{}
	t.entries = append(t.entries, e)
	return true, nil
}

func (t *memTx) LockDeal(ctx context.Context, id int64) (*model.Deal, error) {
	if d, ok := t.deals[id]; ok {
		c := d.Clone()
		if dsp, ok := t.disputes[id]; ok {
			c.Dispute = cloneDispute(dsp)
		}
		return c, nil
	}

	if err := t.repo.dealLocks.lock(ctx, id); err != nil {
		return nil, fmt.Errorf("lock deal: %w", err)
	}
	t.unlocks = append(t.unlocks, func() { t.repo.dealLocks.unlock(id) })

	t.repo.mu.RLock()
	d, ok := t.repo.dealLocked(id)
	t.repo.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: deal %d", model.ErrNotFound, id)
	}

	t.deals[id] = d.Clone()
	t.deals[id].Dispute = nil
	if d.Dispute != nil {
		t.disputes[id] = cloneDispute(d.Dispute)
	}
	return d, nil
}

func (t *memTx) LockUsers(ctx context.Context, ids ...int64) (map[int64]*model.User, error) {
	ids = sortedUnique(ids)

	var fresh []int64
	for _, id := range ids {
		if _, ok := t.lockedUsers[id]; !ok {
			fresh = append(fresh, id)
		}
	}

	// Повторный захват допускается только для уже удерживаемых пользователей,
	// иначе нарушится порядок блокировок по возрастанию id.
	if len(fresh) > 0 && len(t.lockedUsers) > 0 {
		return nil, fmt.Errorf("%w: users must be locked in a single call", model.ErrInvariantViolation)
	}

	if t.lockedUsers == nil {
		t.lockedUsers = make(map[int64]struct{}, len(fresh))
	}
	for _, id := range fresh {
		if err := t.repo.userLocks.lock(ctx, id); err != nil {
			return nil, fmt.Errorf("lock user: %w", err)
		}
		t.unlocks = append(t.unlocks, func() { t.repo.userLocks.unlock(id) })
		t.lockedUsers[id] = struct{}{}
	}

	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()

	res := make(map[int64]*model.User, len(ids))
	for _, id := range ids {
		if u, ok := t.users[id]; ok {
			res[id] = u.Clone()
			continue
		}
		u, ok := t.repo.users[id]
		if !ok {
			return nil, fmt.Errorf("%w: user %d", model.ErrNotFound, id)
		}
		t.users[id] = u.Clone()
		res[id] = u.Clone()
	}
	return res, nil
}

func (t *memTx) LockDeposit(ctx context.Context, id uuid.UUID) (*model.Deposit, error) {
	if d, ok := t.deposits[id]; ok {
		return cloneDeposit(d), nil
	}

	if err := t.repo.depositLocks.lock(ctx, id); err != nil {
		return nil, fmt.Errorf("lock deposit: %w", err)
	}
	t.unlocks = append(t.unlocks, func() { t.repo.depositLocks.unlock(id) })

	t.repo.mu.RLock()
	d, ok := t.repo.deposits[id]
	if ok {
		d = cloneDeposit(d)
	}
	t.repo.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: deposit %s", model.ErrNotFound, id)
	}

	t.deposits[id] = d
	return cloneDeposit(d), nil
}

func (t *memTx) FindDealByIdempotencyKey(_ context.Context, buyerID int64, key string) (*model.Deal, error) {
	for _, d := range t.newDeals {
		if d.BuyerID == buyerID && d.IdempotencyKey == key {
			return d.Clone(), nil
		}
	}

	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()

	id, ok := t.repo.dealKeys[dealKey{buyerID: buyerID, key: key}]
	if !ok {
		return nil, fmt.Errorf("%w: deal with idempotency key %s", model.ErrNotFound, key)
	}
	d, _ := t.repo.dealLocked(id)
	return d, nil
}

func (t *memTx) CreateDeal(_ context.Context, d *model.Deal) (int64, error) {
	t.repo.mu.Lock()
	t.repo.nextDealID++
	id := t.repo.nextDealID
	t.repo.mu.Unlock()

	c := d.Clone()
	c.ID = id
	c.Dispute = nil
	t.newDeals = append(t.newDeals, c)
	return id, nil
}

func (t *memTx) UpdateDeal(_ context.Context, d *model.Deal) error {
	for i, nd := range t.newDeals {
		if nd.ID == d.ID {
			t.newDeals[i] = d.Clone()
			t.newDeals[i].Dispute = nil
			return nil
		}
	}

	if _, ok := t.deals[d.ID]; !ok {
		return fmt.Errorf("%w: deal %d updated without lock", model.ErrInvariantViolation, d.ID)
	}
	c := d.Clone()
	c.Dispute = nil
	t.deals[d.ID] = c
	return nil
}

func (t *memTx) SaveDispute(_ context.Context, d *model.Dispute) error {
	if _, ok := t.deals[d.DealID]; !ok {
		return fmt.Errorf("%w: dispute for deal %d saved without lock", model.ErrInvariantViolation, d.DealID)
	}
	t.disputes[d.DealID] = cloneDispute(d)
	return nil
}

func (t *memTx) InsertRating(_ context.Context, r model.Rating) error {
	key := ratingKey{dealID: r.DealID, role: r.Role}
	for _, staged := range t.ratings {
		if staged.DealID == r.DealID && staged.Role == r.Role {
			return fmt.Errorf("%w: deal %d role %s", model.ErrDuplicateRating, r.DealID, r.Role)
		}
	}

	t.repo.mu.RLock()
	_, exists := t.repo.ratings[key]
	t.repo.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: deal %d role %s", model.ErrDuplicateRating, r.DealID, r.Role)
	}

	t.ratings = append(t.ratings, r)
	return nil
}

func (t *memTx) SaveUsers(_ context.Context, users ...*model.User) error {
	for _, u := range users {
		if _, ok := t.lockedUsers[u.ID]; !ok {
			return fmt.Errorf("%w: user %d saved without lock", model.ErrInvariantViolation, u.ID)
		}
		t.users[u.ID] = u.Clone()
	}
	return nil
}

func (t *memTx) UpdateDeposit(_ context.Context, d *model.Deposit) error {
	if _, ok := t.deposits[d.ID]; !ok {
		return fmt.Errorf("%w: deposit %s updated without lock", model.ErrInvariantViolation, d.ID)
	}
	t.deposits[d.ID] = cloneDeposit(d)
	return nil
}

func (t *memTx) commit() error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range t.users {
		if u.AvailableBalance.IsNegative() || u.FrozenBalance.IsNegative() {
			return fmt.Errorf("%w: negative balance for user %d", model.ErrInvariantViolation, u.ID)
		}
	}
	for _, e := range t.entries {
		if _, ok := r.entryRefs[e.Reference]; ok {
			return fmt.Errorf("%w: ledger reference %s already used", model.ErrInvariantViolation, e.Reference)
		}
	}
	for _, d := range t.newDeals {
		if d.IdempotencyKey == "" {
			continue
		}
		if _, ok := r.dealKeys[dealKey{buyerID: d.BuyerID, key: d.IdempotencyKey}]; ok {
			return fmt.Errorf("%w: deal with idempotency key %s", model.ErrIdempotencyConflict, d.IdempotencyKey)
		}
	}

	for id, u := range t.users {
		stored := r.users[id]
		stored.AvailableBalance = u.AvailableBalance
		stored.FrozenBalance = u.FrozenBalance
		stored.DealsCompleted = u.DealsCompleted
		stored.RatingSum = u.RatingSum
		stored.RatingCount = u.RatingCount
		stored.IsFirstDeal = u.IsFirstDeal
	}
	for _, d := range t.newDeals {
		r.deals[d.ID] = d
		if d.IdempotencyKey != "" {
			r.dealKeys[dealKey{buyerID: d.BuyerID, key: d.IdempotencyKey}] = d.ID
		}
	}
	for id, d := range t.deals {
		r.deals[id] = d
	}
	for id, dsp := range t.disputes {
		r.disputes[id] = dsp
	}
	for _, rt := range t.ratings {
		r.ratings[ratingKey{dealID: rt.DealID, role: rt.Role}] = rt
	}
	for id, d := range t.deposits {
		stored := r.deposits[id]
		stored.Status = d.Status
		stored.ConfirmedAt = d.ConfirmedAt
	}
	for _, e := range t.entries {
		r.entryRefs[e.Reference] = struct{}{}
		r.entries = append(r.entries, e)
	}
	return nil
}

// keyedLocks выдаёт взаимные исключения по ключу с учётом отмены контекста.
type keyedLocks[K comparable] struct {
	mu    sync.Mutex
	locks map[K]chan struct{}
}

func (l *keyedLocks[K]) lock(ctx context.Context, key K) error {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[K]chan struct{})
	}
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *keyedLocks[K]) unlock(key K) {
	l.mu.Lock()
	ch := l.locks[key]
	l.mu.Unlock()
	<-ch
}
