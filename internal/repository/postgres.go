package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/safedeal/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 1 * time.Second},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликтах сериализации, взаимных блокировках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(r.delays) {
			break
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// InTx выполняет fn в транзакции. Ошибка fn откатывает транзакцию целиком.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, &pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, username, password_hash, available_balance::text, frozen_balance::text,
	deals_completed, rating_sum, rating_count, referrer_id, is_first_deal, created_at`

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u                 model.User
		available, frozen string
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &available, &frozen,
		&u.DealsCompleted, &u.RatingSum, &u.RatingCount, &u.ReferrerID, &u.IsFirstDeal, &u.CreatedAt)
	if err != nil {
		return nil, err
	}

	if u.AvailableBalance, err = decimal.NewFromString(available); err != nil {
		return nil, fmt.Errorf("parse available balance: %w", err)
	}
	if u.FrozenBalance, err = decimal.NewFromString(frozen); err != nil {
		return nil, fmt.Errorf("parse frozen balance: %w", err)
	}
	return &u, nil
}

const dealSelect = `
	SELECT d.id, d.buyer_id, d.seller_id, d.amount::text, d.description, d.status, d.fee_rate::text,
	       d.buyer_rating, d.seller_rating, d.idempotency_key, d.created_at, d.accepted_at, d.resolved_at,
	       ds.opened_by, ds.reason, ds.resolution, ds.buyer_amount::text, ds.resolved_by, ds.created_at, ds.resolved_at
	FROM deals d
	LEFT JOIN disputes ds ON ds.deal_id = d.id`

func scanDeal(row rowScanner) (*model.Deal, error) {
	var (
		d                 model.Deal
		amount, feeRate   string
		status            string
		openedBy          *int64
		reason            *string
		resolution        *string
		buyerAmount       *string
		resolvedBy        *int64
		disputeCreatedAt  *time.Time
		disputeResolvedAt *time.Time
	)
	err := row.Scan(&d.ID, &d.BuyerID, &d.SellerID, &amount, &d.Description, &status, &feeRate,
		&d.BuyerRating, &d.SellerRating, &d.IdempotencyKey, &d.CreatedAt, &d.AcceptedAt, &d.ResolvedAt,
		&openedBy, &reason, &resolution, &buyerAmount, &resolvedBy, &disputeCreatedAt, &disputeResolvedAt)
	if err != nil {
		return nil, err
	}

	d.Status = model.DealStatus(status)
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse deal amount: %w", err)
	}
	if d.FeeRate, err = decimal.NewFromString(feeRate); err != nil {
		return nil, fmt.Errorf("parse fee rate: %w", err)
	}

	if openedBy != nil {
		dsp := &model.Dispute{
			DealID:     d.ID,
			OpenedBy:   *openedBy,
			ResolvedBy: resolvedBy,
			ResolvedAt: disputeResolvedAt,
		}
		if reason != nil {
			dsp.Reason = *reason
		}
		if resolution != nil {
			dsp.Resolution = model.Resolution(*resolution)
		}
		if buyerAmount != nil {
			if dsp.BuyerAmount, err = decimal.NewFromString(*buyerAmount); err != nil {
				return nil, fmt.Errorf("parse dispute buyer amount: %w", err)
			}
		}
		if disputeCreatedAt != nil {
			dsp.CreatedAt = *disputeCreatedAt
		}
		d.Dispute = dsp
	}

	return &d, nil
}

const depositColumns = `id, user_id, amount::text, method, status, provider_ref, payment_url,
	idempotency_key, created_at, expires_at, confirmed_at`

func scanDeposit(row rowScanner) (*model.Deposit, error) {
	var (
		d              model.Deposit
		amount         string
		method, status string
	)
	err := row.Scan(&d.ID, &d.UserID, &amount, &method, &status, &d.ProviderRef, &d.PaymentURL,
		&d.IdempotencyKey, &d.CreatedAt, &d.ExpiresAt, &d.ConfirmedAt)
	if err != nil {
		return nil, err
	}

	d.Method = model.DepositMethod(method)
	d.Status = model.DepositStatus(status)
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse deposit amount: %w", err)
	}
	return &d, nil
}

// CreateUser создаёт пользователя и, если указан пригласивший, реферальную связь.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO users (username, password_hash, referrer_id, is_first_deal) VALUES ($1, $2, $3, TRUE) RETURNING id`,
		u.Username, u.PasswordHash, u.ReferrerID,
	).Scan(&id)
	if err != nil {
		if isPgError(err, pgerrcode.UniqueViolation) {
			return 0, fmt.Errorf("%w: %s", model.ErrUserExists, u.Username)
		}
		if isPgError(err, pgerrcode.ForeignKeyViolation) {
			return 0, fmt.Errorf("%w: referrer", model.ErrNotFound)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}

	if u.ReferrerID != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO referral_edges (referee_id, referrer_id) VALUES ($1, $2)`,
			id, *u.ReferrerID,
		)
		if err != nil {
			return 0, fmt.Errorf("insert referral edge: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %d", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByUsername возвращает пользователя по имени.
func (r *PostgresRepository) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, username)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// ListReferees возвращает приглашённых пользователем участников.
func (r *PostgresRepository) ListReferees(ctx context.Context, referrerID int64) ([]model.Referee, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.deals_completed
		 FROM referral_edges e
		 JOIN users u ON u.id = e.referee_id
		 WHERE e.referrer_id = $1
		 ORDER BY e.created_at`,
		referrerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select referees: %w", err)
	}
	defer rows.Close()

	var res []model.Referee
	for rows.Next() {
		var ref model.Referee
		if err := rows.Scan(&ref.UserID, &ref.DealsCompleted); err != nil {
			return nil, fmt.Errorf("scan referee: %w", err)
		}
		res = append(res, ref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// GetDeal возвращает сделку вместе со спором.
func (r *PostgresRepository) GetDeal(ctx context.Context, id int64) (*model.Deal, error) {
	d, err := scanDeal(r.pool.QueryRow(ctx, dealSelect+` WHERE d.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: deal %d", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get deal: %w", err)
	}
	return d, nil
}

// ListDealsByUser возвращает сделки пользователя, новые первыми.
func (r *PostgresRepository) ListDealsByUser(ctx context.Context, userID int64) ([]model.Deal, error) {
	rows, err := r.pool.Query(ctx,
		dealSelect+` WHERE d.buyer_id = $1 OR d.seller_id = $1 ORDER BY d.created_at DESC, d.id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select deals: %w", err)
	}
	defer rows.Close()

	var deals []model.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deal: %w", err)
		}
		deals = append(deals, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return deals, nil
}

// ListStaleOffers возвращает сделки, не принятые продавцом до createdBefore.
func (r *PostgresRepository) ListStaleOffers(ctx context.Context, createdBefore time.Time, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM deals WHERE status = $1 AND created_at < $2 ORDER BY created_at LIMIT $3`,
		string(model.DealStatusPendingSeller), createdBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale offers: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deal id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return ids, nil
}

// CreateDeposit сохраняет заявку на пополнение. Если у пользователя уже есть
// заявка с тем же ключом идемпотентности, возвращает её и false.
func (r *PostgresRepository) CreateDeposit(ctx context.Context, d *model.Deposit) (*model.Deposit, bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO deposits (id, user_id, amount, method, status, idempotency_key, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id, idempotency_key) WHERE idempotency_key <> '' DO NOTHING`,
		d.ID, d.UserID, d.Amount.String(), string(d.Method), string(d.Status), d.IdempotencyKey, d.CreatedAt, d.ExpiresAt,
	)
	if err != nil {
		if isPgError(err, pgerrcode.ForeignKeyViolation) {
			return nil, false, fmt.Errorf("%w: user %d", model.ErrNotFound, d.UserID)
		}
		return nil, false, fmt.Errorf("insert deposit: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		return d, true, nil
	}

	existing, err := scanDeposit(r.pool.QueryRow(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE user_id = $1 AND idempotency_key = $2`,
		d.UserID, d.IdempotencyKey,
	))
	if err != nil {
		return nil, false, fmt.Errorf("select existing deposit: %w", err)
	}
	return existing, false, nil
}

// GetDeposit возвращает заявку на пополнение.
func (r *PostgresRepository) GetDeposit(ctx context.Context, id uuid.UUID) (*model.Deposit, error) {
	d, err := scanDeposit(r.pool.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: deposit %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get deposit: %w", err)
	}
	return d, nil
}

// SetDepositInvoice сохраняет данные счёта, выставленного провайдером.
func (r *PostgresRepository) SetDepositInvoice(ctx context.Context, id uuid.UUID, providerRef, paymentURL string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE deposits SET provider_ref = $2, payment_url = $3 WHERE id = $1`,
		id, providerRef, paymentURL,
	)
	if err != nil {
		return fmt.Errorf("update deposit invoice: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: deposit %s", model.ErrNotFound, id)
	}
	return nil
}

// ListPendingDeposits возвращает ожидающие подтверждения пополнения, старые первыми.
func (r *PostgresRepository) ListPendingDeposits(ctx context.Context, limit int) ([]model.Deposit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE status = $1 ORDER BY created_at LIMIT $2`,
		string(model.DepositStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending deposits: %w", err)
	}
	defer rows.Close()

	var res []model.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		res = append(res, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) AppendEntry(ctx context.Context, e model.LedgerEntry) (bool, error) {
	cmdTag, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (reference, kind, deal_id, deposit_id, from_user, to_user, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (reference) DO NOTHING`,
		e.Reference, string(e.Kind), e.DealID, e.DepositID, e.FromUser, e.ToUser, e.Amount.String(), e.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert ledger entry: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

func (t *pgTx) LockDeal(ctx context.Context, id int64) (*model.Deal, error) {
	d, err := scanDeal(t.tx.QueryRow(ctx, dealSelect+` WHERE d.id = $1 FOR UPDATE OF d`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: deal %d", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("lock deal: %w", err)
	}
	return d, nil
}

func (t *pgTx) LockUsers(ctx context.Context, ids ...int64) (map[int64]*model.User, error) {
	ids = sortedUnique(ids)

	// Строки блокируются в порядке ORDER BY, поэтому порядок захвата одинаков во всех транзакциях.
	rows, err := t.tx.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("lock users: %w", err)
	}
	defer rows.Close()

	users := make(map[int64]*model.User, len(ids))
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users[u.ID] = u
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for _, id := range ids {
		if _, ok := users[id]; !ok {
			return nil, fmt.Errorf("%w: user %d", model.ErrNotFound, id)
		}
	}
	return users, nil
}

func (t *pgTx) LockDeposit(ctx context.Context, id uuid.UUID) (*model.Deposit, error) {
	d, err := scanDeposit(t.tx.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: deposit %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("lock deposit: %w", err)
	}
	return d, nil
}

func (t *pgTx) FindDealByIdempotencyKey(ctx context.Context, buyerID int64, key string) (*model.Deal, error) {
	d, err := scanDeal(t.tx.QueryRow(ctx,
		dealSelect+` WHERE d.buyer_id = $1 AND d.idempotency_key = $2`,
		buyerID, key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: deal with idempotency key %s", model.ErrNotFound, key)
		}
		return nil, fmt.Errorf("find deal: %w", err)
	}
	return d, nil
}

func (t *pgTx) CreateDeal(ctx context.Context, d *model.Deal) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO deals (buyer_id, seller_id, amount, description, status, fee_rate, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		d.BuyerID, d.SellerID, d.Amount.String(), d.Description, string(d.Status), d.FeeRate.String(), d.IdempotencyKey, d.CreatedAt,
	).Scan(&id)
	if err != nil {
		if isPgError(err, pgerrcode.UniqueViolation) {
			return 0, fmt.Errorf("%w: deal with idempotency key %s", model.ErrIdempotencyConflict, d.IdempotencyKey)
		}
		return 0, fmt.Errorf("insert deal: %w", err)
	}
	return id, nil
}

func (t *pgTx) UpdateDeal(ctx context.Context, d *model.Deal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE deals
		 SET status = $2, accepted_at = $3, resolved_at = $4, buyer_rating = $5, seller_rating = $6
		 WHERE id = $1`,
		d.ID, string(d.Status), d.AcceptedAt, d.ResolvedAt, d.BuyerRating, d.SellerRating,
	)
	if err != nil {
		return fmt.Errorf("update deal: %w", err)
	}
	return nil
}

func (t *pgTx) SaveDispute(ctx context.Context, d *model.Dispute) error {
	var (
		resolution  *string
		buyerAmount *string
	)
	if d.Resolved() {
		res := string(d.Resolution)
		amount := d.BuyerAmount.String()
		resolution, buyerAmount = &res, &amount
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO disputes (deal_id, opened_by, reason, resolution, buyer_amount, resolved_by, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (deal_id) DO UPDATE
		 SET resolution = EXCLUDED.resolution,
		     buyer_amount = EXCLUDED.buyer_amount,
		     resolved_by = EXCLUDED.resolved_by,
		     resolved_at = EXCLUDED.resolved_at`,
		d.DealID, d.OpenedBy, d.Reason, resolution, buyerAmount, d.ResolvedBy, d.CreatedAt, d.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("save dispute: %w", err)
	}
	return nil
}

func (t *pgTx) InsertRating(ctx context.Context, r model.Rating) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ratings (deal_id, role, rater_id, ratee_id, score, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		r.DealID, string(r.Role), r.RaterID, r.RateeID, r.Score, r.CreatedAt,
	)
	if err != nil {
		if isPgError(err, pgerrcode.UniqueViolation) {
			return fmt.Errorf("%w: deal %d role %s", model.ErrDuplicateRating, r.DealID, r.Role)
		}
		return fmt.Errorf("insert rating: %w", err)
	}
	return nil
}

func (t *pgTx) SaveUsers(ctx context.Context, users ...*model.User) error {
	for _, u := range users {
		_, err := t.tx.Exec(ctx,
			`UPDATE users
			 SET available_balance = $2, frozen_balance = $3, deals_completed = $4,
			     rating_sum = $5, rating_count = $6, is_first_deal = $7
			 WHERE id = $1`,
			u.ID, u.AvailableBalance.String(), u.FrozenBalance.String(), u.DealsCompleted,
			u.RatingSum, u.RatingCount, u.IsFirstDeal,
		)
		if err != nil {
			return fmt.Errorf("update user %d: %w", u.ID, err)
		}
	}
	return nil
}

func (t *pgTx) UpdateDeposit(ctx context.Context, d *model.Deposit) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE deposits SET status = $2, confirmed_at = $3 WHERE id = $1`,
		d.ID, string(d.Status), d.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("update deposit: %w", err)
	}
	return nil
}
