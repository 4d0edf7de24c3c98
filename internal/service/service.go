// Package service реализует бизнес-логику сервиса безопасных сделок.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/safedeal/internal/fee"
	"github.com/mmeshcher/safedeal/internal/model"
	"github.com/mmeshcher/safedeal/internal/notify"
	"github.com/mmeshcher/safedeal/internal/payment"
	"github.com/mmeshcher/safedeal/internal/referral"
	"github.com/mmeshcher/safedeal/internal/repository"
	"github.com/mmeshcher/safedeal/internal/validation"
)

// PaymentProvider описывает внешнего платёжного провайдера.
type PaymentProvider interface {
	CreateInvoice(ctx context.Context, d *model.Deposit) (*payment.Invoice, error)
	GetInvoice(ctx context.Context, depositID uuid.UUID) (*payment.Invoice, error)
}

// Options содержит настраиваемые параметры сервиса.
type Options struct {
	FeeRate         decimal.Decimal
	DepositTimeout  time.Duration
	OfferTimeout    time.Duration
	ReferralBaseURL string
}

// Service содержит бизнес-логику сервиса безопасных сделок.
type Service struct {
	repo      repository.Store
	fees      *fee.Resolver
	payments  PaymentProvider
	publisher notify.Publisher
	logger    *zap.Logger
	now       func() time.Time

	depositTimeout  time.Duration
	offerTimeout    time.Duration
	referralBaseURL string
}

// NewService создаёт сервис поверх хранилища. payments и publisher могут быть nil.
func NewService(repo repository.Store, payments PaymentProvider, publisher notify.Publisher, logger *zap.Logger, opts Options) (*Service, error) {
	fees, err := fee.NewResolver(opts.FeeRate)
	if err != nil {
		return nil, err
	}
	if publisher == nil {
		publisher = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DepositTimeout <= 0 {
		opts.DepositTimeout = 30 * time.Minute
	}
	if opts.OfferTimeout <= 0 {
		opts.OfferTimeout = 24 * time.Hour
	}

	return &Service{
		repo:            repo,
		fees:            fees,
		payments:        payments,
		publisher:       publisher,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
		depositTimeout:  opts.DepositTimeout,
		offerTimeout:    opts.OfferTimeout,
		referralBaseURL: opts.ReferralBaseURL,
	}, nil
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя. referralCode может быть пустым.
func (s *Service) RegisterUser(ctx context.Context, username, password, referralCode string) (*model.User, error) {
	if err := validation.Username(username); err != nil {
		return nil, err
	}
	if err := validation.Password(password); err != nil {
		return nil, err
	}

	u := &model.User{Username: username, CreatedAt: s.now()}

	if referralCode != "" {
		referrerID, err := referral.ParseCode(referralCode)
		if err != nil {
			return nil, err
		}
		u.ReferrerID = &referrerID
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = hashed

	id, err := s.repo.CreateUser(ctx, u)
	if err != nil {
		if u.ReferrerID != nil && errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: referrer %d does not exist", model.ErrValidation, *u.ReferrerID)
		}
		return nil, err
	}

	s.logger.Info("user registered", zap.Int64("userID", id), zap.Bool("referred", u.ReferrerID != nil))
	return s.repo.GetUser(ctx, id)
}

// AuthenticateUser проверяет имя и пароль пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, username, password string) (*model.User, error) {
	u, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, model.ErrInvalidCredentials
	}
	return u, nil
}

// GetUser возвращает профиль пользователя. Профиль доступен только владельцу.
func (s *Service) GetUser(ctx context.Context, actor, userID int64) (*model.User, error) {
	if actor != userID {
		return nil, fmt.Errorf("%w: user %d cannot view user %d", model.ErrForbidden, actor, userID)
	}
	return s.repo.GetUser(ctx, userID)
}

// ListDeals возвращает сделки пользователя, новые первыми.
func (s *Service) ListDeals(ctx context.Context, actor, userID int64) ([]model.Deal, error) {
	if actor != userID {
		return nil, fmt.Errorf("%w: user %d cannot list deals of user %d", model.ErrForbidden, actor, userID)
	}
	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.ListDealsByUser(ctx, userID)
}

// ReferralStats возвращает статистику приглашений пользователя.
func (s *Service) ReferralStats(ctx context.Context, actor, userID int64) (model.ReferralStats, error) {
	if actor != userID {
		return model.ReferralStats{}, fmt.Errorf("%w: user %d cannot view referrals of user %d", model.ErrForbidden, actor, userID)
	}
	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		return model.ReferralStats{}, err
	}

	referees, err := s.repo.ListReferees(ctx, userID)
	if err != nil {
		return model.ReferralStats{}, err
	}
	return referral.Aggregate(referees, referral.Link(s.referralBaseURL, userID)), nil
}

// ReferralLink возвращает реферальную ссылку пользователя.
func (s *Service) ReferralLink(ctx context.Context, actor, userID int64) (string, error) {
	if actor != userID {
		return "", fmt.Errorf("%w: user %d cannot view referral link of user %d", model.ErrForbidden, actor, userID)
	}
	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		return "", err
	}
	return referral.Link(s.referralBaseURL, userID), nil
}

// logFailure пишет в журнал нарушения инвариантов: это ошибки в коде, а не в запросе.
func (s *Service) logFailure(op string, err error, fields ...zap.Field) {
	if errors.Is(err, model.ErrInvariantViolation) {
		s.logger.Error("invariant violation", append(fields, zap.String("op", op), zap.Error(err))...)
	}
}
