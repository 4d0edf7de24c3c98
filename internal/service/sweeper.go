package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/safedeal/internal/model"
	"github.com/mmeshcher/safedeal/internal/payment"
)

const sweepBatchSize = 100

// RunSweeper периодически отменяет просроченные предложения и сверяет
// ожидающие пополнения с провайдером. Возвращается при отмене ctx.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOffers(ctx)
			s.processDepositBatch(ctx)
		}
	}
}

func (s *Service) sweepOffers(ctx context.Context) {
	ids, err := s.repo.ListStaleOffers(ctx, s.now().Add(-s.offerTimeout), sweepBatchSize)
	if err != nil {
		s.logger.Warn("list stale offers failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.ExpireOffer(ctx, id); err != nil && !errors.Is(err, model.ErrInvalidStateTransition) {
			s.logger.Warn("expire offer failed", zap.Int64("dealID", id), zap.Error(err))
		}
	}
}

func (s *Service) processDepositBatch(ctx context.Context) {
	deposits, err := s.repo.ListPendingDeposits(ctx, sweepBatchSize)
	if err != nil {
		s.logger.Warn("list pending deposits failed", zap.Error(err))
		return
	}

	for _, d := range deposits {
		err := s.syncDeposit(ctx, d)
		if err == nil || errors.Is(err, model.ErrDepositExpired) {
			continue
		}

		var retryErr *payment.RetryAfterError
		if errors.As(err, &retryErr) {
			if retryErr.After > 0 {
				timer := time.NewTimer(retryErr.After)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		s.logger.Warn("sync deposit failed", zap.String("depositID", d.ID.String()), zap.Error(err))
	}
}
