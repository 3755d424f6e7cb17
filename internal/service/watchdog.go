package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/rewards-system/internal/repository"
)

const sweepBatchSize = 100

// StartExpirationSweep запускает фоновую проверку просроченных обменов.
// Каждый обмен гарантированно достигает терминального состояния, даже если
// ни один клиент его не наблюдает: ленивое устаревание на путях чтения
// покрывает активных пользователей, периодический обход — всех остальных.
func (s *Service) StartExpirationSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepExpired(ctx)
			}
		}
	}()
}

func (s *Service) sweepExpired(ctx context.Context) {
	expired, err := s.repo.ListExpiredUnrefunded(ctx, s.now(), sweepBatchSize)
	if err != nil {
		s.logger.Error("list expired redemptions failed", zap.Error(err))
		return
	}

	for i := range expired {
		res, err := s.refund(ctx, &expired[i])
		if err != nil {
			if errors.Is(err, repository.ErrRedemptionConsumed) {
				continue
			}
			s.logger.Error("sweep refund failed",
				zap.Error(err),
				zap.String("redemptionID", expired[i].ID),
			)
			continue
		}

		// Гонка с ленивым устареванием или ручным возвратом: баллы уже
		// вернул другой вызов, повторной записи в журнале не будет.
		if res.AlreadyRefunded {
			continue
		}

		s.logger.Info("expired redemption refunded",
			zap.String("redemptionID", expired[i].ID),
			zap.String("userID", expired[i].UserID),
			zap.Int64("points", res.PointsRefunded),
		)
	}
}
