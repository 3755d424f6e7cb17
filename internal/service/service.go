// Package service реализует бизнес-логику сервиса вознаграждений.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/rewards-system/internal/model"
	"github.com/mmeshcher/rewards-system/internal/notify"
	"github.com/mmeshcher/rewards-system/internal/repository"
)

// ErrInvalidSelection возвращается, если выбранные позиции не входят в уровень вознаграждения.
var ErrInvalidSelection = errors.New("invalid selection for tier")

const codeSpace = 100000000 // 8-значные числовые коды

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreditPoints(ctx context.Context, tx model.PointsTransaction) (string, error)
	Balance(ctx context.Context, userID string) (int64, error)
	TransactionsByUser(ctx context.Context, userID string) ([]model.PointsTransaction, error)
	UpsertTier(ctx context.Context, tier model.RewardTier) error
	GetTier(ctx context.Context, tierID string) (*model.RewardTier, error)
	ListTiers(ctx context.Context) ([]model.RewardTier, error)
	CreateRedemption(ctx context.Context, red *model.Redemption, debit model.PointsTransaction) error
	GetRedemptionByCode(ctx context.Context, code string) (*model.Redemption, error)
	MarkConsumed(ctx context.Context, code, staffID string, now time.Time) (bool, error)
	RefundRedemption(ctx context.Context, redemptionID, creditID string) (*model.RefundResult, error)
	ActiveRedemptionsByUser(ctx context.Context, userID string) ([]model.Redemption, error)
	ListExpiredUnrefunded(ctx context.Context, now time.Time, limit int) ([]model.Redemption, error)
}

// Service содержит бизнес-логику сервиса вознаграждений.
type Service struct {
	repo          Repository
	notifyClient  *notify.Client
	logger        *zap.Logger
	redemptionTTL time.Duration
	now           func() time.Time

	tracker tracker
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом уведомлений.
func NewService(repo Repository, notifyClient *notify.Client, logger *zap.Logger, redemptionTTL time.Duration) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:          repo,
		notifyClient:  notifyClient,
		logger:        logger,
		redemptionTTL: redemptionTTL,
		now:           time.Now,
	}
	s.tracker.init()
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Issue списывает стоимость уровня с баланса пользователя и создаёт обмен
// с уникальным кодом и сроком действия. Списание и создание обмена —
// одна атомарная операция; при коллизии кода генерация повторяется.
func (s *Service) Issue(ctx context.Context, userID, tierID string, selections []string) (*model.Redemption, error) {
	tier, err := s.repo.GetTier(ctx, tierID)
	if err != nil {
		return nil, err
	}

	if err := validateSelections(tier, selections); err != nil {
		return nil, err
	}

	if selections == nil {
		selections = []string{}
	}

	var red *model.Redemption
	backoff := retry.WithMaxRetries(5, retry.NewConstant(10*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		code, err := generateCode()
		if err != nil {
			return err
		}

		now := s.now()
		candidate := &model.Redemption{
			ID:             uuid.NewString(),
			UserID:         userID,
			RewardTierID:   tier.ID,
			Code:           code,
			Selections:     selections,
			PointsRequired: tier.PointsRequired,
			RedeemedAt:     now,
			ExpiresAt:      now.Add(s.redemptionTTL),
		}
		debit := model.PointsTransaction{
			ID:          uuid.NewString(),
			UserID:      userID,
			Amount:      -tier.PointsRequired,
			Type:        model.TransactionSpent,
			Description: fmt.Sprintf("redeemed %s", tier.TierName),
			Metadata:    map[string]string{"redemption_id": candidate.ID},
		}

		if err := s.repo.CreateRedemption(ctx, candidate, debit); err != nil {
			if errors.Is(err, repository.ErrCodeCollision) {
				return retry.RetryableError(err)
			}
			return err
		}

		red = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishEvent(ctx, notify.EventRedemptionCreated, red)
	s.tracker.changed(userID)

	return red, nil
}

func validateSelections(tier *model.RewardTier, selections []string) error {
	if tier.RequiresSelection && len(selections) == 0 {
		return fmt.Errorf("%w: selection required", ErrInvalidSelection)
	}

	for _, sel := range selections {
		found := false
		for _, item := range tier.EligibleItems {
			if item.ItemID == sel {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: item %s", ErrInvalidSelection, sel)
		}
	}

	return nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}

// Validate проверяет код погашения, не изменяя состояние обмена: повторное
// сканирование того же кода безопасно. Если срок действия уже прошёл, а
// возврат ещё не выполнен, возврат запускается здесь же (ленивое устаревание).
func (s *Service) Validate(ctx context.Context, code string) (*model.Redemption, model.RedemptionStatus, error) {
	red, err := s.repo.GetRedemptionByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrRedemptionNotFound) {
			return nil, model.StatusNotFound, nil
		}
		return nil, "", err
	}

	if red.IsUsed {
		return red, model.StatusAlreadyUsed, nil
	}

	if red.ExpiredByTime(s.now()) {
		s.refundLazily(ctx, red)
		return red, model.StatusExpired, nil
	}

	return red, model.StatusOK, nil
}

// Consume погашает код условным обновлением: isUsed выставляется, только
// если обмен ещё не использован и не просрочен. При гонке двух устройств
// обновление выполнит ровно одно; проигравший получит already_used.
// Баллы здесь не списываются — списание произошло при выдаче обмена.
func (s *Service) Consume(ctx context.Context, code, staffID string) (*model.Redemption, model.RedemptionStatus, error) {
	now := s.now()

	consumed, err := s.repo.MarkConsumed(ctx, code, staffID, now)
	if err != nil {
		return nil, "", err
	}

	red, err := s.repo.GetRedemptionByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrRedemptionNotFound) {
			return nil, model.StatusNotFound, nil
		}
		return nil, "", err
	}

	if consumed {
		s.publishEvent(ctx, notify.EventRedemptionConsumed, red)
		s.tracker.changed(red.UserID)
		return red, model.StatusOK, nil
	}

	if red.IsUsed {
		return red, model.StatusAlreadyUsed, nil
	}

	// Условное обновление не прошло, запись не использована — значит,
	// срок действия истёк.
	s.refundLazily(ctx, red)
	return red, model.StatusExpired, nil
}

// Refund выполняет возврат баллов за просроченный обмен по его коду.
// Операция идемпотентна: повторные вызовы возвращают alreadyRefunded
// и не создают записей в журнале. Погашенный обмен возврату не подлежит
// и даёт ErrRedemptionConsumed.
func (s *Service) Refund(ctx context.Context, code string) (*model.RefundResult, error) {
	red, err := s.repo.GetRedemptionByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.refund(ctx, red)
}

func (s *Service) refund(ctx context.Context, red *model.Redemption) (*model.RefundResult, error) {
	res, err := s.repo.RefundRedemption(ctx, red.ID, uuid.NewString())
	if err != nil {
		return nil, err
	}

	if !res.AlreadyRefunded {
		s.publishEvent(ctx, notify.EventRedemptionRefunded, red)
		s.tracker.changed(red.UserID)
	}

	return res, nil
}

func (s *Service) refundLazily(ctx context.Context, red *model.Redemption) {
	if red.Refunded {
		return
	}
	if _, err := s.refund(ctx, red); err != nil {
		// Гонка с погашением: обмен успели использовать между чтением и
		// возвратом, возвращать нечего
		if errors.Is(err, repository.ErrRedemptionConsumed) {
			return
		}
		s.logger.Error("lazy refund failed",
			zap.Error(err),
			zap.String("redemptionID", red.ID),
		)
	}
}

// Balance возвращает текущий баланс пользователя.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	return s.repo.Balance(ctx, userID)
}

// TransactionsByUser возвращает историю транзакций пользователя.
func (s *Service) TransactionsByUser(ctx context.Context, userID string) ([]model.PointsTransaction, error) {
	return s.repo.TransactionsByUser(ctx, userID)
}

// ListTiers возвращает каталог уровней вознаграждений.
func (s *Service) ListTiers(ctx context.Context) ([]model.RewardTier, error) {
	return s.repo.ListTiers(ctx)
}

// UpsertTier создаёт или обновляет уровень каталога.
func (s *Service) UpsertTier(ctx context.Context, tier model.RewardTier) error {
	if tier.ID == "" || tier.TierName == "" || tier.PointsRequired <= 0 {
		return errors.New("tier id, name and positive cost are required")
	}
	return s.repo.UpsertTier(ctx, tier)
}

// AdjustPoints добавляет запись о начислении или корректировке баллов
// в журнал пользователя. Допустимы только начисляющие типы операций:
// списания проходят исключительно через выдачу обменов.
func (s *Service) AdjustPoints(ctx context.Context, userID string, amount int64, txType model.TransactionType, description string) (string, error) {
	if amount == 0 {
		return "", errors.New("adjustment amount must be non-zero")
	}

	switch txType {
	case model.TransactionEarned, model.TransactionAdjusted, model.TransactionReferral:
	default:
		return "", fmt.Errorf("transaction type %q is not allowed for adjustments", txType)
	}

	return s.repo.CreditPoints(ctx, model.PointsTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		Type:        txType,
		Description: description,
	})
}

func (s *Service) publishEvent(ctx context.Context, eventType string, red *model.Redemption) {
	if s.notifyClient == nil {
		return
	}

	err := s.notifyClient.Publish(ctx, notify.Event{
		Type:       eventType,
		UserID:     red.UserID,
		Code:       red.Code,
		Points:     red.PointsRequired,
		OccurredAt: s.now(),
	})
	if err != nil {
		s.logger.Warn("publish event failed",
			zap.Error(err),
			zap.String("event", eventType),
			zap.String("redemptionID", red.ID),
		)
	}
}
