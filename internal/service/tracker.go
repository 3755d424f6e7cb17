package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mmeshcher/rewards-system/internal/model"

	"go.uber.org/zap"
)

// tracker хранит подписки на проекцию активных обменов. Для каждого
// пользователя существует не более одной подписки: повторная подписка
// закрывает предыдущую.
type tracker struct {
	mu   sync.Mutex
	subs map[string]*subscription
	kick chan string
}

type subscription struct {
	ch   chan []model.Redemption
	last string
}

func (t *tracker) init() {
	t.subs = make(map[string]*subscription)
	t.kick = make(chan string, 64)
}

// changed помечает проекцию пользователя как устаревшую, чтобы цикл
// слежения обновил её раньше очередного тика. Потеря сигнала не критична:
// следующий тик всё равно выравняет проекцию.
func (t *tracker) changed(userID string) {
	select {
	case t.kick <- userID:
	default:
	}
}

// ActiveRedemptions возвращает текущий снимок активных обменов пользователя
// без оформления подписки.
func (s *Service) ActiveRedemptions(ctx context.Context, userID string) ([]model.Redemption, error) {
	return s.activeSnapshot(ctx, userID)
}

// Subscribe подписывает пользователя на проекцию его активных обменов.
// Первый снимок отправляется сразу; далее снимки приходят при каждом
// изменении множества. Возвращённая функция отменяет подписку.
func (s *Service) Subscribe(ctx context.Context, userID string) (<-chan []model.Redemption, func(), error) {
	snapshot, err := s.activeSnapshot(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	sub := &subscription{
		ch:   make(chan []model.Redemption, 4),
		last: fingerprint(snapshot),
	}
	sub.ch <- snapshot

	s.tracker.mu.Lock()
	if old, ok := s.tracker.subs[userID]; ok {
		close(old.ch)
	}
	s.tracker.subs[userID] = sub
	s.tracker.mu.Unlock()

	cancel := func() {
		s.tracker.mu.Lock()
		defer s.tracker.mu.Unlock()
		if cur, ok := s.tracker.subs[userID]; ok && cur == sub {
			delete(s.tracker.subs, userID)
			close(sub.ch)
		}
	}

	return sub.ch, cancel, nil
}

// StartTracking запускает цикл слежения за активными обменами подписанных
// пользователей. Проекция клиента сходится к состоянию сервера не позже
// чем за один интервал слежения.
func (s *Service) StartTracking(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case userID := <-s.tracker.kick:
				s.refreshUser(ctx, userID)
			case <-ticker.C:
				s.refreshAll(ctx)
			}
		}
	}()
}

func (s *Service) refreshAll(ctx context.Context) {
	s.tracker.mu.Lock()
	users := make([]string, 0, len(s.tracker.subs))
	for userID := range s.tracker.subs {
		users = append(users, userID)
	}
	s.tracker.mu.Unlock()

	for _, userID := range users {
		s.refreshUser(ctx, userID)
	}
}

func (s *Service) refreshUser(ctx context.Context, userID string) {
	snapshot, err := s.activeSnapshot(ctx, userID)
	if err != nil {
		s.logger.Error("refresh active redemptions failed",
			zap.Error(err),
			zap.String("userID", userID),
		)
		return
	}

	fp := fingerprint(snapshot)

	s.tracker.mu.Lock()
	defer s.tracker.mu.Unlock()

	sub, ok := s.tracker.subs[userID]
	if !ok || sub.last == fp {
		return
	}

	// Фингерпринт фиксируется только после успешной отправки: если буфер
	// подписчика полон, снимок пропускается, и следующий тик повторит отправку.
	select {
	case sub.ch <- snapshot:
		sub.last = fp
	default:
	}
}

// activeSnapshot возвращает активные обмены пользователя, новые первыми.
// Записи с прошедшим сроком действия в снимок не попадают: хранимый флаг
// isExpired может отставать, поэтому здесь же запускается возврат.
func (s *Service) activeSnapshot(ctx context.Context, userID string) ([]model.Redemption, error) {
	rows, err := s.repo.ActiveRedemptionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	snapshot := make([]model.Redemption, 0, len(rows))
	for i := range rows {
		if rows[i].ExpiredByTime(now) {
			s.refundLazily(ctx, &rows[i])
			continue
		}
		snapshot = append(snapshot, rows[i])
	}

	return snapshot, nil
}

// fingerprint строит ключ снимка по кодам обменов. Активная запись после
// создания не меняется, поэтому для сравнения снимков достаточно состава
// множества.
func fingerprint(snapshot []model.Redemption) string {
	codes := make([]string, len(snapshot))
	for i, red := range snapshot {
		codes[i] = red.Code
	}
	return strings.Join(codes, ",")
}
