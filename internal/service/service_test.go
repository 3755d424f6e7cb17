package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/rewards-system/internal/model"
	"github.com/mmeshcher/rewards-system/internal/repository"
)

// memoryRepo реализует контракт Repository в памяти, повторяя семантику
// условных обновлений хранилища: все операции выполняются под одним
// мьютексом, как под блокировкой строки в БД.
type memoryRepo struct {
	mu           sync.Mutex
	users        map[string]bool
	transactions []model.PointsTransaction
	tiers        map[string]model.RewardTier
	redemptions  map[string]*model.Redemption
	byCode       map[string]string

	forceCollisions int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		users:       make(map[string]bool),
		tiers:       make(map[string]model.RewardTier),
		redemptions: make(map[string]*model.Redemption),
		byCode:      make(map[string]string),
	}
}

func (m *memoryRepo) Close() error { return nil }

func (m *memoryRepo) CreditPoints(ctx context.Context, tx model.PointsTransaction) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[tx.UserID] = true
	m.transactions = append(m.transactions, tx)
	return tx.ID, nil
}

func (m *memoryRepo) balanceLocked(userID string) int64 {
	var sum int64
	for _, tx := range m.transactions {
		if tx.UserID == userID {
			sum += tx.Amount
		}
	}
	return sum
}

func (m *memoryRepo) Balance(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(userID), nil
}

func (m *memoryRepo) TransactionsByUser(ctx context.Context, userID string) ([]model.PointsTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.PointsTransaction
	for _, tx := range m.transactions {
		if tx.UserID == userID {
			res = append(res, tx)
		}
	}
	return res, nil
}

func (m *memoryRepo) UpsertTier(ctx context.Context, tier model.RewardTier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[tier.ID] = tier
	return nil
}

func (m *memoryRepo) GetTier(ctx context.Context, tierID string) (*model.RewardTier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tier, ok := m.tiers[tierID]
	if !ok {
		return nil, repository.ErrTierNotFound
	}
	return &tier, nil
}

func (m *memoryRepo) ListTiers(ctx context.Context) ([]model.RewardTier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.RewardTier
	for _, tier := range m.tiers {
		res = append(res, tier)
	}
	return res, nil
}

func (m *memoryRepo) CreateRedemption(ctx context.Context, red *model.Redemption, debit model.PointsTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.users[red.UserID] = true

	if m.balanceLocked(red.UserID) < red.PointsRequired {
		return repository.ErrInsufficientPoints
	}

	if m.forceCollisions > 0 {
		m.forceCollisions--
		return repository.ErrCodeCollision
	}
	if _, exists := m.byCode[red.Code]; exists {
		return repository.ErrCodeCollision
	}

	m.transactions = append(m.transactions, debit)
	stored := *red
	m.redemptions[red.ID] = &stored
	m.byCode[red.Code] = red.ID
	return nil
}

func (m *memoryRepo) GetRedemptionByCode(ctx context.Context, code string) (*model.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byCode[code]
	if !ok {
		return nil, repository.ErrRedemptionNotFound
	}
	copied := *m.redemptions[id]
	return &copied, nil
}

func (m *memoryRepo) MarkConsumed(ctx context.Context, code, staffID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byCode[code]
	if !ok {
		return false, nil
	}

	red := m.redemptions[id]
	if red.IsUsed || red.IsExpired || !now.Before(red.ExpiresAt) {
		return false, nil
	}

	red.IsUsed = true
	red.UsedAt = &now
	red.ConsumedBy = &staffID
	return true, nil
}

func (m *memoryRepo) RefundRedemption(ctx context.Context, redemptionID, creditID string) (*model.RefundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	red, ok := m.redemptions[redemptionID]
	if !ok {
		return nil, repository.ErrRedemptionNotFound
	}

	if red.Refunded {
		return &model.RefundResult{
			AlreadyRefunded: true,
			NewBalance:      m.balanceLocked(red.UserID),
		}, nil
	}
	if red.IsUsed {
		return nil, repository.ErrRedemptionConsumed
	}

	red.Refunded = true
	red.IsExpired = true
	m.transactions = append(m.transactions, model.PointsTransaction{
		ID:       creditID,
		UserID:   red.UserID,
		Amount:   red.PointsRequired,
		Type:     model.TransactionRefunded,
		Metadata: map[string]string{"redemption_id": redemptionID},
	})

	return &model.RefundResult{
		PointsRefunded: red.PointsRequired,
		NewBalance:     m.balanceLocked(red.UserID),
	}, nil
}

func (m *memoryRepo) ActiveRedemptionsByUser(ctx context.Context, userID string) ([]model.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Redemption
	for _, red := range m.redemptions {
		if red.UserID == userID && !red.IsUsed && !red.IsExpired {
			res = append(res, *red)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].RedeemedAt.Equal(res[j].RedeemedAt) {
			return res[i].RedeemedAt.After(res[j].RedeemedAt)
		}
		return res[i].Code < res[j].Code
	})
	return res, nil
}

func (m *memoryRepo) ListExpiredUnrefunded(ctx context.Context, now time.Time, limit int) ([]model.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Redemption
	for _, red := range m.redemptions {
		if !now.Before(red.ExpiresAt) && !red.IsUsed && !red.Refunded {
			res = append(res, *red)
			if len(res) == limit {
				break
			}
		}
	}
	return res, nil
}

func (m *memoryRepo) spentCount(redemptionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, tx := range m.transactions {
		if tx.Type == model.TransactionSpent && tx.Metadata["redemption_id"] == redemptionID {
			count++
		}
	}
	return count
}

func (m *memoryRepo) refundCount(redemptionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, tx := range m.transactions {
		if tx.Type == model.TransactionRefunded && tx.Metadata["redemption_id"] == redemptionID {
			count++
		}
	}
	return count
}

var testTier = model.RewardTier{
	ID:                "tier-entree",
	TierName:          "Free Entree",
	PointsRequired:    2000,
	RequiresSelection: true,
	EligibleItems: []model.EligibleItem{
		{ItemID: "item-1", ItemName: "Burrito", CategoryID: "entrees"},
		{ItemID: "item-2", ItemName: "Bowl", CategoryID: "entrees"},
	},
}

func newTestService(t *testing.T) (*Service, *memoryRepo, *time.Time) {
	t.Helper()

	repo := newMemoryRepo()
	if err := repo.UpsertTier(context.Background(), testTier); err != nil {
		t.Fatalf("seed tier: %v", err)
	}

	svc := NewService(repo, nil, zap.NewNop(), 15*time.Minute)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	svc.now = func() time.Time { return *clock }

	return svc, repo, clock
}

func seedPoints(t *testing.T, svc *Service, userID string, amount int64) {
	t.Helper()

	_, err := svc.AdjustPoints(context.Background(), userID, amount, model.TransactionEarned, "test seed")
	if err != nil {
		t.Fatalf("seed points: %v", err)
	}
}

func TestIssue_DebitsAndCreatesRedemption(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	seedPoints(t, svc, "user-1", 2000)

	red, err := svc.Issue(ctx, "user-1", testTier.ID, []string{"item-1"})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	if len(red.Code) != 8 {
		t.Fatalf("code length = %d, want 8", len(red.Code))
	}
	if got := red.ExpiresAt.Sub(red.RedeemedAt); got != 15*time.Minute {
		t.Fatalf("expiry window = %v, want 15m", got)
	}
	if !red.ExpiresAt.Equal(clock.Add(15 * time.Minute)) {
		t.Fatalf("expiresAt = %v, want %v", red.ExpiresAt, clock.Add(15*time.Minute))
	}

	balance, err := svc.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("Balance error: %v", err)
	}
	if balance != 0 {
		t.Fatalf("balance after issue = %d, want 0", balance)
	}

	active, err := svc.ActiveRedemptions(ctx, "user-1")
	if err != nil {
		t.Fatalf("ActiveRedemptions error: %v", err)
	}
	if len(active) != 1 || active[0].Code != red.Code {
		t.Fatalf("active redemptions = %+v, want one with code %s", active, red.Code)
	}
}

func TestIssue_InsufficientPoints(t *testing.T) {
	svc, _, _ := newTestService(t)

	seedPoints(t, svc, "user-1", 1999)

	_, err := svc.Issue(context.Background(), "user-1", testTier.ID, []string{"item-1"})
	if !errors.Is(err, repository.ErrInsufficientPoints) {
		t.Fatalf("err = %v, want ErrInsufficientPoints", err)
	}

	balance, _ := svc.Balance(context.Background(), "user-1")
	if balance != 1999 {
		t.Fatalf("balance = %d, want 1999 (no partial debit)", balance)
	}
}

func TestIssue_TierNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Issue(context.Background(), "user-1", "missing-tier", nil)
	if !errors.Is(err, repository.ErrTierNotFound) {
		t.Fatalf("err = %v, want ErrTierNotFound", err)
	}
}

func TestIssue_InvalidSelection(t *testing.T) {
	svc, _, _ := newTestService(t)
	seedPoints(t, svc, "user-1", 5000)

	tests := []struct {
		name       string
		selections []string
	}{
		{name: "no selection for selection tier", selections: nil},
		{name: "item outside tier", selections: []string{"item-99"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Issue(context.Background(), "user-1", testTier.ID, tt.selections)
			if !errors.Is(err, ErrInvalidSelection) {
				t.Fatalf("err = %v, want ErrInvalidSelection", err)
			}
		})
	}
}

func TestIssue_RetriesOnCodeCollision(t *testing.T) {
	svc, repo, _ := newTestService(t)
	seedPoints(t, svc, "user-1", 2000)

	repo.mu.Lock()
	repo.forceCollisions = 2
	repo.mu.Unlock()

	red, err := svc.Issue(context.Background(), "user-1", testTier.ID, []string{"item-1"})
	if err != nil {
		t.Fatalf("Issue error after collisions: %v", err)
	}
	if red.Code == "" {
		t.Fatalf("expected redemption with code")
	}

	if count := repo.spentCount(red.ID); count != 1 {
		t.Fatalf("spent transactions = %d, want 1 (collisions must not debit)", count)
	}
}

func TestValidate_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	red, status, err := svc.Validate(context.Background(), "00000000")
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if status != model.StatusNotFound {
		t.Fatalf("status = %s, want not_found", status)
	}
	if red != nil {
		t.Fatalf("expected nil redemption for not_found")
	}
}

func TestValidate_IsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seedPoints(t, svc, "user-1", 2000)

	red, err := svc.Issue(ctx, "user-1", testTier.ID, []string{"item-1"})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, status, err := svc.Validate(ctx, red.Code)
		if err != nil {
			t.Fatalf("Validate #%d error: %v", i, err)
		}
		if status != model.StatusOK {
			t.Fatalf("Validate #%d status = %s, want ok", i, status)
		}
		if got.IsUsed {
			t.Fatalf("Validate must not mark redemption used")
		}
	}
}

func TestConsume_Lifecycle(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	seedPoints(t, svc, "user-1", 2000)

	red, err := svc.Issue(ctx, "user-1", testTier.ID, []string{"item-1"})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	_, status, err := svc.Validate(ctx, red.Code)
	if err != nil || status != model.StatusOK {
		t.Fatalf("Validate = (%s, %v), want ok", status, err)
	}

	got, status, err := svc.Consume(ctx, red.Code, "staff-7")
	if err != nil {
		t.Fatalf("Consume error: %v", err)
	}
	if status != model.StatusOK {
		t.Fatalf("Consume status = %s, want ok", status)
	}
	if !got.IsUsed || got.ConsumedBy == nil || *got.ConsumedBy != "staff-7" {
		t.Fatalf("consumed redemption = %+v, want used by staff-7", got)
	}

	// Баллы списаны при выдаче; погашение журнал не трогает
	balance, _ := svc.Balance(ctx, "user-1")
	if balance != 0 {
		t.Fatalf("balance after consume = %d, want 0", balance)
	}
	if count := repo.spentCount(red.ID); count != 1 {
		t.Fatalf("spent transactions = %d, want exactly 1", count)
	}

	_, status, err = svc.Consume(ctx, red.Code, "staff-8")
	if err != nil {
		t.Fatalf("second Consume error: %v", err)
	}
	if status != model.StatusAlreadyUsed {
		t.Fatalf("second Consume status = %s, want already_used", status)
	}
}

func TestValidate_ExpiredRefundsExactlyOnce(t *testing.T) {
	svc, repo, clock := newTestService(t)
	ctx := context.Background()
	seedPoints(t, svc, "user-1", 2000)

	red, err := svc.Issue(ctx, "user-1", testTier.ID, []string{"item-1"})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	*clock = clock.Add(16 * time.Minute)

	for i := 0; i < 4; i++ {
		_, status, err := svc.Validate(ctx, red.Code)
		if err != nil {
			t.Fatalf("Validate #%d error: %v", i, err)
		}
		if status != model.StatusExpired {
			t.Fatalf("Validate #%d status = %s, want expired", i, status)
		}
	}

	balance, _ := svc.Balance(ctx, "user-1")
	if balance != 2000 {
		t.Fatalf("balance after expiry = %d, want 2000", balance)
	}
	if count := repo.refundCount(red.ID); count != 1 {
		t.Fatalf("refund transactions = %d, want exactly 1", count)
	}
}

func TestConsume_ExpiredNeverOK(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	seedPoints(t, svc, "user-1", 2000)

	red, err := svc.Issue(ctx, "user-1", testTier.ID, []string{"item-1"})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	// Срок прошёл, но хранимый флаг isExpired ещё не выставлен
	*clock = clock.Add(15*time.Minute + time.Second)

	_, status, err := svc.Consume(ctx, red.Code, "staff-7")
	if err != nil {
		t.Fatalf("Consume error: %v", err)
	}
	if status != model.StatusExpired {
		t.Fatalf("Consume status = %s, want expired", status)
	}

	balance, _ := svc.Balance(ctx, "user-1")
	if balance != 2000 {
		t.Fatalf("balance = %d, want 2000 (refund on lazy expiration)", balance)
	}
}

func TestConsume_ConcurrentExactlyOneOK(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	seedPoints(t, svc, "user-1", 2000)

	red, err := svc.Issue(ctx, "user-1", testTier.ID, []string{"item-1"})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	const devices = 8

	var wg sync.WaitGroup
	statuses := make([]model.RedemptionStatus, devices)

	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, status, err := svc.Consume(ctx, red.Code, fmt.Sprintf("staff-%d", i))
			if err != nil {
				t.Errorf("Consume error: %v", err)
				return
			}
			statuses[i] = status
		}(i)
	}
	wg.Wait()

	okCount := 0
	for _, status := range statuses {
		switch status {
		case model.StatusOK:
			okCount++
		case model.StatusAlreadyUsed:
		default:
			t.Fatalf("unexpected status %s", status)
		}
	}
	if okCount != 1 {
		t.Fatalf("ok count = %d, want exactly 1", okCount)
	}

	if count := repo.spentCount(red.ID); count != 1 {
		t.Fatalf("spent transactions = %d, want exactly 1", count)
	}
}

func TestRefund_ConcurrentIdempotent(t *testing.T) {
	svc, repo, clock := newTestService(t)
	ctx := context.Background()
	seedPoints(t, svc, "user-1", 2000)

	red, err := svc.Issue(ctx, "user-1", testTier.ID, []string{"item-1"})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	*clock = clock.Add(16 * time.Minute)

	const callers = 8

	var wg sync.WaitGroup
	results := make([]*model.RefundResult, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Refund(ctx, red.Code)
			if err != nil {
				t.Errorf("Refund error: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	refunded := 0
	for _, res := range results {
		if res == nil {
			t.Fatalf("missing refund result")
		}
		if !res.AlreadyRefunded {
			refunded++
			if res.PointsRefunded != 2000 {
				t.Fatalf("pointsRefunded = %d, want 2000", res.PointsRefunded)
			}
		}
	}
	if refunded != 1 {
		t.Fatalf("refunded count = %d, want exactly 1", refunded)
	}

	balance, _ := svc.Balance(ctx, "user-1")
	if balance != 2000 {
		t.Fatalf("balance = %d, want 2000 (credited exactly once)", balance)
	}
	if count := repo.refundCount(red.ID); count != 1 {
		t.Fatalf("refund transactions = %d, want exactly 1", count)
	}
}

func TestRefund_ConsumedRedemptionNotRefunded(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	seedPoints(t, svc, "user-1", 2000)

	red, err := svc.Issue(ctx, "user-1", testTier.ID, []string{"item-1"})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	if _, status, _ := svc.Consume(ctx, red.Code, "staff-1"); status != model.StatusOK {
		t.Fatalf("Consume status = %s, want ok", status)
	}

	_, err = svc.Refund(ctx, red.Code)
	if !errors.Is(err, repository.ErrRedemptionConsumed) {
		t.Fatalf("err = %v, want ErrRedemptionConsumed", err)
	}

	balance, _ := svc.Balance(ctx, "user-1")
	if balance != 0 {
		t.Fatalf("balance = %d, want 0", balance)
	}
	if count := repo.refundCount(red.ID); count != 0 {
		t.Fatalf("refund transactions = %d, want 0", count)
	}
}

func TestBalanceInvariant_SumOfTransactions(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	seedPoints(t, svc, "user-1", 5000)

	first, err := svc.Issue(ctx, "user-1", testTier.ID, []string{"item-1"})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if _, status, _ := svc.Consume(ctx, first.Code, "staff-1"); status != model.StatusOK {
		t.Fatalf("Consume status = %s, want ok", status)
	}

	second, err := svc.Issue(ctx, "user-1", testTier.ID, []string{"item-2"})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	*clock = clock.Add(16 * time.Minute)
	if _, err := svc.Refund(ctx, second.Code); err != nil {
		t.Fatalf("Refund error: %v", err)
	}

	transactions, err := svc.TransactionsByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("TransactionsByUser error: %v", err)
	}

	var sum int64
	for _, tx := range transactions {
		sum += tx.Amount
	}

	balance, err := svc.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("Balance error: %v", err)
	}
	if balance != sum {
		t.Fatalf("balance %d != sum of transactions %d", balance, sum)
	}
	if balance != 3000 {
		t.Fatalf("balance = %d, want 3000 (5000 - 2000 consumed + 2000 refunded - 2000)", balance)
	}
}

func TestSweep_RefundsExpiredWithoutObservers(t *testing.T) {
	svc, repo, clock := newTestService(t)
	ctx := context.Background()
	seedPoints(t, svc, "user-1", 4000)

	first, err := svc.Issue(ctx, "user-1", testTier.ID, []string{"item-1"})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	second, err := svc.Issue(ctx, "user-1", testTier.ID, []string{"item-2"})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	*clock = clock.Add(16 * time.Minute)

	svc.sweepExpired(ctx)
	// Повторный обход ничего не возвращает второй раз
	svc.sweepExpired(ctx)

	balance, _ := svc.Balance(ctx, "user-1")
	if balance != 4000 {
		t.Fatalf("balance after sweep = %d, want 4000", balance)
	}
	for _, red := range []*model.Redemption{first, second} {
		if count := repo.refundCount(red.ID); count != 1 {
			t.Fatalf("refund transactions for %s = %d, want 1", red.ID, count)
		}
	}

	expired, err := repo.ListExpiredUnrefunded(ctx, *clock, sweepBatchSize)
	if err != nil {
		t.Fatalf("ListExpiredUnrefunded error: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expired backlog after sweep = %d, want 0", len(expired))
	}
}

func TestAdjustPoints_RejectsSpendingTypes(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.AdjustPoints(context.Background(), "user-1", -100, model.TransactionSpent, "manual spend")
	if err == nil {
		t.Fatalf("expected error for spent type adjustment")
	}

	_, err = svc.AdjustPoints(context.Background(), "user-1", 0, model.TransactionEarned, "zero")
	if err == nil {
		t.Fatalf("expected error for zero amount")
	}
}
