// Package model содержит доменные сущности сервиса вознаграждений.
package model

import "time"

// TransactionType описывает тип операции в журнале баллов.
type TransactionType string

const (
	TransactionEarned   TransactionType = "earned"
	TransactionSpent    TransactionType = "spent"
	TransactionAdjusted TransactionType = "adjusted"
	TransactionRefunded TransactionType = "refunded"
	TransactionReferral TransactionType = "referral"
)

// PointsTransaction представляет неизменяемую запись журнала баллов.
// Баланс пользователя всегда равен сумме его транзакций.
type PointsTransaction struct {
	ID          string
	UserID      string
	Amount      int64
	Type        TransactionType
	Description string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// EligibleItem описывает позицию меню, доступную в рамках уровня вознаграждения.
type EligibleItem struct {
	ItemID     string `json:"item_id"`
	ItemName   string `json:"item_name"`
	CategoryID string `json:"category_id"`
}

// RewardTier описывает уровень каталога вознаграждений: стоимость в баллах
// и список доступных позиций.
type RewardTier struct {
	ID                string
	TierName          string
	PointsRequired    int64
	RequiresSelection bool
	EligibleItems     []EligibleItem
}

// Redemption представляет обмен баллов на вознаграждение, идентифицируемый
// коротким кодом. Состояние меняется только условными обновлениями, после
// достижения терминального состояния запись неизменяема.
type Redemption struct {
	ID             string
	UserID         string
	RewardTierID   string
	Code           string
	Selections     []string
	PointsRequired int64
	RedeemedAt     time.Time
	ExpiresAt      time.Time
	IsUsed         bool
	IsExpired      bool
	Refunded       bool
	UsedAt         *time.Time
	ConsumedBy     *string
}

// ExpiredByTime сообщает, истёк ли срок действия обмена к моменту now.
// Флаг IsExpired в хранилище может отставать от реальности, поэтому
// решение всегда принимается по ExpiresAt.
func (r *Redemption) ExpiredByTime(now time.Time) bool {
	return r.IsExpired || !now.Before(r.ExpiresAt)
}

// RedemptionStatus описывает исход проверки или погашения кода.
type RedemptionStatus string

const (
	StatusOK          RedemptionStatus = "ok"
	StatusExpired     RedemptionStatus = "expired"
	StatusAlreadyUsed RedemptionStatus = "already_used"
	StatusNotFound    RedemptionStatus = "not_found"
)

// RefundResult описывает результат возврата баллов за просроченный обмен.
type RefundResult struct {
	PointsRefunded  int64
	NewBalance      int64
	AlreadyRefunded bool
}
