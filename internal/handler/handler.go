// Package handler содержит HTTP-обработчики API сервиса вознаграждений.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/rewards-system/internal/middleware"
	"github.com/mmeshcher/rewards-system/internal/model"
	"github.com/mmeshcher/rewards-system/internal/repository"
	"github.com/mmeshcher/rewards-system/internal/service"
	"github.com/mmeshcher/rewards-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Issue(ctx context.Context, userID, tierID string, selections []string) (*model.Redemption, error)
	Validate(ctx context.Context, code string) (*model.Redemption, model.RedemptionStatus, error)
	Consume(ctx context.Context, code, staffID string) (*model.Redemption, model.RedemptionStatus, error)
	Refund(ctx context.Context, code string) (*model.RefundResult, error)
	Balance(ctx context.Context, userID string) (int64, error)
	TransactionsByUser(ctx context.Context, userID string) ([]model.PointsTransaction, error)
	ListTiers(ctx context.Context) ([]model.RewardTier, error)
	UpsertTier(ctx context.Context, tier model.RewardTier) error
	AdjustPoints(ctx context.Context, userID string, amount int64, txType model.TransactionType, description string) (string, error)
	ActiveRedemptions(ctx context.Context, userID string) ([]model.Redemption, error)
	Subscribe(ctx context.Context, userID string) (<-chan []model.Redemption, func(), error)
}

// Handler реализует HTTP-обработчики API сервиса вознаграждений.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type codeRequest struct {
	Code string `json:"redemptionCode"`
}

type rewardResponse struct {
	Code       string   `json:"code"`
	TierID     string   `json:"tier_id"`
	Points     int64    `json:"points"`
	Selections []string `json:"selections,omitempty"`
	RedeemedAt string   `json:"redeemed_at"`
	ExpiresAt  string   `json:"expires_at"`
	UsedAt     *string  `json:"used_at,omitempty"`
	ConsumedBy *string  `json:"consumed_by,omitempty"`
}

func toRewardResponse(red *model.Redemption) *rewardResponse {
	resp := &rewardResponse{
		Code:       red.Code,
		TierID:     red.RewardTierID,
		Points:     red.PointsRequired,
		Selections: red.Selections,
		RedeemedAt: red.RedeemedAt.Format(time.RFC3339),
		ExpiresAt:  red.ExpiresAt.Format(time.RFC3339),
		ConsumedBy: red.ConsumedBy,
	}
	if red.UsedAt != nil {
		v := red.UsedAt.Format(time.RFC3339)
		resp.UsedAt = &v
	}
	return resp
}

type statusResponse struct {
	Status string          `json:"status"`
	Reward *rewardResponse `json:"reward,omitempty"`
}

// ValidateCode проверяет код погашения от сотрудника. Проверка не меняет
// состояние обмена, поэтому повторное сканирование безопасно.
func (h *Handler) ValidateCode(w http.ResponseWriter, r *http.Request) {
	code, ok := h.decodeCode(w, r)
	if !ok {
		return
	}

	red, status, err := h.service.Validate(r.Context(), code)
	if err != nil {
		h.logger.Error("validate code error", zap.Error(err), zap.String("code", code))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeStatus(w, status, red)
}

// ConsumeCode погашает код от сотрудника. При одновременном погашении с
// двух устройств ok получит ровно одно из них.
func (h *Handler) ConsumeCode(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	code, ok := h.decodeCode(w, r)
	if !ok {
		return
	}

	red, status, err := h.service.Consume(r.Context(), code, identity.Subject)
	if err != nil {
		h.logger.Error("consume code error", zap.Error(err), zap.String("code", code))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeStatus(w, status, red)
}

type refundResponse struct {
	PointsRefunded   int64 `json:"pointsRefunded"`
	NewPointsBalance int64 `json:"newPointsBalance"`
	AlreadyRefunded  bool  `json:"alreadyRefunded"`
}

// RefundExpired выполняет возврат баллов за просроченный обмен. Операция
// идемпотентна: повторный вызов возвращает alreadyRefunded. Возврат за
// погашенный обмен отклоняется со статусом 409.
func (h *Handler) RefundExpired(w http.ResponseWriter, r *http.Request) {
	code, ok := h.decodeCode(w, r)
	if !ok {
		return
	}

	res, err := h.service.Refund(r.Context(), code)
	if err != nil {
		if errors.Is(err, repository.ErrRedemptionNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		if errors.Is(err, repository.ErrRedemptionConsumed) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("refund error", zap.Error(err), zap.String("code", code))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, refundResponse{
		PointsRefunded:   res.PointsRefunded,
		NewPointsBalance: res.NewBalance,
		AlreadyRefunded:  res.AlreadyRefunded,
	})
}

type issueRequest struct {
	TierID     string   `json:"tier_id"`
	Selections []string `json:"selections"`
}

// IssueRedemption выдаёт текущему пользователю обмен выбранного уровня.
func (h *Handler) IssueRedemption(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.TierID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	red, err := h.service.Issue(r.Context(), identity.Subject, req.TierID, req.Selections)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTierNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrInvalidSelection):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrInsufficientPoints):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		default:
			h.logger.Error("issue redemption error", zap.Error(err), zap.String("userID", identity.Subject))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toRewardResponse(red)); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

// GetActiveRedemptions возвращает активные обмены текущего пользователя,
// новые первыми.
func (h *Handler) GetActiveRedemptions(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	snapshot, err := h.service.ActiveRedemptions(r.Context(), identity.Subject)
	if err != nil {
		h.logger.Error("get active redemptions error", zap.Error(err), zap.String("userID", identity.Subject))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]*rewardResponse, 0, len(snapshot))
	for i := range snapshot {
		resp = append(resp, toRewardResponse(&snapshot[i]))
	}

	h.writeJSON(w, resp)
}

// StreamActiveRedemptions отдаёт снимки активных обменов пользователя как
// server-sent events. На подписку отправляется текущий снимок, далее —
// снимок при каждом изменении множества. Подписка снимается при разрыве
// соединения; повторная подписка того же пользователя закрывает предыдущую.
func (h *Handler) StreamActiveRedemptions(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := h.service.Subscribe(r.Context(), identity.Subject)
	if err != nil {
		h.logger.Error("subscribe error", zap.Error(err), zap.String("userID", identity.Subject))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot, open := <-ch:
			if !open {
				return
			}

			resp := make([]*rewardResponse, 0, len(snapshot))
			for i := range snapshot {
				resp = append(resp, toRewardResponse(&snapshot[i]))
			}

			data, err := json.Marshal(resp)
			if err != nil {
				h.logger.Error("marshal snapshot error", zap.Error(err))
				return
			}

			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.Balance(r.Context(), identity.Subject)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.String("userID", identity.Subject))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, balanceResponse{Balance: balance})
}

type transactionResponse struct {
	ID          string            `json:"id"`
	Amount      int64             `json:"amount"`
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
}

// GetTransactions возвращает историю транзакций текущего пользователя.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	transactions, err := h.service.TransactionsByUser(r.Context(), identity.Subject)
	if err != nil {
		h.logger.Error("get transactions error", zap.Error(err), zap.String("userID", identity.Subject))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(transactions))
	for _, tx := range transactions {
		resp = append(resp, transactionResponse{
			ID:          tx.ID,
			Amount:      tx.Amount,
			Type:        string(tx.Type),
			Description: tx.Description,
			Metadata:    tx.Metadata,
			CreatedAt:   tx.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, resp)
}

type tierResponse struct {
	ID                string               `json:"id"`
	TierName          string               `json:"tier_name"`
	PointsRequired    int64                `json:"points_required"`
	RequiresSelection bool                 `json:"requires_selection"`
	EligibleItems     []model.EligibleItem `json:"eligible_items"`
}

// GetTiers возвращает каталог уровней вознаграждений.
func (h *Handler) GetTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.service.ListTiers(r.Context())
	if err != nil {
		h.logger.Error("get tiers error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]tierResponse, 0, len(tiers))
	for _, tier := range tiers {
		resp = append(resp, tierResponse{
			ID:                tier.ID,
			TierName:          tier.TierName,
			PointsRequired:    tier.PointsRequired,
			RequiresSelection: tier.RequiresSelection,
			EligibleItems:     tier.EligibleItems,
		})
	}

	h.writeJSON(w, resp)
}

type tierRequest struct {
	ID                string               `json:"id"`
	TierName          string               `json:"tier_name"`
	PointsRequired    int64                `json:"points_required"`
	RequiresSelection bool                 `json:"requires_selection"`
	EligibleItems     []model.EligibleItem `json:"eligible_items"`
}

// UpsertTier создаёт или обновляет уровень каталога. Доступно только администраторам.
func (h *Handler) UpsertTier(w http.ResponseWriter, r *http.Request) {
	var req tierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.UpsertTier(r.Context(), model.RewardTier{
		ID:                req.ID,
		TierName:          req.TierName,
		PointsRequired:    req.PointsRequired,
		RequiresSelection: req.RequiresSelection,
		EligibleItems:     req.EligibleItems,
	})
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type adjustRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// AdjustPoints добавляет ручную корректировку баллов. Доступно только администраторам.
func (h *Handler) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	txType := model.TransactionType(req.Type)
	if req.Type == "" {
		txType = model.TransactionAdjusted
	}

	txID, err := h.service.AdjustPoints(r.Context(), req.UserID, req.Amount, txType, req.Description)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	h.writeJSON(w, map[string]string{"transaction_id": txID})
}

type tokenRequest struct {
	Subject string `json:"subject"`
	Scope   string `json:"scope"`
}

// IssueToken выпускает bearer-токен для указанного субъекта. Сервис получает
// личность как непрозрачный токен; этот обработчик — минимальная поверхность
// выпуска для разработки и тестов.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Subject == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	switch req.Scope {
	case middleware.ScopeCustomer, middleware.ScopeStaff, middleware.ScopeAdmin:
	default:
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	token := h.authMiddleware.IssueToken(req.Subject, req.Scope)
	h.writeJSON(w, map[string]string{"token": token})
}

func (h *Handler) decodeCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req codeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return "", false
	}

	if !validation.IsValidRedemptionCode(req.Code) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return "", false
	}

	return req.Code, true
}

func (h *Handler) writeStatus(w http.ResponseWriter, status model.RedemptionStatus, red *model.Redemption) {
	resp := statusResponse{Status: string(status)}
	if status == model.StatusOK {
		resp.Reward = toRewardResponse(red)
	}
	h.writeJSON(w, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
