// Package notify предоставляет клиент для внешнего сервиса доставки уведомлений.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Типы событий жизненного цикла обмена.
const (
	EventRedemptionCreated  = "redemption.created"
	EventRedemptionConsumed = "redemption.consumed"
	EventRedemptionRefunded = "redemption.refunded"
)

// Event описывает событие жизненного цикла обмена, отправляемое во внешний
// сервис уведомлений. Доставка push-сообщений конечным устройствам — зона
// ответственности получателя.
type Event struct {
	Type       string    `json:"event"`
	UserID     string    `json:"user_id"`
	Code       string    `json:"redemption_code"`
	Points     int64     `json:"points"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Client инкапсулирует HTTP-взаимодействие с сервисом уведомлений.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент для отправки событий по указанному адресу.
// Временные сетевые ошибки и ответы 5xx повторяются автоматически.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

// Publish отправляет событие сервису уведомлений.
func (c *Client) Publish(ctx context.Context, event Event) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("notify client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	url := base + "/api/events"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
