// Package notifier отправляет события движка внешним подписчикам.
package notifier

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

// EventType описывает тип события движка.
type EventType string

const (
	EventVoucherExhausted  EventType = "voucher.exhausted"
	EventRulesRecalculated EventType = "rules.recalculated"
)

// Event описывает событие, отправляемое подписчику.
type Event struct {
	Type        EventType `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	VoucherCode string    `json:"voucher_code,omitempty"`
	RuleIDs     []int64   `json:"rule_ids,omitempty"`
}

// Notifier описывает способность доставлять события. Конкретная реализация
// выбирается при старте сервиса конфигурацией, без динамической диспетчеризации.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// HTTPNotifier доставляет события POST-запросом на настроенный адрес.
// Временные сбои сети повторяются клиентом retryablehttp.
type HTTPNotifier struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewHTTPNotifier создаёт нотификатор для указанного адреса подписчика.
func NewHTTPNotifier(baseURL string) *HTTPNotifier {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = nil

	return &HTTPNotifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Notify отправляет событие подписчику.
func (n *HTTPNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.baseURL == "" {
		return fmt.Errorf("notifier not configured")
	}

	base := n.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+"/api/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}

// Nop — нотификатор-заглушка, используемая когда адрес подписчика не задан.
type Nop struct{}

// Notify ничего не делает.
func (Nop) Notify(ctx context.Context, event Event) error {
	return nil
}
