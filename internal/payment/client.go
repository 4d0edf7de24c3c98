// Package payment предоставляет клиент внешнего платёжного провайдера,
// через которого пользователи пополняют баланс.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/safedeal/internal/model"
)

var (
	// ErrNotConfigured возвращается, если адрес провайдера не задан.
	ErrNotConfigured = errors.New("payment client not configured")
	// ErrUnavailable возвращается при сетевых ошибках и ответах 5xx.
	ErrUnavailable = errors.New("payment provider unavailable")
	// ErrInvoiceNotFound возвращается, если провайдер не знает счёт.
	ErrInvoiceNotFound = errors.New("invoice not found")
)

// InvoiceStatus описывает состояние счёта у провайдера.
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "PENDING"
	InvoiceStatusPaid    InvoiceStatus = "PAID"
	InvoiceStatusExpired InvoiceStatus = "EXPIRED"
)

// Invoice описывает счёт, выставленный провайдером.
type Invoice struct {
	ID         string          `json:"invoice_id"`
	OrderID    string          `json:"order_id"`
	Status     InvoiceStatus   `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	PaymentURL string          `json:"payment_url"`
}

type createInvoiceRequest struct {
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Method    string          `json:"method"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// RetryAfterError возвращается при ответе 429.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.After)
}

// Client инкапсулирует HTTP-взаимодействие с платёжным провайдером.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент для обращения к провайдеру по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) base() (string, error) {
	if c == nil || c.baseURL == "" {
		return "", ErrNotConfigured
	}
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base, nil
}

// CreateInvoice выставляет счёт на пополнение. Идентификатор пополнения
// передаётся как order_id, поэтому повторный вызов не создаёт второй счёт.
func (c *Client) CreateInvoice(ctx context.Context, d *model.Deposit) (*Invoice, error) {
	base, err := c.base()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(createInvoiceRequest{
		OrderID:   d.ID.String(),
		Amount:    d.Amount,
		Currency:  "USDT",
		Method:    string(d.Method),
		ExpiresAt: d.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/invoices", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var inv Invoice
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &inv, nil
}

// GetInvoice запрашивает текущее состояние счёта по идентификатору пополнения.
func (c *Client) GetInvoice(ctx context.Context, depositID uuid.UUID) (*Invoice, error) {
	base, err := c.base()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/invoices/%s", base, depositID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrInvoiceNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var inv Invoice
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &inv, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return &RetryAfterError{After: retryAfter}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
