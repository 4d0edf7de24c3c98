package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SignatureHeader содержит HMAC-SHA256 тела уведомления в hex.
const SignatureHeader = "X-Signature"

// ErrInvalidSignature возвращается, если подпись уведомления не совпала.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Notification описывает уведомление провайдера об изменении счёта.
type Notification struct {
	InvoiceID string          `json:"invoice_id"`
	OrderID   string          `json:"order_id"`
	Status    InvoiceStatus   `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
}

// DepositID возвращает идентификатор пополнения, переданный провайдеру как order_id.
func (n Notification) DepositID() (uuid.UUID, error) {
	id, err := uuid.Parse(n.OrderID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse order id: %w", err)
	}
	return id, nil
}

// Sign вычисляет подпись тела уведомления.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseNotification проверяет подпись и разбирает тело уведомления.
func ParseNotification(secret, body []byte, signature string) (*Notification, error) {
	got, err := hex.DecodeString(signature)
	if err != nil || len(secret) == 0 {
		return nil, ErrInvalidSignature
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	if !hmac.Equal(got, want) {
		return nil, ErrInvalidSignature
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	return &n, nil
}
