// Package notify публикует события сделок для внешних подписчиков (бота, клиентов).
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/safedeal/internal/model"
)

// DefaultChannel задаёт канал Redis, в который публикуются события сделок.
const DefaultChannel = "safedeal:deals"

// TypeCreated обозначает создание сделки. Остальные типы совпадают с model.DealEvent.
const TypeCreated = "create"

// Event описывает изменение сделки после фиксации транзакции.
type Event struct {
	DealID   int64            `json:"deal_id"`
	Type     string           `json:"type"`
	Status   model.DealStatus `json:"status"`
	BuyerID  int64            `json:"buyer_id"`
	SellerID int64            `json:"seller_id"`
	Amount   decimal.Decimal  `json:"amount"`
	At       time.Time        `json:"at"`
}

// NewEvent собирает событие по сделке.
func NewEvent(d *model.Deal, typ string, at time.Time) Event {
	return Event{
		DealID:   d.ID,
		Type:     typ,
		Status:   d.Status,
		BuyerID:  d.BuyerID,
		SellerID: d.SellerID,
		Amount:   d.Amount,
		At:       at,
	}
}

// Publisher описывает получателя событий сделок.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// RedisPublisher публикует события в канал Redis Pub/Sub.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher создаёт публикатор поверх клиента Redis.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// NewRedisClient подключается к Redis по адресу addr и проверяет соединение.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Publish сериализует событие в JSON и отправляет его в канал.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, string(data)).Err(); err != nil {
		return fmt.Errorf("publish deal %d event: %w", e.DealID, err)
	}
	return nil
}

// Nop отбрасывает события. Используется, когда Redis не настроен.
type Nop struct{}

// Publish ничего не делает.
func (Nop) Publish(context.Context, Event) error { return nil }
