// Package events publishes committed ledger changes to downstream
// consumers. Publishing happens after commit and never fails an operation.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	TypeTradeExecuted  = "trade.executed"
	TypeBattleCreated  = "battle.created"
	TypeBattleCanceled = "battle.canceled"
	TypeBattleSettled  = "battle.settled"
	TypeAccountsMerged = "accounts.merged"
	TypeUserRegistered = "user.registered"
)

type Event struct {
	Type    string    `json:"type"`
	UserID  string    `json:"user_id"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Kafka writes events keyed by user id so one user's events stay ordered
// within a partition.
type Kafka struct {
	writer *kafka.Writer
	log    *zap.Logger
}

func NewKafka(brokers []string, topic string, log *zap.Logger) *Kafka {
	if log == nil {
		log = zap.NewNop()
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireOne,
			Async:                  true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					log.Warn("event delivery failed", zap.Int("messages", len(messages)), zap.Error(err))
				}
			},
		},
		log: log,
	}
}

func (k *Kafka) Publish(ctx context.Context, evt Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(evt.UserID), Value: value, Time: evt.At})
}

func (k *Kafka) Close() error { return k.writer.Close() }

// Emit publishes evt and logs instead of returning a failure.
func Emit(ctx context.Context, p Publisher, log *zap.Logger, evt Event) {
	if p == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	if err := p.Publish(ctx, evt); err != nil && log != nil {
		log.Warn("event publish failed", zap.String("type", evt.Type), zap.String("user_id", evt.UserID), zap.Error(err))
	}
}
