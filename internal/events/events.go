// Package events は同期状況の変化を外部へ通知する。
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/hitoshi/brandsync/internal/model"
)

// StatusPublisher は同期状況の変化を通知するインターフェース。
type StatusPublisher interface {
	PublishStatus(ctx context.Context, status *model.SyncStatus) error
	Close() error
}

// StatusEvent は通知するメッセージの本文。
type StatusEvent struct {
	Type   string            `json:"type"`
	Status *model.SyncStatus `json:"status"`
}

const statusEventType = "sync_status.updated"

// messageWriter はkafka.Writerのうち使用するメソッドのみを抽象化する。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher はKafkaへ同期状況を通知する。
// メッセージキーはブランドIDのため、同じブランドの通知は同じパーティションに順序通り届く。
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewKafkaPublisher はKafkaPublisherを生成する。brokersはカンマ区切り。
func NewKafkaPublisher(brokers, topic string, logger *slog.Logger) *KafkaPublisher {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w, logger: logger}
}

// PublishStatus は同期状況を1件送信する。
func (p *KafkaPublisher) PublishStatus(ctx context.Context, status *model.SyncStatus) error {
	value, err := json.Marshal(StatusEvent{Type: statusEventType, Status: status})
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(status.BrandID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "platform", Value: []byte(status.Platform)},
		},
		Time: status.ComputedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write status event: %w", err)
	}
	p.logger.Debug("同期状況を通知しました",
		slog.String("brand_id", status.BrandID),
		slog.String("platform", string(status.Platform)),
		slog.String("phase", string(status.Phase)),
	)
	return nil
}

// Close は送信待ちのメッセージを書き出して接続を閉じる。
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher は通知を行わないStatusPublisher。通知先が設定されていない場合に使う。
type NopPublisher struct{}

// PublishStatus は何もしない。
func (NopPublisher) PublishStatus(context.Context, *model.SyncStatus) error { return nil }

// Close は何もしない。
func (NopPublisher) Close() error { return nil }
