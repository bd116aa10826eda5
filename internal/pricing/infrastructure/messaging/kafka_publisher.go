package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

// RunEventPublisher 运行完成事件的 Kafka 发布器。
// 事件以运行键为消息键，同一逻辑窗口的重跑落在同一分区、保持有序。
type RunEventPublisher struct {
	writer *kafka.Writer
	topic  string
}

// NewRunEventPublisher 创建并返回一个新的 RunEventPublisher 实例。
func NewRunEventPublisher(brokers []string, topic string) *RunEventPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           100 * time.Millisecond,
	}
	return &RunEventPublisher{writer: writer, topic: topic}
}

// PublishRunCompleted 发布运行完成事件
func (p *RunEventPublisher) PublishRunCompleted(ctx context.Context, event domain.RunCompletedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal run completed event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.RunKey),
		Value: data,
		Time:  event.CompletedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write run completed event: %w", err)
	}
	return nil
}

// Close 关闭底层 writer
func (p *RunEventPublisher) Close() error {
	return p.writer.Close()
}
