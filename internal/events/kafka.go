package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ParseBrokers разбирает список брокеров через запятую, пропуская пустые элементы.
func ParseBrokers(csv string) []string {
	var brokers []string
	for _, b := range strings.Split(csv, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// KafkaPublisher пишет события в топик Kafka асинхронно.
// Ошибки доставки только логируются.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher создаёт издателя для топика topic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logger.Warn("Failed to deliver events",
						zap.Int("count", len(messages)),
						zap.String("topic", topic),
						zap.Error(err))
				}
			},
		},
	}
}

// Publish ставит событие в очередь отправки. Ключом сообщения служит идентификатор сущности,
// поэтому события одной сущности попадают в одну партицию по порядку.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := Message(e)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s: %w", e.Type, err)
	}
	return nil
}

// Close дожидается отправки буфера и закрывает соединения.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Message кодирует событие в сообщение Kafka.
func Message(e Event) (kafka.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(e.EntityID),
		Value: data,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}, nil
}
