package publish

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"depthbook/orderbook"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes quotes to a topic keyed by symbol so each symbol stays
// ordered within its partition
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink returns a synchronous writer for topic
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, top *orderbook.TopOfBook, payload []byte) error {
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(top.Symbol),
		Value: payload,
		Time:  top.UpdatedAt,
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
