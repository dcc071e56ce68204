package kafka

import (
	"context"
	"fmt"

	"smallbiznis-autopost/pkg/config"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("kafka", fx.Provide(New))

// Producer writes keyed messages to a single topic and waits for the broker ack.
type Producer struct {
	producer *kafka.Producer
	topic    string
}

type Params struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
}

// New returns nil when KAFKA.ADDR is empty; callers treat a nil producer as disabled.
func New(p Params) (*Producer, error) {
	cfg := p.Config.Kafka
	if cfg.Addrs == "" {
		zap.L().Info("kafka producer disabled")
		return nil, nil
	}

	kp, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Addrs,
		"client.id":          p.Config.AppName,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	prod := &Producer{producer: kp, topic: cfg.Topic}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			remaining := kp.Flush(5000)
			if remaining > 0 {
				zap.L().Warn("kafka flush left undelivered messages", zap.Int("remaining", remaining))
			}
			kp.Close()
			return nil
		},
	})

	return prod, nil
}

// Publish sends value under key and blocks until delivery is reported or ctx ends.
func (p *Producer) Publish(ctx context.Context, key string, value []byte) error {
	delivery := make(chan kafka.Event, 1)

	err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          value,
	}, delivery)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("kafka: unexpected delivery event %T", e)
		}
		return m.TopicPartition.Error
	}
}
