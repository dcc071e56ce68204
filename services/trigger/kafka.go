package trigger

import (
	"context"
	"encoding/json"

	"smallbiznis-autopost/pkg/kafka"
)

type kafkaSink struct {
	producer *kafka.Producer
}

// NewKafkaSink mirrors events to the configured topic keyed by org id, so one
// organization's events stay ordered within a partition.
func NewKafkaSink(p *kafka.Producer) Sink {
	return &kafkaSink{producer: p}
}

func (s *kafkaSink) Mirror(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.producer.Publish(ctx, ev.OrgID, b)
}
