package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	asynqx "smallbiznis-autopost/pkg/asynq"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AsynqBus enqueues events as asynq tasks; the asynq server delivers them to
// subscribers on whichever worker instance picks the task up.
type AsynqBus struct {
	recorder
	client *asynq.Client
	mux    *asynq.ServeMux
	queue  string
	d      *dispatcher
}

func NewAsynqBus(client *asynq.Client, mux *asynq.ServeMux, queue string, db *gorm.DB, sinks ...Sink) *AsynqBus {
	if queue == "" {
		queue = asynqx.QueueTriggers
	}
	return &AsynqBus{
		recorder: recorder{db: db, sinks: sinks},
		client:   client,
		mux:      mux,
		queue:    queue,
		d:        newDispatcher(),
	}
}

func (b *AsynqBus) Subscribe(name string, h Handler) {
	if first := b.d.add(name, h); first {
		b.mux.HandleFunc(asynqx.TriggerTaskType(name), b.ProcessTask)
	}
}

func (b *AsynqBus) Publish(ctx context.Context, ev Event) error {
	b.record(ctx, ev)

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	// The event id doubles as the task id so a retried publish is not enqueued twice.
	task := asynq.NewTask(asynqx.TriggerTaskType(ev.Name), payload)
	info, err := b.client.EnqueueContext(ctx, task, asynq.Queue(b.queue), asynq.TaskID(ev.ID), asynq.MaxRetry(3))
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", ev.Name, err)
	}

	zap.L().Debug("trigger enqueued", zap.String("event_id", ev.ID), zap.String("task_id", info.ID))
	return nil
}

func (b *AsynqBus) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var ev Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if name, ok := asynqx.TriggerName(t.Type()); ok && ev.Name == "" {
		ev.Name = name
	}
	return b.d.dispatch(ctx, ev)
}
