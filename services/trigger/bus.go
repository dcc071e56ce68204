package trigger

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "trigger_events_published_total",
	Help: "Trigger events published, by event name.",
}, []string{"name"})

func init() {
	prometheus.MustRegister(eventsPublished)
}

// dispatcher fans an event out to subscribed handlers in registration order.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: map[string][]Handler{}}
}

// add reports whether this is the first handler for name.
func (d *dispatcher) add(name string, h Handler) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	first := len(d.handlers[name]) == 0
	d.handlers[name] = append(d.handlers[name], h)
	return first
}

func (d *dispatcher) dispatch(ctx context.Context, ev Event) error {
	d.mu.RLock()
	hs := append([]Handler(nil), d.handlers[ev.Name]...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := h(ctx, ev); err != nil {
			zap.L().Error("trigger handler failed",
				zap.String("event_id", ev.ID),
				zap.String("trigger", ev.Name),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// recorder persists the audit trail and mirrors events to sinks. Both are
// best effort: a failure is logged and never blocks delivery.
type recorder struct {
	db    *gorm.DB
	sinks []Sink
}

func (r recorder) record(ctx context.Context, ev Event) {
	eventsPublished.WithLabelValues(ev.Name).Inc()

	if r.db != nil {
		row, err := toLog(ev)
		if err == nil {
			err = r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
		}
		if err != nil {
			zap.L().Warn("failed to record trigger event", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}

	for _, s := range r.sinks {
		if err := s.Mirror(ctx, ev); err != nil {
			zap.L().Warn("failed to mirror trigger event", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}
}

// LocalBus delivers events in-process and synchronously.
type LocalBus struct {
	recorder
	d *dispatcher
}

func NewLocalBus(db *gorm.DB, sinks ...Sink) *LocalBus {
	return &LocalBus{recorder: recorder{db: db, sinks: sinks}, d: newDispatcher()}
}

func (b *LocalBus) Subscribe(name string, h Handler) {
	b.d.add(name, h)
}

func (b *LocalBus) Publish(ctx context.Context, ev Event) error {
	b.record(ctx, ev)
	return b.d.dispatch(ctx, ev)
}
