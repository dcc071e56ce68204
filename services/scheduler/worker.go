package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"smallbiznis-autopost/pkg/config"
	"smallbiznis-autopost/pkg/db"
	"smallbiznis-autopost/pkg/errutil"
	"smallbiznis-autopost/pkg/taskname"
	"smallbiznis-autopost/services/content"
	"smallbiznis-autopost/services/publisher"
	"smallbiznis-autopost/services/trigger"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("smallbiznis-autopost/scheduler")

var (
	ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_ticks_total",
		Help: "Scheduler ticks started.",
	})
	tickFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_tick_failures_total",
		Help: "Scheduler ticks that failed at loop level.",
	})
	backoffSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_backoff_seconds",
		Help: "Current loop back-off delay, zero when healthy.",
	})
	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_tick_duration_seconds",
		Help:    "Wall time of one scheduler tick.",
		Buckets: prometheus.DefBuckets,
	})
	publishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_publish_total",
		Help: "Schedule dispatch outcomes.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(ticks, tickFailures, backoffSeconds, tickDuration, publishes)
}

type Schedules interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]content.Schedule, error)
	MarkPosted(ctx context.Context, id, externalID, permalink string) error
	MarkFailed(ctx context.Context, id, message string) error
	MarkRetry(ctx context.Context, id string, next time.Time, message string) error
}

type RewardSweeper interface {
	ApplyPending(ctx context.Context, limit int) (int, error)
}

// Worker publishes due schedules. Ticks never overlap; schedules within a tick
// are dispatched concurrently up to Concurrency.
type Worker struct {
	schedules      Schedules
	publisher      publisher.Publisher
	rewards        RewardSweeper
	bus            trigger.Bus
	lease          Lease
	waker          Waker
	cfg            config.Scheduler
	publishTimeout time.Duration
	storeTimeout   time.Duration
	backoff        *Backoff
	now            func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Run ticks until ctx is cancelled. A failed tick delays the next one by the
// back-off; a successful one waits the poll interval or a wake-up.
func (w *Worker) Run(ctx context.Context) {
	zap.L().Info("scheduler started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("concurrency", w.cfg.Concurrency),
	)

	var wake <-chan struct{}
	if w.waker != nil {
		wake = w.waker.C()
	}

	for {
		delay := w.cfg.PollInterval
		if err := w.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			tickFailures.Inc()
			delay = w.backoff.Failure()
			zap.L().Error("scheduler tick failed",
				zap.Int("consecutive_failures", w.backoff.Failures()),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
		} else {
			w.backoff.Success()
		}
		backoffSeconds.Set(w.backoff.Current().Seconds())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			zap.L().Info("scheduler stopped")
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
	zap.L().Info("scheduler stopped")
}

// Tick runs one poll: dispatch every due schedule, then sweep unapplied
// metrics. Only store failures of the tick itself are returned; schedule
// failures are recorded on the schedule.
func (w *Worker) Tick(ctx context.Context) (err error) {
	ticks.Inc()
	start := time.Now()
	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer func() {
		tickDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if w.lease != nil {
		ok, err := w.lease.Acquire(ctx)
		if err != nil {
			return errutil.Transient("failed to acquire tick lease", err)
		}
		if !ok {
			zap.L().Debug("tick lease held elsewhere, skipping")
			return nil
		}
		defer func() {
			if err := w.lease.Release(context.WithoutCancel(ctx)); err != nil {
				zap.L().Warn("failed to release tick lease", zap.Error(err))
			}
		}()
	}

	listCtx, cancel := db.WithTimeout(ctx, w.storeTimeout)
	due, err := w.schedules.ListDue(listCtx, w.now(), w.cfg.BatchSize)
	cancel()
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("schedules.due", len(due)))

	// In-flight dispatches outlive ctx by at most the shutdown grace.
	base, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(w.cfg.ShutdownGrace, cancelBase)
	})
	defer stop()

	g := new(errgroup.Group)
	g.SetLimit(max(w.cfg.Concurrency, 1))
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		s := due[i]
		g.Go(func() error {
			w.dispatch(base, &s)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if w.rewards != nil && w.cfg.MetricsSweep > 0 {
		n, err := w.rewards.ApplyPending(ctx, w.cfg.MetricsSweep)
		if err != nil {
			return err
		}
		if n > 0 {
			zap.L().Info("applied pending metrics", zap.Int("count", n))
		}
	}
	return nil
}

func (w *Worker) dispatch(ctx context.Context, s *content.Schedule) {
	ctx, span := tracer.Start(ctx, "scheduler.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("schedule.id", s.ID),
		attribute.String("org.id", s.OrgID),
		attribute.String("arm.key", s.ArmKey),
	)

	log := zap.L().With(
		zap.String("org_id", s.OrgID),
		zap.String("schedule_id", s.ID),
		zap.String("arm_key", s.ArmKey),
		zap.Int("attempt", s.Attempts+1),
	)

	if s.ContentItem == nil || s.Channel == nil {
		w.fail(ctx, s, errutil.Terminal("schedule references missing content or channel", nil), log)
		return
	}
	if !s.Channel.IsActive {
		w.fail(ctx, s, errutil.UnprocessableEntity("channel is inactive", nil,
			errutil.WithDetails(errutil.Detail{Field: "channel_id", Message: s.ChannelID})), log)
		return
	}

	if err := w.limiter(s.ChannelID).Wait(ctx); err != nil {
		log.Warn("dispatch abandoned while throttled", zap.Error(err))
		return
	}

	callCtx, cancel := db.WithTimeout(ctx, w.publishTimeout)
	res, err := w.publisher.Publish(callCtx, publisher.Request{
		IdempotencyKey: publisher.IdempotencyKey(s.ID),
		OrgID:          s.OrgID,
		Content:        s.ContentItem,
		Channel:        s.Channel,
	})
	cancel()

	if err != nil {
		span.RecordError(err)
		w.handleFailure(ctx, s, err, log)
		return
	}

	storeCtx, cancel := db.WithTimeout(ctx, w.storeTimeout)
	defer cancel()
	if err := w.schedules.MarkPosted(storeCtx, s.ID, res.ExternalID, res.Permalink); err != nil {
		// The post exists; the idempotency key keeps the next attempt from
		// duplicating it.
		publishes.WithLabelValues("record_failed").Inc()
		log.Error("published but failed to record", zap.String("external_id", res.ExternalID), zap.Error(err))
		return
	}
	publishes.WithLabelValues("posted").Inc()
	log.Info("schedule posted", zap.String("external_id", res.ExternalID))

	w.emit(ctx, s, taskname.ContentPosted, map[string]any{
		"external_id": res.ExternalID,
		"permalink":   res.Permalink,
	})
}

// handleFailure retries transient errors with back-off until MaxAttempts and
// fails the schedule otherwise. Errors of unknown kind count as transient.
func (w *Worker) handleFailure(ctx context.Context, s *content.Schedule, err error, log *zap.Logger) {
	kind := errutil.KindOf(err)
	retryable := kind == errutil.KindTransient || kind == errutil.KindUnknown
	attempts := s.Attempts + 1

	if !retryable || (w.cfg.MaxAttempts > 0 && attempts >= w.cfg.MaxAttempts) {
		w.fail(ctx, s, err, log)
		return
	}

	next := w.now().Add(RetryDelay(w.cfg.MinBackoff, w.cfg.MaxBackoff, attempts))
	storeCtx, cancel := db.WithTimeout(ctx, w.storeTimeout)
	defer cancel()
	if mErr := w.schedules.MarkRetry(storeCtx, s.ID, next, err.Error()); mErr != nil {
		log.Error("failed to record retry", zap.NamedError("cause", err), zap.Error(mErr))
		return
	}
	publishes.WithLabelValues("retry").Inc()
	log.Warn("publish failed, will retry", zap.Time("next_attempt_at", next), zap.Error(err))
}

func (w *Worker) fail(ctx context.Context, s *content.Schedule, cause error, log *zap.Logger) {
	storeCtx, cancel := db.WithTimeout(ctx, w.storeTimeout)
	defer cancel()
	if err := w.schedules.MarkFailed(storeCtx, s.ID, cause.Error()); err != nil {
		if errutil.IsConflict(err) {
			log.Warn("schedule already finished", zap.Error(err))
			return
		}
		log.Error("failed to record failure", zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	publishes.WithLabelValues("failed").Inc()

	if errutil.IsInvariant(cause) {
		log.Error("schedule failed on invariant violation", zap.Error(cause))
	} else {
		log.Warn("schedule failed", zap.Error(cause))
	}

	w.emit(ctx, s, taskname.ContentFailed, map[string]any{
		"error": cause.Error(),
	})
}

func (w *Worker) emit(ctx context.Context, s *content.Schedule, name string, extra map[string]any) {
	if w.bus == nil {
		return
	}
	payload := map[string]any{
		"schedule_id":     s.ID,
		"content_item_id": s.ContentItemID,
		"channel_id":      s.ChannelID,
		"arm_key":         s.ArmKey,
		"attempts":        s.Attempts + 1,
	}
	if s.Channel != nil {
		payload["platform"] = s.Channel.Platform
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := w.bus.Publish(ctx, trigger.NewEvent(s.OrgID, name, payload)); err != nil {
		log := zap.L().With(zap.String("schedule_id", s.ID), zap.String("event", name))
		if errors.Is(err, context.Canceled) {
			log.Warn("event delivery cancelled", zap.Error(err))
			return
		}
		log.Error("event delivery failed", zap.Error(err))
	}
}

// limiter returns the token bucket for a channel. A zero rate disables
// throttling.
func (w *Worker) limiter(channelID string) *rate.Limiter {
	if w.cfg.PublishRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(w.cfg.PublishRate), max(w.cfg.PublishBurst, 1))
		w.limiters[channelID] = l
	}
	return l
}
