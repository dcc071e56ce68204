package scheduler

import (
	"context"
	"time"

	"smallbiznis-autopost/pkg/config"
	"smallbiznis-autopost/pkg/db"
	"smallbiznis-autopost/services/content"
	"smallbiznis-autopost/services/publisher"
	"smallbiznis-autopost/services/reward"
	"smallbiznis-autopost/services/trigger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var Module = fx.Module("scheduler.worker",
	fx.Provide(
		NewLease,
		NewWaker,
		NewWorker,
		func(c *content.Service) Schedules { return c },
		func(r *reward.Service) RewardSweeper { return r },
	),
	fx.Invoke(StartWorker),
)

type LeaseParams struct {
	fx.In
	Redis  *redis.Client `optional:"true"`
	Config *config.Config
}

// NewLease returns nil when no Redis client is configured or the lease TTL is
// zero; the worker then assumes it is the only instance.
func NewLease(p LeaseParams) Lease {
	if p.Redis == nil || p.Config.Scheduler.LeaseTTL <= 0 {
		return nil
	}
	return NewRedisLease(p.Redis, p.Config.AppName, p.Config.Scheduler.LeaseTTL)
}

// NewWaker listens for due-schedule notifications on Postgres. Other
// databases, or an empty channel, poll only.
func NewWaker(lc fx.Lifecycle, cfg *config.Config) (Waker, error) {
	ch := cfg.Scheduler.ListenChannel
	if ch == "" || (cfg.Database.Type != "" && cfg.Database.Type != "postgres") {
		return nil, nil
	}

	w, err := NewPQWaker(db.DSN(cfg), ch)
	if err != nil {
		zap.L().Warn("schedule listener unavailable, polling only", zap.Error(err))
		return nil, nil
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return w.Close()
		},
	})
	return w, nil
}

type WorkerParams struct {
	fx.In
	Schedules Schedules
	Publisher publisher.Publisher
	Rewards   RewardSweeper `optional:"true"`
	Bus       trigger.Bus   `optional:"true"`
	Lease     Lease         `optional:"true"`
	Waker     Waker         `optional:"true"`
	Config    *config.Config
	Now       func() time.Time `name:"clock" optional:"true"`
}

func NewWorker(p WorkerParams) *Worker {
	cfg := p.Config.Scheduler
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}

	publishTimeout := p.Config.Publisher.Timeout
	if publishTimeout <= 0 {
		publishTimeout = 30 * time.Second
	}

	now := p.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Worker{
		schedules:      p.Schedules,
		publisher:      p.Publisher,
		rewards:        p.Rewards,
		bus:            p.Bus,
		lease:          p.Lease,
		waker:          p.Waker,
		cfg:            cfg,
		publishTimeout: publishTimeout,
		storeTimeout:   p.Config.StoreTimeout,
		backoff:        NewBackoff(cfg.MinBackoff, cfg.MaxBackoff),
		now:            now,
		limiters:       map[string]*rate.Limiter{},
	}
}

// StartWorker runs the loop for the app's lifetime. OnStop cancels the loop
// and waits for the in-flight tick, which finishes dispatched publishes
// within the shutdown grace.
func StartWorker(lc fx.Lifecycle, w *Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				w.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
