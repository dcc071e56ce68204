package redis

import (
	"context"
	"fmt"
	"time"

	"smallbiznis-autopost/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

const (
	pingAttempts = 5
	pingInterval = 3 * time.Second
)

// New builds the shared client used by the asynq bus and the scheduler
// lease. The connection is verified on start; when the lease is enabled an
// unreachable redis aborts startup, otherwise it only warns.
func New(lc fx.Lifecycle, c *config.Config) *redis.Client {
	log := zap.L().With(
		zap.String("addr", c.Redis.Addr),
		zap.Int("db", c.Redis.DB),
		zap.Int("pool_size", c.Redis.PoolSize),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		PoolTimeout: c.Redis.PoolTimeout,
	})

	registerPoolStats(rdb)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			err := ping(ctx, rdb, log)
			if err == nil {
				log.Info("redis connected")
				return nil
			}
			if c.Scheduler.LeaseTTL > 0 {
				return fmt.Errorf("redis unreachable with scheduler lease enabled: %w", err)
			}
			log.Warn("redis unreachable, continuing", zap.Error(err))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})

	return rdb
}

func ping(ctx context.Context, rdb *redis.Client, log *zap.Logger) error {
	var err error
	for i := 1; i <= pingAttempts; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return nil
		}
		if i == pingAttempts {
			break
		}

		log.Warn("redis not ready", zap.Int("attempt", i), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pingInterval):
		}
	}
	return err
}

func registerPoolStats(rdb *redis.Client) {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "redis_pool_total_conns",
			Help: "Connections held by the redis pool.",
		}, func() float64 { return float64(rdb.PoolStats().TotalConns) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "redis_pool_idle_conns",
			Help: "Idle connections in the redis pool.",
		}, func() float64 { return float64(rdb.PoolStats().IdleConns) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "redis_pool_timeouts_total",
			Help: "Times a caller waited past the pool timeout.",
		}, func() float64 { return float64(rdb.PoolStats().Timeouts) }),
	}

	for _, g := range gauges {
		if err := prometheus.Register(g); err != nil {
			zap.L().Debug("redis pool collector not registered", zap.Error(err))
		}
	}
}
