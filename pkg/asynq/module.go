package asynq

import (
	"context"

	"smallbiznis-autopost/pkg/config"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("asynq:client",
	fx.Provide(registerClient),
)

func registerClient(lc fx.Lifecycle, redis *redis.Client) *asynq.Client {
	client := asynq.NewClientFromRedisClient(redis)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

var Server = fx.Module("asynq:server",
	fx.Provide(registerServerMux),
	fx.Invoke(registerAsynqServer),
)

func registerServerMux() *asynq.ServeMux {
	return asynq.NewServeMux()
}

// ServerConfig builds the asynq server config. The trigger queue gets the
// highest weight so rule cascades are not starved by background work.
func ServerConfig(cfg *config.Config) asynq.Config {
	queue := cfg.TriggerBus.Queue
	if queue == "" {
		queue = QueueTriggers
	}

	return asynq.Config{
		Concurrency:    10,
		RetryDelayFunc: asynq.DefaultRetryDelayFunc,
		Queues: map[string]int{
			queue:        6,
			QueueDefault: 3,
			QueueLow:     1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			zap.L().Error("asynq task failed", zap.String("task_type", task.Type()), zap.Error(err))
		}),
	}
}

func registerAsynqServer(lc fx.Lifecycle, cfg *config.Config, rdb *redis.Client, mux *asynq.ServeMux) {
	if cfg.TriggerBus.Transport != TransportAsynq {
		zap.L().Info("asynq server disabled", zap.String("transport", cfg.TriggerBus.Transport))
		return
	}

	server := asynq.NewServerFromRedisClient(rdb, ServerConfig(cfg))

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return server.Start(mux)
		},
		OnStop: func(ctx context.Context) error {
			server.Shutdown()
			return nil
		},
	})
}
