package trigger

import (
	asynqx "smallbiznis-autopost/pkg/asynq"
	"smallbiznis-autopost/pkg/config"
	"smallbiznis-autopost/pkg/kafka"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("trigger.module",
	fx.Provide(NewBus),
)

type BusParams struct {
	fx.In
	Config   *config.Config
	DB       *gorm.DB
	Client   *asynq.Client   `optional:"true"`
	Mux      *asynq.ServeMux `optional:"true"`
	Producer *kafka.Producer `optional:"true"`
}

func NewBus(p BusParams) Bus {
	var sinks []Sink
	if p.Producer != nil {
		sinks = append(sinks, NewKafkaSink(p.Producer))
	}

	if p.Config.TriggerBus.Transport == asynqx.TransportAsynq && p.Client != nil && p.Mux != nil {
		zap.L().Info("trigger bus using asynq", zap.String("queue", p.Config.TriggerBus.Queue))
		return NewAsynqBus(p.Client, p.Mux, p.Config.TriggerBus.Queue, p.DB, sinks...)
	}

	zap.L().Info("trigger bus using local dispatch")
	return NewLocalBus(p.DB, sinks...)
}
