package rule

import (
	"context"
	"time"

	"smallbiznis-autopost/pkg/config"
	"smallbiznis-autopost/services/completion"
	"smallbiznis-autopost/services/content"
	"smallbiznis-autopost/services/optimizer"
	"smallbiznis-autopost/services/publisher"
	"smallbiznis-autopost/services/trigger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("rule.service",
	fx.Provide(
		NewRepository,
		NewEngine,
		NewService,
		func(g *completion.Guard) Generator { return g },
		func(c *content.Service) Contents { return c },
		func(o *optimizer.Service) ArmSelector { return o },
	),
	fx.Invoke(registerEngine),
)

type EngineParams struct {
	fx.In

	DB         *gorm.DB
	Repository Repository
	Config     *config.Config
	Bus        trigger.Bus         `optional:"true"`
	Node       *snowflake.Node     `optional:"true"`
	Generator  Generator           `optional:"true"`
	Publisher  publisher.Publisher `optional:"true"`
	Contents   Contents            `optional:"true"`
	Arms       ArmSelector         `optional:"true"`
	Now        func() time.Time    `name:"clock" optional:"true"`
}

func NewEngine(p EngineParams) *Engine {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	rc := p.Config.Rules
	lease := rc.RunLease
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &Engine{
		db:       p.DB,
		repo:     p.Repository,
		cache:    NewRuleCache(rc.CacheSize, rc.CacheTTL),
		bus:      p.Bus,
		node:     p.Node,
		maxDepth: rc.MaxEventDepth,
		runLease: lease,
		now:      now,
		exec: &Executor{
			generator: p.Generator,
			publisher: p.Publisher,
			contents:  p.Contents,
			arms:      p.Arms,
			bus:       p.Bus,
			maxDepth:  rc.MaxEventDepth,
			now:       now,
		},
		subscribed: map[string]bool{},
	}
}

func registerEngine(lc fx.Lifecycle, e *Engine) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return e.Start(ctx)
		},
	})
}
