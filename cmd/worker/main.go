package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"smallbiznis-autopost/pkg/asynq"
	"smallbiznis-autopost/pkg/config"
	"smallbiznis-autopost/pkg/db"
	"smallbiznis-autopost/pkg/featureflags"
	"smallbiznis-autopost/pkg/gen"
	"smallbiznis-autopost/pkg/hashistack/secretmanager"
	"smallbiznis-autopost/pkg/hashistack/servicediscover"
	"smallbiznis-autopost/pkg/health"
	"smallbiznis-autopost/pkg/kafka"
	"smallbiznis-autopost/pkg/logger"
	"smallbiznis-autopost/pkg/otelcol"
	"smallbiznis-autopost/pkg/profiling"
	"smallbiznis-autopost/pkg/redis"
	"smallbiznis-autopost/pkg/server"
	"smallbiznis-autopost/services/budget"
	"smallbiznis-autopost/services/completion"
	"smallbiznis-autopost/services/content"
	"smallbiznis-autopost/services/optimizer"
	"smallbiznis-autopost/services/organization"
	"smallbiznis-autopost/services/publisher"
	"smallbiznis-autopost/services/reward"
	"smallbiznis-autopost/services/rule"
	"smallbiznis-autopost/services/scheduler"
	"smallbiznis-autopost/services/trigger"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	base := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		fxLogger,
	}

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		app := fx.New(append(base, fx.Invoke(migrate))...)
		if err := app.Start(context.Background()); err != nil {
			log.Fatalf("migrate failed: %v", err)
		}
		_ = app.Stop(context.Background())
		return
	}

	opts := append(base,
		fx.Invoke(migrate),
		redis.Module,
		kafka.Module,
		asynq.Client,
		asynq.Server,
		gen.Module,
		featureflags.Module,
		otelcol.Module,
		profiling.Module,
		health.Module,
		server.ProvideOpsServer,
		servicediscover.Module,

		trigger.Module,
		organization.Module,
		optimizer.Module,
		content.Module,
		budget.Module,
		reward.Module,
		publisher.Module,
		completion.Module,
		rule.Module,
		scheduler.Module,
	)

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func() fxevent.Logger {
	return fxevent.NopLogger
})

func models() []any {
	out := []any{&organization.Organization{}}
	out = append(out, content.Models()...)
	out = append(out,
		&optimizer.State{},
		&budget.AIBudget{},
		&reward.ScheduleMetrics{},
		&trigger.EventLog{},
	)
	return append(out, rule.Models()...)
}

// notifyDueSQL makes new or rescheduled schedules wake listening workers.
const notifyDueSQL = `
CREATE OR REPLACE FUNCTION autopost_notify_schedule() RETURNS trigger AS $$
BEGIN
	IF NEW.status = 'scheduled' THEN
		PERFORM pg_notify(TG_ARGV[0], NEW.id);
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS autopost_schedules_notify ON schedules;
CREATE TRIGGER autopost_schedules_notify
	AFTER INSERT OR UPDATE OF scheduled_at, next_attempt_at ON schedules
	FOR EACH ROW EXECUTE FUNCTION autopost_notify_schedule('%s');
`

func migrate(cfg *config.Config, gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(models()...); err != nil {
		zap.L().Error("[DB] migration failed", zap.Error(err))
		return err
	}

	if ch := cfg.Scheduler.ListenChannel; ch != "" && (cfg.Database.Type == "" || cfg.Database.Type == "postgres") {
		if err := gdb.Exec(fmt.Sprintf(notifyDueSQL, strings.ReplaceAll(ch, "'", "''"))).Error; err != nil {
			zap.L().Warn("[DB] schedule notify trigger not installed", zap.Error(err))
		}
	}

	zap.L().Info("[DB] migration complete")
	return nil
}
