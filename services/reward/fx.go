package reward

import (
	"context"
	"errors"
	"fmt"

	"smallbiznis-autopost/pkg/taskname"
	"smallbiznis-autopost/services/optimizer"
	"smallbiznis-autopost/services/trigger"

	"go.uber.org/fx"
)

var Module = fx.Module("reward.module",
	fx.Provide(
		NewService,
		func(o *optimizer.Service) Updater { return o },
	),
	fx.Invoke(RegisterHandlers),
)

// RegisterHandlers applies metrics as soon as they are collected. The worker's
// sweep picks up anything this misses.
func RegisterHandlers(bus trigger.Bus, s *Service) {
	bus.Subscribe(taskname.MetricsCollected, func(ctx context.Context, ev trigger.Event) error {
		id, _ := ev.Payload["metrics_id"].(string)
		if id == "" {
			return fmt.Errorf("%s without metrics_id", ev.Name)
		}
		_, err := s.Apply(trigger.WithEvent(ctx, ev), id)
		if errors.Is(err, ErrAlreadyApplied) {
			return nil
		}
		return err
	})
}
