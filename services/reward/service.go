package reward

import (
	"context"
	"errors"
	"time"

	"smallbiznis-autopost/pkg/config"
	"smallbiznis-autopost/pkg/errutil"
	"smallbiznis-autopost/pkg/gen"
	"smallbiznis-autopost/pkg/taskname"
	"smallbiznis-autopost/services/content"
	"smallbiznis-autopost/services/trigger"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound       = errors.New("reward: metrics not found")
	ErrAlreadyApplied = errors.New("reward: metrics already applied")
)

var rewardsApplied = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "reward_metrics_applied_total",
	Help: "Metrics rows folded into optimizer state.",
})

func init() {
	prometheus.MustRegister(rewardsApplied)
}

// Updater receives each applied reward inside the applying transaction.
type Updater interface {
	UpdateTx(ctx context.Context, tx *gorm.DB, orgID, armKey string, reward float64) error
}

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	updater Updater
	bus     trigger.Bus
	config  *config.Config
	now     func() time.Time
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node `optional:"true"`
	Updater Updater
	Bus     trigger.Bus `optional:"true"`
	Config  *config.Config
	Now     func() time.Time `name:"clock" optional:"true"`
}

func NewService(p ServiceParams) *Service {
	now := p.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		db:      p.DB,
		node:    p.Node,
		updater: p.Updater,
		bus:     p.Bus,
		config:  p.Config,
		now:     now,
	}
}

// Weights returns the current weights; config reloads apply to the next call.
func (s *Service) Weights() Weights {
	if cur := config.Current(); cur != nil {
		return WeightsFromConfig(cur.Reward)
	}
	return WeightsFromConfig(s.config.Reward)
}

func (s *Service) ToScalarReward(m *ScheduleMetrics) float64 {
	return s.Weights().ToScalarReward(m)
}

// Record stores a metrics fetch for a posted schedule. A repeated
// (schedule, fetched_at) pair is ignored and reports created=false.
func (s *Service) Record(ctx context.Context, m *ScheduleMetrics) (bool, error) {
	var sc content.Schedule
	if err := s.db.WithContext(ctx).Where("id = ?", m.ScheduleID).First(&sc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, errutil.NotFound("schedule not found", err)
		}
		return false, errutil.Transient("failed to load schedule", err)
	}
	if sc.Status != content.SchedulePosted {
		return false, errutil.Conflict("metrics for a schedule that is not posted", nil,
			errutil.WithDetails(errutil.Detail{Field: "schedule_id", Message: sc.ID}))
	}

	if m.ID == "" {
		m.ID = gen.ID(s.node)
	}
	m.OrgID = sc.OrgID
	m.FetchedAt = m.FetchedAt.UTC()
	m.Applied = false
	m.AppliedAt = nil
	m.Reward = nil

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		return false, errutil.Transient("failed to record metrics", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	if s.bus != nil {
		ev := trigger.Derive(ctx, sc.OrgID, taskname.MetricsCollected, map[string]any{
			"metrics_id":  m.ID,
			"schedule_id": sc.ID,
			"arm_key":     sc.ArmKey,
			"metrics":     metricsContext(m),
		})
		if err := s.bus.Publish(ctx, ev); err != nil {
			zap.L().Warn("metrics.collected delivery failed", zap.String("metrics_id", m.ID), zap.Error(err))
		}
	}
	return true, nil
}

// Collect returns the latest metrics fetched for a schedule.
func (s *Service) Collect(ctx context.Context, scheduleID string) (*ScheduleMetrics, error) {
	var m ScheduleMetrics
	err := s.db.WithContext(ctx).
		Where("schedule_id = ?", scheduleID).
		Order("fetched_at desc").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errutil.Transient("failed to load metrics", err)
	}
	return &m, nil
}

// Apply folds one metrics row into the optimizer exactly once. The applied
// flag flip and the optimizer update commit together; a second call returns
// ErrAlreadyApplied and changes nothing.
func (s *Service) Apply(ctx context.Context, metricsID string) (AppliedEvent, error) {
	var ev AppliedEvent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m ScheduleMetrics
		if err := tx.Where("id = ?", metricsID).First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return errutil.Transient("failed to load metrics", err)
		}
		if m.Applied {
			return ErrAlreadyApplied
		}

		var sc content.Schedule
		if err := tx.Where("id = ?", m.ScheduleID).First(&sc).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.Invariant("metrics row without schedule", err,
					errutil.WithDetails(errutil.Detail{Field: "metrics_id", Message: m.ID}))
			}
			return errutil.Transient("failed to load schedule", err)
		}

		r := s.ToScalarReward(&m)
		res := tx.Model(&ScheduleMetrics{}).
			Where("id = ? AND applied = ?", m.ID, false).
			Updates(map[string]any{
				"applied":    true,
				"applied_at": s.now(),
				"reward":     r,
			})
		if res.Error != nil {
			return errutil.Transient("failed to mark metrics applied", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyApplied
		}

		if err := s.updater.UpdateTx(ctx, tx, sc.OrgID, sc.ArmKey, r); err != nil {
			return err
		}

		ev = AppliedEvent{
			MetricsID:  m.ID,
			ScheduleID: sc.ID,
			OrgID:      sc.OrgID,
			ArmKey:     sc.ArmKey,
			Reward:     r,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyApplied) {
			zap.L().Warn("metrics already applied", zap.String("metrics_id", metricsID))
		}
		return AppliedEvent{}, err
	}

	rewardsApplied.Inc()
	zap.L().Info("reward applied",
		zap.String("org_id", ev.OrgID),
		zap.String("schedule_id", ev.ScheduleID),
		zap.String("arm_key", ev.ArmKey),
		zap.Float64("reward", ev.Reward),
	)

	if s.bus != nil {
		out := trigger.Derive(ctx, ev.OrgID, taskname.MetricsApplied, map[string]any{
			"metrics_id":  ev.MetricsID,
			"schedule_id": ev.ScheduleID,
			"arm_key":     ev.ArmKey,
			"reward":      ev.Reward,
		})
		if err := s.bus.Publish(ctx, out); err != nil {
			zap.L().Warn("metrics.applied delivery failed", zap.String("metrics_id", ev.MetricsID), zap.Error(err))
		}
	}

	return ev, nil
}

// ApplyPending applies up to limit unapplied rows, oldest first. Per-row
// failures are logged and skipped; only the listing query fails the call.
func (s *Service) ApplyPending(ctx context.Context, limit int) (int, error) {
	var ids []string
	q := s.db.WithContext(ctx).Model(&ScheduleMetrics{}).
		Where("applied = ?", false).
		Order("fetched_at asc, id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return 0, errutil.Transient("failed to list pending metrics", err)
	}

	applied := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		_, err := s.Apply(ctx, id)
		switch {
		case err == nil:
			applied++
		case errors.Is(err, ErrAlreadyApplied):
		default:
			zap.L().Error("failed to apply metrics",
				zap.String("metrics_id", id),
				zap.String("kind", errutil.KindOf(err).String()),
				zap.Error(err),
			)
		}
	}
	return applied, nil
}

func metricsContext(m *ScheduleMetrics) map[string]any {
	return map[string]any{
		"impressions":     m.Impressions,
		"ctr":             m.CTR,
		"engagement_rate": m.EngagementRate,
		"reach":           m.Reach,
		"conversion_rate": m.ConversionRate,
	}
}
