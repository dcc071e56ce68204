package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smallbiznis-autopost/pkg/errutil"
	"smallbiznis-autopost/pkg/taskname"
	"smallbiznis-autopost/services/trigger"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrDenied = errors.New("budget denied")

// DeniedError wraps ErrDenied with the reason, for callers that must surface
// a denial as an error.
func DeniedError(d Decision) error {
	return fmt.Errorf("%w: %s", ErrDenied, d.Reason)
}

var denials = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "budget_denials_total",
	Help: "Budget reservations denied, by reason.",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(denials)
}

var Module = fx.Module("budget.module",
	fx.Provide(NewService),
)

type Service struct {
	db  *gorm.DB
	bus trigger.Bus
	now func() time.Time
}

type ServiceParams struct {
	fx.In
	DB  *gorm.DB
	Bus trigger.Bus      `optional:"true"`
	Now func() time.Time `name:"clock" optional:"true"`
}

func NewService(p ServiceParams) *Service {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Service{db: p.DB, bus: p.Bus, now: now}
}

func (s *Service) today() string {
	return s.now().UTC().Format(DateLayout)
}

// rollover zeroes the counters of a budget whose watermark is before today.
// The conditional update makes it safe to run from several workers at once.
func rollover(tx *gorm.DB, orgID, today string) error {
	return tx.Model(&AIBudget{}).
		Where("org_id = ? AND (budget_date IS NULL OR budget_date = '' OR budget_date < ?)", orgID, today).
		Updates(map[string]any{
			"tokens_used_today": 0,
			"cost_usd_today":    0,
			"budget_date":       today,
		}).Error
}

// EnsureBudget creates or updates the organization's daily limits. A new
// budget starts active; an existing one keeps its active flag.
func (s *Service) EnsureBudget(ctx context.Context, orgID string, tokenLimit int64, costLimitUSD float64) (*AIBudget, error) {
	b := &AIBudget{
		OrgID:             orgID,
		DailyTokenLimit:   tokenLimit,
		DailyCostLimitUSD: costLimitUSD,
		BudgetDate:        s.today(),
		IsActive:          true,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"daily_token_limit", "daily_cost_limit_usd", "updated_at"}),
	}).Create(b).Error
	if err != nil {
		return nil, errutil.Transient("failed to save budget", err)
	}

	return s.Usage(ctx, orgID)
}

// SetActive enables or disables AI spending for the organization.
func (s *Service) SetActive(ctx context.Context, orgID string, active bool) error {
	res := s.db.WithContext(ctx).Model(&AIBudget{}).Where("org_id = ?", orgID).Update("is_active", active)
	if res.Error != nil {
		return errutil.Transient("failed to update budget", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound("budget not found", nil)
	}
	return nil
}

// Reserve checks whether the estimated usage fits in today's remaining budget.
// It writes nothing except the day rollover.
func (s *Service) Reserve(ctx context.Context, orgID string, estimatedTokens int64, estimatedCost float64) (Decision, error) {
	today := s.today()

	var b AIBudget
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rollover(tx, orgID, today); err != nil {
			return err
		}
		return tx.Where("org_id = ?", orgID).First(&b).Error
	})

	var d Decision
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		d = Deny(ReasonNoBudget)
	case err != nil:
		return Decision{}, errutil.Transient("failed to load budget", err)
	case !b.IsActive:
		d = Deny(ReasonInactive)
	case b.TokensUsedToday+estimatedTokens > b.DailyTokenLimit:
		d = Deny(ReasonTokenLimit)
	case b.CostUSDToday+estimatedCost > b.DailyCostLimitUSD:
		d = Deny(ReasonCostLimit)
	default:
		d = Allow()
	}

	if d.Denied() {
		s.denied(ctx, orgID, d, estimatedTokens, estimatedCost)
	}
	return d, nil
}

func (s *Service) denied(ctx context.Context, orgID string, d Decision, tokens int64, cost float64) {
	denials.WithLabelValues(string(d.Reason)).Inc()

	zap.L().Info("budget reservation denied",
		zap.String("org_id", orgID),
		zap.String("reason", string(d.Reason)),
		zap.Int64("estimated_tokens", tokens),
		zap.Float64("estimated_cost", cost),
	)

	if s.bus == nil {
		return
	}

	ev := trigger.Derive(ctx, orgID, taskname.BudgetDenied, map[string]any{
		"reason":           string(d.Reason),
		"estimated_tokens": tokens,
		"estimated_cost":   cost,
	})
	if err := s.bus.Publish(ctx, ev); err != nil {
		zap.L().Warn("budget.denied delivery failed", zap.String("org_id", orgID), zap.Error(err))
	}
}

// Commit records the measured usage of an action that ran. Counters only grow.
func (s *Service) Commit(ctx context.Context, orgID string, actualTokens int64, actualCost float64) error {
	if actualTokens < 0 || actualCost < 0 {
		return errutil.Invariant("negative budget commit", nil,
			errutil.WithDetails(errutil.Detail{Field: "org_id", Message: orgID}))
	}

	today := s.today()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rollover(tx, orgID, today); err != nil {
			return errutil.Transient("failed to roll budget over", err)
		}

		res := tx.Model(&AIBudget{}).Where("org_id = ?", orgID).Updates(map[string]any{
			"tokens_used_today": gorm.Expr("tokens_used_today + ?", actualTokens),
			"cost_usd_today":    gorm.Expr("cost_usd_today + ?", actualCost),
		})
		if res.Error != nil {
			return errutil.Transient("failed to commit budget usage", res.Error)
		}
		if res.RowsAffected == 0 {
			return errutil.Invariant("budget commit for unconfigured organization", nil,
				errutil.WithDetails(errutil.Detail{Field: "org_id", Message: orgID}))
		}
		return nil
	})
}

// Usage returns the budget as of today. A stale watermark reads as zero usage
// without being written back.
func (s *Service) Usage(ctx context.Context, orgID string) (*AIBudget, error) {
	var b AIBudget
	if err := s.db.WithContext(ctx).Where("org_id = ?", orgID).First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("budget not found", err)
		}
		return nil, errutil.Transient("failed to load budget", err)
	}

	if today := s.today(); b.BudgetDate < today {
		b.TokensUsedToday = 0
		b.CostUSDToday = 0
		b.BudgetDate = today
	}
	return &b, nil
}
