package optimizer

import (
	"context"
	"errors"
	"time"

	"smallbiznis-autopost/pkg/config"
	"smallbiznis-autopost/pkg/errutil"
	"smallbiznis-autopost/pkg/featureflags"
	"smallbiznis-autopost/pkg/gen"
	"smallbiznis-autopost/services/organization"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"k8s.io/apimachinery/pkg/util/sets"
)

// FlagStrategy lets an organization override the configured strategy.
const FlagStrategy = "optimizer_strategy"

var ErrNoCandidates = errors.New("optimizer: no candidate arms")

var (
	selections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_selections_total",
		Help: "Arm selections, by how the arm was chosen.",
	}, []string{"mode"})
	updates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "optimizer_updates_total",
		Help: "Rewards folded into optimizer state.",
	})
)

func init() {
	prometheus.MustRegister(selections, updates)
}

var Module = fx.Module("optimizer.module",
	fx.Provide(NewService),
)

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	flags  featureflags.FeatureFlag
	config *config.Config
	now    func() time.Time

	epsilon *EpsilonGreedy
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node          `optional:"true"`
	Flags  featureflags.FeatureFlag `optional:"true"`
	Config *config.Config
	Now    func() time.Time `name:"clock" optional:"true"`
}

func NewService(p ServiceParams) *Service {
	now := p.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		db:      p.DB,
		node:    p.Node,
		flags:   p.Flags,
		config:  p.Config,
		now:     now,
		epsilon: NewEpsilonGreedy(p.Config.Optimizer.Epsilon, p.Config.Optimizer.Seed),
	}
}

func (s *Service) settings() config.Optimizer {
	if cur := config.Current(); cur != nil {
		return cur.Optimizer
	}
	return s.config.Optimizer
}

// strategy resolves the strategy for orgID: the feature flag override first,
// then the hot-reloadable config.
func (s *Service) strategy(ctx context.Context, orgID string) Strategy {
	opts := s.settings()
	name := opts.Strategy

	if s.flags != nil {
		v, ok, err := s.flags.Value(ctx, orgID, FlagStrategy)
		if err != nil {
			zap.L().Warn("strategy flag lookup failed", zap.String("org_id", orgID), zap.Error(err))
		} else if ok && v != "" {
			name = v
		}
	}

	switch name {
	case StrategyEpsilonGreedy:
		s.epsilon.SetEpsilon(opts.Epsilon)
		return s.epsilon
	default:
		c := opts.UCBConstant
		if c <= 0 {
			c = 2
		}
		return UCB1{C: c}
	}
}

// Arms returns the statistics for keys, zero-valued for arms never pulled,
// ordered by key.
func (s *Service) Arms(ctx context.Context, orgID string, keys []string) ([]Arm, error) {
	sorted := sets.List(sets.New(keys...))

	var rows []State
	if len(sorted) > 0 {
		if err := s.db.WithContext(ctx).
			Where("org_id = ? AND arm_key IN ?", orgID, sorted).
			Find(&rows).Error; err != nil {
			return nil, errutil.Transient("failed to load optimizer state", err)
		}
	}

	byKey := make(map[string]State, len(rows))
	for _, r := range rows {
		byKey[r.ArmKey] = r
	}

	arms := make([]Arm, 0, len(sorted))
	for _, k := range sorted {
		r := byKey[k]
		arms = append(arms, Arm{Key: k, Pulls: r.Pulls, Rewards: r.Rewards})
	}
	return arms, nil
}

// SelectArm picks the next arm to try. Unexplored candidates always win, the
// lexicographically lowest first; otherwise the org's strategy decides.
func (s *Service) SelectArm(ctx context.Context, orgID string, candidates []string) (string, error) {
	arms, err := s.Arms(ctx, orgID, candidates)
	if err != nil {
		return "", err
	}
	if len(arms) == 0 {
		return "", ErrNoCandidates
	}

	for _, a := range arms {
		if a.Pulls == 0 {
			selections.WithLabelValues("explore").Inc()
			return a.Key, nil
		}
	}

	st := s.strategy(ctx, orgID)
	key := st.Select(arms)
	selections.WithLabelValues(st.Name()).Inc()

	zap.L().Debug("arm selected",
		zap.String("org_id", orgID),
		zap.String("arm_key", key),
		zap.String("strategy", st.Name()),
	)
	return key, nil
}

// Update folds one observed reward into the arm's statistics.
func (s *Service) Update(ctx context.Context, orgID, key string, reward float64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.UpdateTx(ctx, tx, orgID, key, reward)
	})
}

// UpdateTx is Update inside the caller's transaction. The increment happens in
// the store so concurrent updates to one key cannot lose each other.
func (s *Service) UpdateTx(ctx context.Context, tx *gorm.DB, orgID, key string, reward float64) error {
	if orgID == "" || key == "" {
		return errutil.Invariant("optimizer update without org or arm key", nil,
			errutil.WithDetails(errutil.Detail{Field: "org_id", Message: orgID}, errutil.Detail{Field: "arm_key", Message: key}))
	}

	tx = tx.WithContext(ctx)

	var orgs int64
	if err := tx.Model(&organization.Organization{}).Where("id = ?", orgID).Count(&orgs).Error; err != nil {
		return errutil.Transient("failed to verify organization", err)
	}
	if orgs == 0 {
		return errutil.Invariant("optimizer update for unknown organization", nil,
			errutil.WithDetails(errutil.Detail{Field: "org_id", Message: orgID}))
	}

	row := &State{ID: gen.ID(s.node), OrgID: orgID, ArmKey: key}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
		return errutil.Transient("failed to create optimizer state", err)
	}

	res := tx.Model(&State{}).
		Where("org_id = ? AND arm_key = ?", orgID, key).
		Updates(map[string]any{
			"pulls":          gorm.Expr("pulls + ?", 1),
			"rewards":        gorm.Expr("rewards + ?", reward),
			"last_action_at": s.now(),
		})
	if res.Error != nil {
		return errutil.Transient("failed to update optimizer state", res.Error)
	}
	if res.RowsAffected != 1 {
		return errutil.Invariant("optimizer state row missing after insert", nil,
			errutil.WithDetails(errutil.Detail{Field: "arm_key", Message: key}))
	}

	updates.Inc()
	return nil
}

func (s *Service) Get(ctx context.Context, orgID, key string) (*State, error) {
	var st State
	err := s.db.WithContext(ctx).Where("org_id = ? AND arm_key = ?", orgID, key).First(&st).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("optimizer state not found", err)
		}
		return nil, errutil.Transient("failed to load optimizer state", err)
	}
	return &st, nil
}
