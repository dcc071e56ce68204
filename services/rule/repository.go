package rule

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ListParams describes filters applied when listing rules from the repository.
type ListParams struct {
	AfterPriority   *int32
	AfterRuleID     string
	Limit           int
	IncludeDisabled bool
	Triggers        []string
}

// Repository describes database operations available for rules.
type Repository interface {
	Create(ctx context.Context, rule *Rule) error
	GetByID(ctx context.Context, orgID, ruleID string) (*Rule, error)
	List(ctx context.Context, orgID string, params ListParams) ([]Rule, error)
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, orgID, ruleID string) error
	ListEnabledByTrigger(ctx context.Context, orgID, trigger string) ([]Rule, error)
	Triggers(ctx context.Context) ([]string, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm backed Repository implementation.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, rule *Rule) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Create(rule).Error
}

func (r *gormRepository) GetByID(ctx context.Context, orgID, ruleID string) (*Rule, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var rule Rule
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND rule_id = ?", orgID, ruleID).
		First(&rule).Error
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *gormRepository) List(ctx context.Context, orgID string, params ListParams) ([]Rule, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&Rule{}).
		Where("org_id = ?", orgID)

	if len(params.Triggers) > 0 {
		query = query.Where("trigger IN ?", params.Triggers)
	}
	if !params.IncludeDisabled {
		query = query.Where("enabled = ?", true)
	}
	if params.AfterPriority != nil && params.AfterRuleID != "" {
		query = query.Where("(priority < ?) OR (priority = ? AND rule_id > ?)", *params.AfterPriority, *params.AfterPriority, params.AfterRuleID)
	}

	if params.Limit > 0 {
		query = query.Limit(params.Limit)
	}

	query = query.Order("priority DESC").Order("rule_id ASC")

	var rules []Rule
	if err := query.Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *gormRepository) Update(ctx context.Context, rule *Rule) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Model(&Rule{}).
		Where("org_id = ? AND rule_id = ?", rule.OrgID, rule.RuleID).
		Updates(map[string]any{
			"name":        rule.Name,
			"description": rule.Description,
			"enabled":     rule.Enabled,
			"priority":    rule.Priority,
			"trigger":     rule.Trigger,
			"condition":   rule.Condition,
			"action":      rule.Action,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) Delete(ctx context.Context, orgID, ruleID string) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Where("org_id = ? AND rule_id = ?", orgID, ruleID).
		Delete(&Rule{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListEnabledByTrigger returns the rules an event fires, highest priority
// first and rule id ascending within a priority.
func (r *gormRepository) ListEnabledByTrigger(ctx context.Context, orgID, trigger string) ([]Rule, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&Rule{}).
		Where("org_id = ? AND trigger = ? AND enabled = ?", orgID, trigger, true).
		Order("priority DESC").Order("rule_id ASC")

	var rules []Rule
	if err := query.Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// Triggers returns every distinct trigger name referenced by an enabled rule.
func (r *gormRepository) Triggers(ctx context.Context) ([]string, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var names []string
	err := r.db.WithContext(ctx).Model(&Rule{}).
		Where("enabled = ?", true).
		Distinct().
		Order("trigger ASC").
		Pluck("trigger", &names).Error
	return names, err
}
