package budget

import (
	"time"

	"smallbiznis-autopost/services/organization"
)

// DateLayout is the layout of the budget_date watermark, always a UTC day.
const DateLayout = "2006-01-02"

type AIBudget struct {
	OrgID             string                     `gorm:"column:org_id;primaryKey"`
	Organization      *organization.Organization `gorm:"foreignKey:OrgID;references:ID;constraint:OnDelete:CASCADE"`
	CreatedAt         time.Time                  `gorm:"column:created_at"`
	UpdatedAt         time.Time                  `gorm:"column:updated_at"`
	DailyTokenLimit   int64                      `gorm:"column:daily_token_limit"`
	DailyCostLimitUSD float64                    `gorm:"column:daily_cost_limit_usd"`
	TokensUsedToday   int64                      `gorm:"column:tokens_used_today;not null;default:0"`
	CostUSDToday      float64                    `gorm:"column:cost_usd_today;not null;default:0"`
	BudgetDate        string                     `gorm:"column:budget_date;size:10"`
	IsActive          bool                       `gorm:"column:is_active;default:true"`
}

func (AIBudget) TableName() string { return "ai_budgets" }

type Reason string

const (
	ReasonTokenLimit Reason = "daily_token_limit_exceeded"
	ReasonCostLimit  Reason = "daily_cost_limit_exceeded"
	ReasonInactive   Reason = "budget_inactive"
	ReasonNoBudget   Reason = "budget_not_configured"
)

// Decision is the outcome of a reservation. A denial is a normal result, not an error.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func Allow() Decision             { return Decision{Allowed: true} }
func Deny(reason Reason) Decision { return Decision{Reason: reason} }
func (d Decision) Denied() bool   { return !d.Allowed }
func (d Decision) String() string {
	if d.Allowed {
		return "allow"
	}
	return "deny(" + string(d.Reason) + ")"
}
