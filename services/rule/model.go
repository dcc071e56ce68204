package rule

import (
	"time"

	"smallbiznis-autopost/services/organization"

	"gorm.io/datatypes"
)

// Rule is an organization's automation: when Trigger fires and Condition
// holds, run Action.
type Rule struct {
	RuleID       string                     `gorm:"column:rule_id;primaryKey"`
	OrgID        string                     `gorm:"column:org_id;index:idx_rules_org_trigger,priority:1"`
	Organization *organization.Organization `gorm:"foreignKey:OrgID;references:ID;constraint:OnDelete:CASCADE"`
	Name         string                     `gorm:"column:name"`
	Description  string                     `gorm:"column:description"`
	Trigger      string                     `gorm:"column:trigger;index:idx_rules_org_trigger,priority:2"`
	Priority     int32                      `gorm:"column:priority"`
	Condition    datatypes.JSON             `gorm:"column:condition"`
	Action       datatypes.JSON             `gorm:"column:action"`
	Enabled      bool                       `gorm:"column:enabled"`
	CreatedAt    time.Time                  `gorm:"column:created_at"`
	UpdatedAt    time.Time                  `gorm:"column:updated_at"`
}

// TableName sets the table name for the Rule model.
func (Rule) TableName() string { return "rules" }

type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunSkipped
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to RunStatus) bool {
	switch from {
	case RunPending:
		return to == RunRunning || to == RunFailed
	case RunRunning:
		return to.Terminal()
	default:
		return false
	}
}

// RuleRun records one firing attempt. DedupKey is "rule_id:event_id" while the
// run holds the event; a failed run clears it so a redelivery may try again.
type RuleRun struct {
	ID          string         `gorm:"column:id;primaryKey"`
	RuleID      string         `gorm:"column:rule_id;index"`
	Rule        *Rule          `gorm:"foreignKey:RuleID;references:RuleID;constraint:OnDelete:CASCADE"`
	OrgID       string         `gorm:"column:org_id;index"`
	EventID     string         `gorm:"column:event_id;index"`
	Trigger     string         `gorm:"column:trigger"`
	Status      RunStatus      `gorm:"column:status;index"`
	DedupKey    *string        `gorm:"column:dedup_key;uniqueIndex"`
	StartedAt   *time.Time     `gorm:"column:started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at"`
	Error       string         `gorm:"column:error"`
	Metadata    datatypes.JSON `gorm:"column:metadata"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at"`
}

func (RuleRun) TableName() string { return "rule_runs" }

func DedupKey(ruleID, eventID string) string {
	return ruleID + ":" + eventID
}

// Models lists the tables owned by this package in migration order.
func Models() []any {
	return []any{&Rule{}, &RuleRun{}}
}
