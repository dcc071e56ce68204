package optimizer

import (
	"time"

	"smallbiznis-autopost/services/organization"
)

// State holds the running statistics for one arm of one organization.
type State struct {
	ID           string                     `gorm:"column:id;primaryKey"`
	CreatedAt    time.Time                  `gorm:"column:created_at"`
	UpdatedAt    time.Time                  `gorm:"column:updated_at"`
	OrgID        string                     `gorm:"column:org_id;uniqueIndex:idx_optimizer_org_arm,priority:1"`
	Organization *organization.Organization `gorm:"foreignKey:OrgID;references:ID;constraint:OnDelete:CASCADE"`
	ArmKey       string                     `gorm:"column:arm_key;uniqueIndex:idx_optimizer_org_arm,priority:2"`
	Pulls        int64                      `gorm:"column:pulls;not null;default:0"`
	Rewards      float64                    `gorm:"column:rewards;not null;default:0"`
	LastActionAt *time.Time                 `gorm:"column:last_action_at"`
}

func (State) TableName() string { return "optimizer_states" }

// Arm is the selection view of a State.
type Arm struct {
	Key     string
	Pulls   int64
	Rewards float64
}

// Mean is the average reward; unexplored arms report 0.
func (a Arm) Mean() float64 {
	if a.Pulls <= 0 {
		return 0
	}
	return a.Rewards / float64(a.Pulls)
}
