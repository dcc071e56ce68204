package content

import (
	"time"

	"smallbiznis-autopost/services/organization"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusApproved  Status = "approved"
	StatusScheduled Status = "scheduled"
	StatusPosted    Status = "posted"
	StatusFailed    Status = "failed"
)

func (s Status) String() string {
	switch s {
	case StatusDraft, StatusApproved, StatusScheduled, StatusPosted, StatusFailed:
		return string(s)
	default:
		return ""
	}
}

var transitions = map[Status][]Status{
	StatusDraft:     {StatusApproved},
	StatusApproved:  {StatusScheduled},
	StatusScheduled: {StatusPosted, StatusFailed},
}

// CanTransition reports whether a content item may move from one status to
// another. Posted and failed are terminal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type ScheduleStatus string

const (
	ScheduleScheduled ScheduleStatus = "scheduled"
	SchedulePosted    ScheduleStatus = "posted"
	ScheduleFailed    ScheduleStatus = "failed"
)

func (s ScheduleStatus) Terminal() bool {
	return s == SchedulePosted || s == ScheduleFailed
}

type Channel struct {
	ID                string                     `gorm:"column:id;primaryKey"`
	CreatedAt         time.Time                  `gorm:"column:created_at"`
	UpdatedAt         time.Time                  `gorm:"column:updated_at"`
	OrgID             string                     `gorm:"column:org_id;index"`
	Organization      *organization.Organization `gorm:"foreignKey:OrgID;references:ID;constraint:OnDelete:CASCADE"`
	Platform          string                     `gorm:"column:platform"`
	Name              string                     `gorm:"column:name"`
	ExternalAccountID string                     `gorm:"column:external_account_id"`
	IsActive          bool                       `gorm:"column:is_active;default:true"`
}

type ContentItem struct {
	ID           string                     `gorm:"column:id;primaryKey"`
	CreatedAt    time.Time                  `gorm:"column:created_at"`
	UpdatedAt    time.Time                  `gorm:"column:updated_at"`
	OrgID        string                     `gorm:"column:org_id;index"`
	Organization *organization.Organization `gorm:"foreignKey:OrgID;references:ID;constraint:OnDelete:CASCADE"`
	Title        string                     `gorm:"column:title"`
	Body         string                     `gorm:"column:body"`
	Status       Status                     `gorm:"column:status;index"`
	Metadata     datatypes.JSON             `gorm:"column:metadata"`
}

type Schedule struct {
	ID            string                     `gorm:"column:id;primaryKey"`
	CreatedAt     time.Time                  `gorm:"column:created_at"`
	UpdatedAt     time.Time                  `gorm:"column:updated_at"`
	OrgID         string                     `gorm:"column:org_id;index"`
	Organization  *organization.Organization `gorm:"foreignKey:OrgID;references:ID;constraint:OnDelete:CASCADE"`
	ContentItemID string                     `gorm:"column:content_item_id;index"`
	ContentItem   *ContentItem               `gorm:"foreignKey:ContentItemID;references:ID;constraint:OnDelete:CASCADE"`
	ChannelID     string                     `gorm:"column:channel_id;index"`
	Channel       *Channel                   `gorm:"foreignKey:ChannelID;references:ID;constraint:OnDelete:CASCADE"`
	ArmKey        string                     `gorm:"column:arm_key"`
	ScheduledAt   time.Time                  `gorm:"column:scheduled_at;index:idx_schedules_due,priority:2"`
	Status        ScheduleStatus             `gorm:"column:status;index:idx_schedules_due,priority:1"`
	Attempts      int                        `gorm:"column:attempts"`
	NextAttemptAt *time.Time                 `gorm:"column:next_attempt_at"`
	ExternalID    string                     `gorm:"column:external_id"`
	Permalink     string                     `gorm:"column:permalink"`
	ErrorMessage  string                     `gorm:"column:error_message"`
	PostedAt      *time.Time                 `gorm:"column:posted_at"`
}

// Models lists the tables owned by this package in migration order.
func Models() []any {
	return []any{&Channel{}, &ContentItem{}, &Schedule{}}
}
