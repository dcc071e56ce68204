package reward

import (
	"time"

	"smallbiznis-autopost/pkg/config"
	"smallbiznis-autopost/services/content"
)

// ScheduleMetrics is one fetch of a post's performance. Rates are normalised
// to [0, 1] by the collector.
type ScheduleMetrics struct {
	ID             string            `gorm:"column:id;primaryKey"`
	CreatedAt      time.Time         `gorm:"column:created_at"`
	OrgID          string            `gorm:"column:org_id;index"`
	ScheduleID     string            `gorm:"column:schedule_id;uniqueIndex:idx_metrics_schedule_fetched,priority:1"`
	Schedule       *content.Schedule `gorm:"foreignKey:ScheduleID;references:ID;constraint:OnDelete:CASCADE"`
	FetchedAt      time.Time         `gorm:"column:fetched_at;uniqueIndex:idx_metrics_schedule_fetched,priority:2"`
	Impressions    int64             `gorm:"column:impressions"`
	CTR            float64           `gorm:"column:ctr"`
	EngagementRate float64           `gorm:"column:engagement_rate"`
	Reach          float64           `gorm:"column:reach"`
	ConversionRate float64           `gorm:"column:conversion_rate"`
	Applied        bool              `gorm:"column:applied;not null;default:false;index"`
	AppliedAt      *time.Time        `gorm:"column:applied_at"`
	Reward         *float64          `gorm:"column:reward"`
}

func (ScheduleMetrics) TableName() string { return "schedule_metrics" }

// AppliedEvent is emitted once per metrics row folded into the optimizer.
type AppliedEvent struct {
	MetricsID  string
	ScheduleID string
	OrgID      string
	ArmKey     string
	Reward     float64
}

// Weights turn the four normalised rates into a scalar reward. Baseline is
// subtracted so an average post can score zero or below.
type Weights struct {
	CTR        float64
	Engagement float64
	Reach      float64
	Conversion float64
	Baseline   float64
}

func WeightsFromConfig(r config.Reward) Weights {
	return Weights{
		CTR:        r.CTRWeight,
		Engagement: r.EngagementWeight,
		Reach:      r.ReachWeight,
		Conversion: r.ConversionWeight,
		Baseline:   r.Baseline,
	}
}

func (w Weights) ToScalarReward(m *ScheduleMetrics) float64 {
	return w.CTR*m.CTR +
		w.Engagement*m.EngagementRate +
		w.Reach*m.Reach +
		w.Conversion*m.ConversionRate -
		w.Baseline
}
