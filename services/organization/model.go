package organization

import (
	"time"
	_ "time/tzdata"
)

type Organization struct {
	ID        string    `gorm:"column:id;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
	Name      string    `gorm:"column:name"`
	Slug      string    `gorm:"column:slug;uniqueIndex"`
	Timezone  string    `gorm:"column:timezone"`
	IsActive  bool      `gorm:"column:is_active;default:true"`
}

// Location returns the organization's timezone, falling back to UTC.
func (o *Organization) Location() *time.Location {
	if o.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
