package content

import (
	"context"
	"errors"
	"time"

	"smallbiznis-autopost/pkg/errutil"
	"smallbiznis-autopost/pkg/gen"
	"smallbiznis-autopost/pkg/taskname"
	"smallbiznis-autopost/services/optimizer"
	"smallbiznis-autopost/services/organization"
	"smallbiznis-autopost/services/trigger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("content.module",
	fx.Provide(NewService),
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	bus  trigger.Bus
	now  func() time.Time
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node  `optional:"true"`
	Bus  trigger.Bus      `optional:"true"`
	Now  func() time.Time `name:"clock" optional:"true"`
}

func NewService(p ServiceParams) *Service {
	now := p.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{db: p.DB, node: p.Node, bus: p.Bus, now: now}
}

func (s *Service) CreateChannel(ctx context.Context, orgID, platform, name, externalAccountID string) (*Channel, error) {
	ch := &Channel{
		ID:                gen.ID(s.node),
		OrgID:             orgID,
		Platform:          platform,
		Name:              name,
		ExternalAccountID: externalAccountID,
		IsActive:          true,
	}
	if err := s.db.WithContext(ctx).Create(ch).Error; err != nil {
		return nil, errutil.Transient("failed to create channel", err)
	}
	return ch, nil
}

func (s *Service) ListChannels(ctx context.Context, orgID string) ([]Channel, error) {
	var out []Channel
	if err := s.db.WithContext(ctx).
		Where("org_id = ? AND is_active = ?", orgID, true).
		Order("id asc").
		Find(&out).Error; err != nil {
		return nil, errutil.Transient("failed to list channels", err)
	}
	return out, nil
}

func (s *Service) CreateItem(ctx context.Context, orgID, title, body string) (*ContentItem, error) {
	item := &ContentItem{
		ID:     gen.ID(s.node),
		OrgID:  orgID,
		Title:  title,
		Body:   body,
		Status: StatusDraft,
	}
	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, errutil.Transient("failed to create content item", err)
	}
	return item, nil
}

func (s *Service) GetItem(ctx context.Context, orgID, id string) (*ContentItem, error) {
	return getItem(s.db.WithContext(ctx), orgID, id)
}

func getItem(tx *gorm.DB, orgID, id string) (*ContentItem, error) {
	var item ContentItem
	if err := tx.Where("org_id = ? AND id = ?", orgID, id).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("content item not found", err, errutil.WithDetails(errutil.Detail{Field: "content_item_id", Message: id}))
		}
		return nil, errutil.Transient("failed to load content item", err)
	}
	return &item, nil
}

// transitionItem moves an item from one status to another with a conditional
// update. It returns Conflict when the item is no longer in `from`.
func transitionItem(tx *gorm.DB, orgID, id string, from, to Status) error {
	if !CanTransition(from, to) {
		return errutil.Invariant("illegal content transition", nil,
			errutil.WithDetails(errutil.Detail{Field: string(from), Message: string(to)}))
	}

	res := tx.Model(&ContentItem{}).
		Where("org_id = ? AND id = ? AND status = ?", orgID, id, from).
		Update("status", to)
	if res.Error != nil {
		return errutil.Transient("failed to update content item", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("content item is not "+string(from), nil,
			errutil.WithDetails(errutil.Detail{Field: "content_item_id", Message: id}))
	}
	return nil
}

func (s *Service) Approve(ctx context.Context, orgID, id string) error {
	return transitionItem(s.db.WithContext(ctx), orgID, id, StatusDraft, StatusApproved)
}

// ScheduleItem binds an approved (or already scheduled) item to a channel at
// `at`. An empty armKey is derived from the channel platform and the hour of
// `at` in the organization's timezone.
func (s *Service) ScheduleItem(ctx context.Context, orgID, itemID, channelID string, at time.Time, armKey string) (*Schedule, error) {
	var out *Schedule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := getItem(tx, orgID, itemID)
		if err != nil {
			return err
		}

		var ch Channel
		if err := tx.Where("org_id = ? AND id = ?", orgID, channelID).First(&ch).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound("channel not found", err, errutil.WithDetails(errutil.Detail{Field: "channel_id", Message: channelID}))
			}
			return errutil.Transient("failed to load channel", err)
		}
		if !ch.IsActive {
			return errutil.UnprocessableEntity("channel is inactive", nil, errutil.WithDetails(errutil.Detail{Field: "channel_id", Message: channelID}))
		}

		switch item.Status {
		case StatusApproved:
			if err := transitionItem(tx, orgID, itemID, StatusApproved, StatusScheduled); err != nil {
				return err
			}
		case StatusScheduled:
		default:
			return errutil.Conflict("content item cannot be scheduled from "+string(item.Status), nil,
				errutil.WithDetails(errutil.Detail{Field: "content_item_id", Message: itemID}))
		}

		if armKey == "" {
			armKey = optimizer.ArmKey(ch.Platform, at.In(orgLocation(tx, orgID)))
		}

		out = &Schedule{
			ID:            gen.ID(s.node),
			OrgID:         orgID,
			ContentItemID: itemID,
			ChannelID:     channelID,
			ArmKey:        armKey,
			ScheduledAt:   at.UTC(),
			Status:        ScheduleScheduled,
		}
		if err := tx.Create(out).Error; err != nil {
			return errutil.Transient("failed to create schedule", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("content scheduled",
		zap.String("org_id", orgID),
		zap.String("schedule_id", out.ID),
		zap.String("arm_key", out.ArmKey),
		zap.Time("scheduled_at", out.ScheduledAt),
	)

	if s.bus != nil {
		ev := trigger.Derive(ctx, orgID, taskname.ContentScheduled, map[string]any{
			"schedule_id":     out.ID,
			"content_item_id": out.ContentItemID,
			"channel_id":      out.ChannelID,
			"arm_key":         out.ArmKey,
			"scheduled_at":    out.ScheduledAt.Format(time.RFC3339),
		})
		if err := s.bus.Publish(ctx, ev); err != nil {
			zap.L().Warn("content.scheduled delivery failed", zap.String("schedule_id", out.ID), zap.Error(err))
		}
	}
	return out, nil
}

// Location returns the organization's timezone, UTC when it is unknown.
func (s *Service) Location(ctx context.Context, orgID string) *time.Location {
	return orgLocation(s.db.WithContext(ctx), orgID)
}

func orgLocation(tx *gorm.DB, orgID string) *time.Location {
	var org organization.Organization
	if err := tx.Where("id = ?", orgID).First(&org).Error; err != nil {
		return time.UTC
	}
	return org.Location()
}

// ListDue returns schedules ready to publish at now, oldest first, with their
// content item and channel loaded.
func (s *Service) ListDue(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	var out []Schedule
	q := s.db.WithContext(ctx).
		Preload("ContentItem").
		Preload("Channel").
		Where("status = ? AND scheduled_at <= ?", ScheduleScheduled, now).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("scheduled_at asc, id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, errutil.Transient("failed to query due schedules", err)
	}
	return out, nil
}

func (s *Service) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	var sc Schedule
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&sc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("schedule not found", err, errutil.WithDetails(errutil.Detail{Field: "schedule_id", Message: id}))
		}
		return nil, errutil.Transient("failed to load schedule", err)
	}
	return &sc, nil
}

// finish moves a scheduled schedule to a terminal status. Zero rows means
// another worker already finished it.
func finish(tx *gorm.DB, id string, to ScheduleStatus, fields map[string]any) (*Schedule, error) {
	var sc Schedule
	if err := tx.Where("id = ?", id).First(&sc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("schedule not found", err)
		}
		return nil, errutil.Transient("failed to load schedule", err)
	}

	fields["status"] = to
	res := tx.Model(&Schedule{}).Where("id = ? AND status = ?", id, ScheduleScheduled).Updates(fields)
	if res.Error != nil {
		return nil, errutil.Transient("failed to update schedule", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errutil.Conflict("schedule already finished", nil,
			errutil.WithDetails(errutil.Detail{Field: "schedule_id", Message: id}))
	}
	return &sc, nil
}

// MarkPosted records a successful publish and moves the content item to posted.
func (s *Service) MarkPosted(ctx context.Context, id, externalID, permalink string) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sc, err := finish(tx, id, SchedulePosted, map[string]any{
			"external_id":     externalID,
			"permalink":       permalink,
			"posted_at":       now,
			"error_message":   "",
			"next_attempt_at": nil,
		})
		if err != nil {
			return err
		}

		// The item may already be posted through another channel.
		err = transitionItem(tx, sc.OrgID, sc.ContentItemID, StatusScheduled, StatusPosted)
		if err != nil && !errutil.IsConflict(err) {
			return err
		}
		return nil
	})
}

// MarkFailed records a terminal publish failure. The content item fails only
// when it is still scheduled and has no other active schedule.
func (s *Service) MarkFailed(ctx context.Context, id, message string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sc, err := finish(tx, id, ScheduleFailed, map[string]any{
			"error_message":   message,
			"next_attempt_at": nil,
		})
		if err != nil {
			return err
		}

		var active int64
		if err := tx.Model(&Schedule{}).
			Where("content_item_id = ? AND status = ? AND id <> ?", sc.ContentItemID, ScheduleScheduled, id).
			Count(&active).Error; err != nil {
			return errutil.Transient("failed to count active schedules", err)
		}
		if active > 0 {
			return nil
		}

		err = transitionItem(tx, sc.OrgID, sc.ContentItemID, StatusScheduled, StatusFailed)
		if err != nil && !errutil.IsConflict(err) {
			return err
		}
		return nil
	})
}

// MarkRetry keeps the schedule active and defers the next attempt to next.
func (s *Service) MarkRetry(ctx context.Context, id string, next time.Time, message string) error {
	res := s.db.WithContext(ctx).Model(&Schedule{}).
		Where("id = ? AND status = ?", id, ScheduleScheduled).
		Updates(map[string]any{
			"attempts":        gorm.Expr("attempts + ?", 1),
			"next_attempt_at": next.UTC(),
			"error_message":   message,
		})
	if res.Error != nil {
		return errutil.Transient("failed to defer schedule", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("schedule already finished", nil,
			errutil.WithDetails(errutil.Detail{Field: "schedule_id", Message: id}))
	}
	return nil
}
