package organization

import (
	"context"
	"errors"

	"smallbiznis-autopost/pkg/errutil"
	"smallbiznis-autopost/pkg/gen"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("organization.module",
	fx.Provide(NewService),
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{db: p.DB, node: p.Node}
}

func (s *Service) Create(ctx context.Context, name, timezone string) (*Organization, error) {
	org := &Organization{
		ID:       gen.ID(s.node),
		Name:     name,
		Slug:     slug.Make(name),
		Timezone: timezone,
		IsActive: true,
	}

	if err := s.db.WithContext(ctx).Create(org).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("organization slug already taken", err, errutil.WithDetails(errutil.Detail{Field: "slug", Message: org.Slug}))
		}
		zap.L().Error("failed to create organization", zap.String("slug", org.Slug), zap.Error(err))
		return nil, errutil.Transient("failed to create organization", err)
	}

	return org, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&org).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("organization not found", err, errutil.WithDetails(errutil.Detail{Field: "org_id", Message: id}))
		}
		return nil, errutil.Transient("failed to load organization", err)
	}
	return &org, nil
}

// Active reports whether the organization exists and is active.
func (s *Service) Active(ctx context.Context, id string) (bool, error) {
	org, err := s.Get(ctx, id)
	if err != nil {
		if errutil.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return org.IsActive, nil
}
