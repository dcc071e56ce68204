package rule

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"smallbiznis-autopost/pkg/errutil"
	"smallbiznis-autopost/pkg/gen"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Service manages an organization's rules. Writes invalidate the engine's
// cached rule sets.
type Service struct {
	repo   Repository
	engine *Engine
	node   *snowflake.Node
}

// ServiceParams defines dependencies for Service construction.
type ServiceParams struct {
	fx.In

	Repository Repository
	Engine     *Engine
	Node       *snowflake.Node `optional:"true"`
}

// NewService constructs a new Service instance.
func NewService(p ServiceParams) *Service {
	if p.Repository == nil {
		panic("rule service requires repository dependency")
	}
	return &Service{
		repo:   p.Repository,
		engine: p.Engine,
		node:   p.Node,
	}
}

// Input is the writable part of a rule.
type Input struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Trigger     string          `json:"trigger"`
	Priority    int32           `json:"priority"`
	Condition   json.RawMessage `json:"condition"`
	Action      json.RawMessage `json:"action"`
	Enabled     bool            `json:"enabled"`
}

func (in Input) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return errutil.BadRequest("name is required", nil, errutil.WithDetails(errutil.Detail{Field: "name", Message: "required"}))
	}
	if strings.TrimSpace(in.Trigger) == "" {
		return errutil.BadRequest("trigger is required", nil, errutil.WithDetails(errutil.Detail{Field: "trigger", Message: "required"}))
	}
	return nil
}

func (in Input) apply(r *Rule) error {
	r.Name = strings.TrimSpace(in.Name)
	r.Description = in.Description
	r.Trigger = strings.TrimSpace(in.Trigger)
	r.Priority = in.Priority
	r.Condition = datatypes.JSON(in.Condition)
	r.Action = datatypes.JSON(in.Action)
	r.Enabled = in.Enabled

	if _, err := Compile(*r); err != nil {
		return err
	}
	return nil
}

func (s *Service) CreateRule(ctx context.Context, orgID string, in Input) (*Rule, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	rule := &Rule{RuleID: gen.ID(s.node), OrgID: orgID}
	if err := in.apply(rule); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, rule); err != nil {
		return nil, errutil.Transient("failed to create rule", err)
	}
	s.changed(rule.OrgID, rule.Trigger)

	zap.L().Info("rule created",
		zap.String("org_id", orgID),
		zap.String("rule_id", rule.RuleID),
		zap.String("trigger", rule.Trigger),
	)
	return rule, nil
}

func (s *Service) GetRule(ctx context.Context, orgID, ruleID string) (*Rule, error) {
	if strings.TrimSpace(ruleID) == "" {
		return nil, errutil.BadRequest("rule_id is required", nil)
	}
	rule, err := s.repo.GetByID(ctx, orgID, ruleID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("rule not found", err, errutil.WithDetails(errutil.Detail{Field: "rule_id", Message: ruleID}))
	}
	if err != nil {
		return nil, errutil.Transient("failed to get rule", err)
	}
	return rule, nil
}

type ListRequest struct {
	Cursor          string
	Limit           int
	IncludeDisabled bool
	Triggers        []string
}

// ListRules pages through rules in firing order. The returned cursor is empty
// on the last page.
func (s *Service) ListRules(ctx context.Context, orgID string, req ListRequest) ([]Rule, string, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	params := ListParams{
		Limit:           limit + 1,
		IncludeDisabled: req.IncludeDisabled,
		Triggers:        req.Triggers,
	}
	if req.Cursor != "" {
		priority, ruleID, err := decodeCursor(req.Cursor)
		if err != nil {
			return nil, "", errutil.BadRequest("invalid paging cursor", err)
		}
		params.AfterPriority = &priority
		params.AfterRuleID = ruleID
	}

	rules, err := s.repo.List(ctx, orgID, params)
	if err != nil {
		return nil, "", errutil.Transient("failed to list rules", err)
	}

	var next string
	if len(rules) > limit {
		rules = rules[:limit]
		last := rules[len(rules)-1]
		next = encodeCursor(last.Priority, last.RuleID)
	}
	return rules, next, nil
}

func (s *Service) UpdateRule(ctx context.Context, orgID, ruleID string, in Input) (*Rule, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	rule, err := s.GetRule(ctx, orgID, ruleID)
	if err != nil {
		return nil, err
	}
	previous := rule.Trigger

	if err := in.apply(rule); err != nil {
		return nil, err
	}
	rule.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, rule); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("rule not found", err, errutil.WithDetails(errutil.Detail{Field: "rule_id", Message: ruleID}))
		}
		return nil, errutil.Transient("failed to update rule", err)
	}

	s.changed(orgID, previous)
	s.changed(orgID, rule.Trigger)
	return rule, nil
}

func (s *Service) SetEnabled(ctx context.Context, orgID, ruleID string, enabled bool) (*Rule, error) {
	rule, err := s.GetRule(ctx, orgID, ruleID)
	if err != nil {
		return nil, err
	}
	rule.Enabled = enabled
	if err := s.repo.Update(ctx, rule); err != nil {
		return nil, errutil.Transient("failed to update rule", err)
	}
	s.changed(orgID, rule.Trigger)
	return rule, nil
}

func (s *Service) DeleteRule(ctx context.Context, orgID, ruleID string) error {
	rule, err := s.GetRule(ctx, orgID, ruleID)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, orgID, ruleID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("rule not found", err, errutil.WithDetails(errutil.Detail{Field: "rule_id", Message: ruleID}))
		}
		return errutil.Transient("failed to delete rule", err)
	}
	s.changed(orgID, rule.Trigger)
	return nil
}

func (s *Service) changed(orgID, trigger string) {
	if s.engine == nil {
		return
	}
	s.engine.Invalidate(orgID, trigger)
	s.engine.Subscribe(trigger)
}

func encodeCursor(priority int32, ruleID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%d|%s", priority, ruleID)))
}

func decodeCursor(cursor string) (int32, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", err
	}
	p, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return 0, "", fmt.Errorf("malformed cursor")
	}
	priority, err := strconv.ParseInt(p, 10, 32)
	if err != nil {
		return 0, "", err
	}
	return int32(priority), id, nil
}
