package rule

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"smallbiznis-autopost/pkg/errutil"
	"smallbiznis-autopost/services/budget"
	"smallbiznis-autopost/services/completion"
	"smallbiznis-autopost/services/content"
	"smallbiznis-autopost/services/optimizer"
	"smallbiznis-autopost/services/publisher"
	"smallbiznis-autopost/services/trigger"

	"github.com/gosimple/slug"
	"go.uber.org/zap"
)

// Action types.
const (
	ActionSequence = "sequence"
	ActionGenerate = "generate"
	ActionPublish  = "publish"
	ActionSchedule = "schedule"
	ActionEmit     = "emit"
)

// Hours offered to the optimizer when a schedule action names none.
var defaultHours = []int{9, 12, 15, 18}

// Action is a rule's effect. String fields starting with "$" are resolved
// as dotted paths against the trigger context, e.g. "$content_item_id".
type Action struct {
	Type string `json:"type"`

	// sequence
	Steps []Action `json:"steps,omitempty"`

	// generate. Prompt is a text/template rendered over the trigger context.
	Prompt      string                 `json:"prompt,omitempty"`
	Constraints completion.Constraints `json:"constraints,omitempty"`
	SaveAs      string                 `json:"save_as,omitempty"`
	Approve     bool                   `json:"approve,omitempty"`

	// publish and schedule
	ContentItemID string   `json:"content_item_id,omitempty"`
	ChannelID     string   `json:"channel_id,omitempty"`
	UseGenerated  bool     `json:"use_generated,omitempty"`
	Channels      []string `json:"channels,omitempty"`
	Hours         []int    `json:"hours,omitempty"`

	// emit
	Event   string         `json:"event,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func ParseAction(raw []byte) (*Action, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("action: empty")
	}
	var a Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("action: %w", err)
	}
	return &a, nil
}

func (a *Action) Validate() error {
	switch a.Type {
	case ActionSequence:
		if len(a.Steps) == 0 {
			return fmt.Errorf("action: sequence requires steps")
		}
		for i := range a.Steps {
			if err := a.Steps[i].Validate(); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
	case ActionGenerate:
		if a.Prompt == "" {
			return fmt.Errorf("action: generate requires prompt")
		}
		if _, err := template.New("prompt").Option("missingkey=zero").Parse(a.Prompt); err != nil {
			return fmt.Errorf("action: prompt: %w", err)
		}
	case ActionPublish:
		if a.ContentItemID == "" || a.ChannelID == "" {
			return fmt.Errorf("action: publish requires content_item_id and channel_id")
		}
	case ActionSchedule:
		if a.ContentItemID == "" {
			return fmt.Errorf("action: schedule requires content_item_id")
		}
		for _, h := range a.Hours {
			if h < 0 || h > 23 {
				return fmt.Errorf("action: hour %d out of range", h)
			}
		}
	case ActionEmit:
		if a.Event == "" {
			return fmt.Errorf("action: emit requires event")
		}
	default:
		return fmt.Errorf("action: unknown type %q", a.Type)
	}
	return nil
}

type Generator interface {
	Complete(ctx context.Context, orgID, prompt string, c completion.Constraints) (completion.Completion, error)
}

type Contents interface {
	GetItem(ctx context.Context, orgID, id string) (*content.ContentItem, error)
	CreateItem(ctx context.Context, orgID, title, body string) (*content.ContentItem, error)
	Approve(ctx context.Context, orgID, id string) error
	ListChannels(ctx context.Context, orgID string) ([]content.Channel, error)
	ScheduleItem(ctx context.Context, orgID, itemID, channelID string, at time.Time, armKey string) (*content.Schedule, error)
	Location(ctx context.Context, orgID string) *time.Location
}

type ArmSelector interface {
	SelectArm(ctx context.Context, orgID string, candidates []string) (string, error)
}

// Executor performs rule actions against the other services.
type Executor struct {
	generator Generator
	publisher publisher.Publisher
	contents  Contents
	arms      ArmSelector
	bus       trigger.Bus
	maxDepth  int
	now       func() time.Time
}

// scope is the state one run's actions share.
type scope struct {
	orgID     string
	ruleID    string
	dedupKey  string
	vars      map[string]any
	generated string
	steps     []map[string]any
}

func (s *scope) record(step map[string]any) {
	s.steps = append(s.steps, step)
}

func (e *Executor) Execute(ctx context.Context, sc *scope, a *Action) error {
	switch a.Type {
	case ActionSequence:
		for i := range a.Steps {
			if err := e.Execute(ctx, sc, &a.Steps[i]); err != nil {
				return err
			}
		}
		return nil
	case ActionGenerate:
		return e.generate(ctx, sc, a)
	case ActionPublish:
		return e.publish(ctx, sc, a)
	case ActionSchedule:
		return e.schedule(ctx, sc, a)
	case ActionEmit:
		return e.emit(ctx, sc, a)
	default:
		return errutil.Terminal("unknown action type", nil, errutil.WithDetails(errutil.Detail{Field: "type", Message: a.Type}))
	}
}

func (e *Executor) generate(ctx context.Context, sc *scope, a *Action) error {
	if e.generator == nil {
		return errutil.Terminal("generation is not configured", nil)
	}

	tpl, err := template.New("prompt").Option("missingkey=zero").Parse(a.Prompt)
	if err != nil {
		return errutil.Terminal("invalid prompt template", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, sc.vars); err != nil {
		return errutil.Terminal("failed to render prompt", err)
	}

	out, err := e.generator.Complete(ctx, sc.orgID, buf.String(), a.Constraints)
	if errors.Is(err, budget.ErrDenied) {
		err = errutil.Terminal("generation denied by budget", err)
	}
	if err != nil {
		sc.record(map[string]any{"type": ActionGenerate, "status": "error", "error": err.Error()})
		return err
	}
	sc.generated = out.Text
	sc.vars["generated_text"] = out.Text

	step := map[string]any{
		"type":   ActionGenerate,
		"status": "ok",
		"tokens": out.Tokens(),
		"cost":   out.CostUSD,
	}
	if a.SaveAs != "" {
		item, err := e.contents.CreateItem(ctx, sc.orgID, a.SaveAs, out.Text)
		if err != nil {
			return err
		}
		if a.Approve {
			if err := e.contents.Approve(ctx, sc.orgID, item.ID); err != nil {
				return err
			}
		}
		sc.vars["content_item_id"] = item.ID
		step["content_item_id"] = item.ID
	}
	sc.record(step)
	return nil
}

func (e *Executor) publish(ctx context.Context, sc *scope, a *Action) error {
	if e.publisher == nil {
		return errutil.Terminal("publishing is not configured", nil)
	}

	itemID := resolveString(a.ContentItemID, sc.vars)
	channelID := resolveString(a.ChannelID, sc.vars)

	item, err := e.contents.GetItem(ctx, sc.orgID, itemID)
	if err != nil {
		return err
	}
	if a.UseGenerated && sc.generated != "" {
		cp := *item
		cp.Body = sc.generated
		item = &cp
	}

	channels, err := e.contents.ListChannels(ctx, sc.orgID)
	if err != nil {
		return err
	}
	var ch *content.Channel
	for i := range channels {
		if channels[i].ID == channelID {
			ch = &channels[i]
			break
		}
	}
	if ch == nil {
		return errutil.NotFound("channel not found", nil, errutil.WithDetails(errutil.Detail{Field: "channel_id", Message: channelID}))
	}

	res, err := e.publisher.Publish(ctx, publisher.Request{
		IdempotencyKey: publisher.IdempotencyKey(sc.dedupKey + ":" + strconv.Itoa(len(sc.steps))),
		OrgID:          sc.orgID,
		Content:        item,
		Channel:        ch,
	})
	if err != nil {
		sc.record(map[string]any{"type": ActionPublish, "status": "error", "error": err.Error()})
		return err
	}

	sc.record(map[string]any{
		"type":        ActionPublish,
		"status":      "ok",
		"channel_id":  ch.ID,
		"external_id": res.ExternalID,
		"permalink":   res.Permalink,
	})
	return nil
}

func (e *Executor) schedule(ctx context.Context, sc *scope, a *Action) error {
	if e.arms == nil {
		return errutil.Terminal("optimizer is not configured", nil)
	}

	itemID := resolveString(a.ContentItemID, sc.vars)

	channels, err := e.contents.ListChannels(ctx, sc.orgID)
	if err != nil {
		return err
	}
	allowed := map[string]bool{}
	for _, id := range a.Channels {
		allowed[resolveString(id, sc.vars)] = true
	}

	// First eligible channel per platform slug, channels ordered by id.
	byPlatform := map[string]content.Channel{}
	var platforms []string
	for _, ch := range channels {
		if len(allowed) > 0 && !allowed[ch.ID] {
			continue
		}
		p := slug.Make(ch.Platform)
		if _, ok := byPlatform[p]; ok {
			continue
		}
		byPlatform[p] = ch
		platforms = append(platforms, p)
	}
	if len(platforms) == 0 {
		return errutil.UnprocessableEntity("no active channel to schedule on", nil)
	}

	hours := a.Hours
	if len(hours) == 0 {
		hours = defaultHours
	}

	key, err := e.arms.SelectArm(ctx, sc.orgID, optimizer.Candidates(platforms, hours))
	if err != nil {
		return err
	}
	platform, _, err := optimizer.ParseArmKey(key)
	if err != nil {
		return errutil.Invariant("optimizer returned a malformed arm key", err)
	}
	ch, ok := byPlatform[platform]
	if !ok {
		return errutil.Invariant("optimizer returned an arm outside the candidates", nil,
			errutil.WithDetails(errutil.Detail{Field: "arm_key", Message: key}))
	}

	at, err := optimizer.NextSlot(key, e.now(), e.contents.Location(ctx, sc.orgID))
	if err != nil {
		return errutil.Invariant("failed to compute slot", err)
	}

	s, err := e.contents.ScheduleItem(ctx, sc.orgID, itemID, ch.ID, at, key)
	if err != nil {
		sc.record(map[string]any{"type": ActionSchedule, "status": "error", "error": err.Error()})
		return err
	}
	sc.vars["schedule_id"] = s.ID
	sc.record(map[string]any{
		"type":         ActionSchedule,
		"status":       "ok",
		"schedule_id":  s.ID,
		"arm_key":      key,
		"scheduled_at": s.ScheduledAt.Format(time.RFC3339),
	})
	return nil
}

func (e *Executor) emit(ctx context.Context, sc *scope, a *Action) error {
	if e.bus == nil {
		return errutil.Terminal("event bus is not configured", nil)
	}

	payload := make(map[string]any, len(a.Payload)+1)
	for k, v := range a.Payload {
		if s, ok := v.(string); ok {
			payload[k] = resolve(s, sc.vars)
			continue
		}
		payload[k] = v
	}
	payload["rule_id"] = sc.ruleID

	ev := trigger.Derive(ctx, sc.orgID, a.Event, payload)
	if e.maxDepth > 0 && ev.Depth > e.maxDepth {
		zap.L().Warn("event cascade limit reached",
			zap.String("rule_id", sc.ruleID),
			zap.String("event", a.Event),
			zap.Int("depth", ev.Depth),
		)
		sc.record(map[string]any{"type": ActionEmit, "status": "suppressed", "event": a.Event, "depth": ev.Depth})
		return nil
	}

	if err := e.bus.Publish(ctx, ev); err != nil {
		sc.record(map[string]any{"type": ActionEmit, "status": "error", "error": err.Error()})
		return err
	}
	sc.record(map[string]any{"type": ActionEmit, "status": "ok", "event": a.Event, "event_id": ev.ID})
	return nil
}

func resolve(s string, vars map[string]any) any {
	if !strings.HasPrefix(s, "$") {
		return s
	}
	v, ok := Lookup(vars, s[1:])
	if !ok {
		return nil
	}
	return v
}

func resolveString(s string, vars map[string]any) string {
	switch v := resolve(s, vars).(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
