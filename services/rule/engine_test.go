package rule

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"smallbiznis-autopost/pkg/config"
	"smallbiznis-autopost/pkg/errutil"
	"smallbiznis-autopost/services/budget"
	"smallbiznis-autopost/services/completion"
	"smallbiznis-autopost/services/content"
	"smallbiznis-autopost/services/optimizer"
	"smallbiznis-autopost/services/organization"
	"smallbiznis-autopost/services/publisher"
	"smallbiznis-autopost/services/testutil"
	"smallbiznis-autopost/services/trigger"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	engine    *Engine
	svc       *Service
	db        *gorm.DB
	bus       *trigger.LocalBus
	contents  *content.Service
	budget    *budget.Service
	publisher *publisher.MockPublisher
	completer *completion.MockCompleter
	channel   *content.Channel
	clock     *testutil.Clock
	org       string
}

func newFixture(t *testing.T, maxDepth int) *fixture {
	t.Helper()

	models := []any{&organization.Organization{}, &optimizer.State{}, &budget.AIBudget{}, &trigger.EventLog{}}
	models = append(models, content.Models()...)
	models = append(models, Models()...)
	db := testutil.NewTestDB(t, models...)
	require.NoError(t, db.Create(&organization.Organization{ID: "org-1", Name: "Org", Slug: "org", Timezone: "Asia/Jakarta", IsActive: true}).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clock := testutil.NewClock(t0)

	cfg := &config.Config{}
	cfg.Rules.MaxEventDepth = maxDepth
	cfg.Rules.CacheTTL = time.Minute
	cfg.Optimizer.Strategy = optimizer.StrategyUCB1
	cfg.Optimizer.UCBConstant = 2
	cfg.Completion.Timeout = time.Second

	ctrl := gomock.NewController(t)
	bus := trigger.NewLocalBus(db)
	contents := content.NewService(content.ServiceParams{DB: db, Node: node, Now: clock.Now})
	opt := optimizer.NewService(optimizer.ServiceParams{DB: db, Node: node, Config: cfg, Now: clock.Now})
	b := budget.NewService(budget.ServiceParams{DB: db, Bus: bus, Now: clock.Now})
	completer := completion.NewMockCompleter(ctrl)
	pub := publisher.NewMockPublisher(ctrl)

	repo := NewRepository(db)
	engine := NewEngine(EngineParams{
		DB:         db,
		Repository: repo,
		Config:     cfg,
		Bus:        bus,
		Node:       node,
		Generator:  completion.NewGuard(completion.GuardParams{Completer: completer, Budget: b, Config: cfg}),
		Publisher:  pub,
		Contents:   contents,
		Arms:       opt,
		Now:        clock.Now,
	})
	svc := NewService(ServiceParams{Repository: repo, Engine: engine, Node: node})

	ch, err := contents.CreateChannel(context.Background(), "org-1", "fb", "Facebook Page", "page-1")
	require.NoError(t, err)

	return &fixture{
		engine:    engine,
		svc:       svc,
		db:        db,
		bus:       bus,
		contents:  contents,
		budget:    b,
		publisher: pub,
		completer: completer,
		channel:   ch,
		clock:     clock,
		org:       "org-1",
	}
}

func (f *fixture) rule(t *testing.T, in Input) *CompiledRule {
	t.Helper()
	r, err := f.svc.CreateRule(context.Background(), f.org, in)
	require.NoError(t, err)
	cr, err := Compile(*r)
	require.NoError(t, err)
	return cr
}

func (f *fixture) approvedItem(t *testing.T) *content.ContentItem {
	t.Helper()
	ctx := context.Background()
	item, err := f.contents.CreateItem(ctx, f.org, "Launch", "We are live")
	require.NoError(t, err)
	require.NoError(t, f.contents.Approve(ctx, f.org, item.ID))
	return item
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestFireSkipsWhenConditionIsFalse(t *testing.T) {
	f := newFixture(t, 3)
	cr := f.rule(t, Input{
		Name:      "instagram only",
		Trigger:   "content.posted",
		Enabled:   true,
		Condition: raw(`{"op":"eq","field":"platform","value":"ig"}`),
		Action:    raw(`{"type":"publish","content_item_id":"$content_item_id","channel_id":"` + f.channel.ID + `"}`),
	})

	// No publisher expectation: any call fails the test.
	ev := trigger.NewEvent(f.org, "content.posted", map[string]any{"platform": "fb"})
	run, err := f.engine.Fire(context.Background(), cr, ev)
	require.NoError(t, err)
	require.Equal(t, RunSkipped, run.Status)
	require.NotNil(t, run.CompletedAt)
	require.NotNil(t, run.DedupKey)
}

func TestFirePublishesOncePerEvent(t *testing.T) {
	f := newFixture(t, 3)
	item := f.approvedItem(t)
	cr := f.rule(t, Input{
		Name:    "repost",
		Trigger: "content.posted",
		Enabled: true,
		Action:  raw(`{"type":"publish","content_item_id":"$content_item_id","channel_id":"` + f.channel.ID + `"}`),
	})

	f.publisher.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req publisher.Request) (publisher.Result, error) {
			require.Equal(t, item.ID, req.Content.ID)
			require.Equal(t, f.channel.ID, req.Channel.ID)
			require.NotEmpty(t, req.IdempotencyKey)
			return publisher.Result{ExternalID: "ext-1", Permalink: "https://fb.example/ext-1"}, nil
		}).
		Times(1)

	ev := trigger.NewEvent(f.org, "content.posted", map[string]any{"content_item_id": item.ID})
	first, err := f.engine.Fire(context.Background(), cr, ev)
	require.NoError(t, err)
	require.Equal(t, RunSuccess, first.Status)
	require.Contains(t, string(first.Metadata), "ext-1")

	second, err := f.engine.Fire(context.Background(), cr, ev)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, RunSuccess, second.Status)

	var n int64
	require.NoError(t, f.db.Model(&RuleRun{}).Where("rule_id = ?", cr.ID).Count(&n).Error)
	require.Equal(t, int64(1), n)
}

func TestFireBudgetDenialFailsRun(t *testing.T) {
	f := newFixture(t, 3)
	cr := f.rule(t, Input{
		Name:    "caption",
		Trigger: "metrics.applied",
		Enabled: true,
		Action:  raw(`{"type":"generate","prompt":"Write a caption for {{.arm_key}}","constraints":{"max_tokens":50,"max_cost_usd":0.01}}`),
	})
	ctx := context.Background()
	ev := trigger.NewEvent(f.org, "metrics.applied", map[string]any{"arm_key": "fb:9am"})

	// No budget configured: the completer is never reached.
	run, err := f.engine.Fire(ctx, cr, ev)
	require.Error(t, err)
	require.ErrorIs(t, err, budget.ErrDenied)
	require.True(t, errutil.IsTerminal(err))
	require.Equal(t, RunFailed, run.Status)
	require.Nil(t, run.DedupKey)
	require.Contains(t, run.Error, string(budget.ReasonNoBudget))

	var logged int64
	require.NoError(t, f.db.Model(&trigger.EventLog{}).Where("name = ?", "budget.denied").Count(&logged).Error)
	require.Equal(t, int64(1), logged)

	// The failed run released the event, so a redelivery runs again.
	_, err = f.budget.EnsureBudget(ctx, f.org, 10000, 1)
	require.NoError(t, err)
	f.completer.EXPECT().
		Complete(gomock.Any(), gomock.Any()).
		Return(completion.Completion{Text: "Morning!", TokensIn: 10, TokensOut: 5, CostUSD: 0.002}, nil).
		Times(1)

	retry, err := f.engine.Fire(ctx, cr, ev)
	require.NoError(t, err)
	require.NotEqual(t, run.ID, retry.ID)
	require.Equal(t, RunSuccess, retry.Status)

	usage, err := f.budget.Usage(ctx, f.org)
	require.NoError(t, err)
	require.Equal(t, int64(15), usage.TokensUsedToday)
}

func TestFireNotEligible(t *testing.T) {
	f := newFixture(t, 3)
	cr := f.rule(t, Input{
		Name:    "disabled",
		Trigger: "content.posted",
		Action:  raw(`{"type":"emit","event":"noop"}`),
	})

	_, err := f.engine.Fire(context.Background(), cr, trigger.NewEvent(f.org, "content.posted", nil))
	require.ErrorIs(t, err, ErrNotEligible)

	cr.Rule.Enabled = true
	_, err = f.engine.Fire(context.Background(), cr, trigger.NewEvent(f.org, "content.failed", nil))
	require.ErrorIs(t, err, ErrNotEligible)
}

func TestScheduleActionUsesOptimizer(t *testing.T) {
	f := newFixture(t, 3)
	item := f.approvedItem(t)
	cr := f.rule(t, Input{
		Name:    "auto schedule",
		Trigger: "content.approved",
		Enabled: true,
		Action:  raw(`{"type":"schedule","content_item_id":"$content_item_id","hours":[9,18]}`),
	})

	ev := trigger.NewEvent(f.org, "content.approved", map[string]any{"content_item_id": item.ID})
	run, err := f.engine.Fire(context.Background(), cr, ev)
	require.NoError(t, err)
	require.Equal(t, RunSuccess, run.Status)

	var s content.Schedule
	require.NoError(t, f.db.Where("content_item_id = ?", item.ID).First(&s).Error)
	// Both arms are unexplored, so the lowest key wins: 18:00 in Jakarta.
	require.Equal(t, "fb:6pm", s.ArmKey)
	require.True(t, s.ScheduledAt.Equal(time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)), s.ScheduledAt)
	require.Equal(t, f.channel.ID, s.ChannelID)
}

func TestHandleStopsCascadeAtDepthLimit(t *testing.T) {
	f := newFixture(t, 2)
	cr := f.rule(t, Input{
		Name:    "loop",
		Trigger: "loop",
		Enabled: true,
		Action:  raw(`{"type":"emit","event":"loop","payload":{"from":"$event_id"}}`),
	})

	require.NoError(t, f.bus.Publish(context.Background(), trigger.NewEvent(f.org, "loop", nil)))

	runs, err := f.engine.ListRuns(context.Background(), f.org, cr.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for _, r := range runs {
		require.Equal(t, RunSuccess, r.Status)
	}

	var suppressed int
	for _, r := range runs {
		var meta struct {
			Steps []map[string]any `json:"steps"`
		}
		require.NoError(t, json.Unmarshal(r.Metadata, &meta))
		if meta.Steps[0]["status"] == "suppressed" {
			suppressed++
		}
	}
	require.Equal(t, 1, suppressed)
}

func TestHandleFiresByPriority(t *testing.T) {
	f := newFixture(t, 3)
	low := f.rule(t, Input{Name: "low", Trigger: "content.posted", Priority: 1, Enabled: true, Action: raw(`{"type":"emit","event":"low.done"}`)})
	high := f.rule(t, Input{Name: "high", Trigger: "content.posted", Priority: 10, Enabled: true, Action: raw(`{"type":"emit","event":"high.done"}`)})

	require.NoError(t, f.engine.Handle(context.Background(), trigger.NewEvent(f.org, "content.posted", nil)))

	var runs []RuleRun
	require.NoError(t, f.db.Order("id asc").Find(&runs).Error)
	require.Len(t, runs, 2)
	require.Equal(t, high.ID, runs[0].RuleID)
	require.Equal(t, low.ID, runs[1].RuleID)
}

func TestFireRedeliveryReusesPublishKey(t *testing.T) {
	f := newFixture(t, 3)
	item := f.approvedItem(t)
	cr := f.rule(t, Input{
		Name:    "repost",
		Trigger: "content.posted",
		Enabled: true,
		Action:  raw(`{"type":"publish","content_item_id":"$content_item_id","channel_id":"` + f.channel.ID + `"}`),
	})

	var keys []string
	capture := func(res publisher.Result, err error) func(context.Context, publisher.Request) (publisher.Result, error) {
		return func(_ context.Context, req publisher.Request) (publisher.Result, error) {
			keys = append(keys, req.IdempotencyKey)
			return res, err
		}
	}
	f.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(capture(publisher.Result{}, errutil.Timeout("publish timed out", context.DeadlineExceeded))).
		Times(1)
	f.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(capture(publisher.Result{ExternalID: "ext-1"}, nil)).
		Times(1)

	ctx := context.Background()
	ev := trigger.NewEvent(f.org, "content.posted", map[string]any{"content_item_id": item.ID})

	first, err := f.engine.Fire(ctx, cr, ev)
	require.Error(t, err)
	require.True(t, errutil.IsTransient(err))
	require.Equal(t, RunFailed, first.Status)

	second, err := f.engine.Fire(ctx, cr, ev)
	require.NoError(t, err)
	require.Equal(t, RunSuccess, second.Status)
	require.NotEqual(t, first.ID, second.ID)

	require.Len(t, keys, 2)
	require.Equal(t, keys[0], keys[1])
}

func TestHandleRecordsFailedRunForInvalidRule(t *testing.T) {
	f := newFixture(t, 3)
	require.NoError(t, f.db.Create(&Rule{
		RuleID:  "broken",
		OrgID:   f.org,
		Name:    "broken",
		Trigger: "content.posted",
		Action:  []byte(`{"type":"explode"}`),
		Enabled: true,
	}).Error)
	ok := f.rule(t, Input{Name: "ok", Trigger: "content.posted", Enabled: true, Action: raw(`{"type":"emit","event":"ok.done"}`)})

	require.NoError(t, f.engine.Handle(context.Background(), trigger.NewEvent(f.org, "content.posted", nil)))

	runs, err := f.engine.ListRuns(context.Background(), f.org, "broken", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, RunFailed, runs[0].Status)
	require.Contains(t, runs[0].Error, "invalid rule action")
	require.NotNil(t, runs[0].CompletedAt)

	runs, err = f.engine.ListRuns(context.Background(), f.org, ok.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, RunSuccess, runs[0].Status)
}

func TestFireReclaimsAbandonedRun(t *testing.T) {
	f := newFixture(t, 3)
	item := f.approvedItem(t)
	cr := f.rule(t, Input{
		Name:    "repost",
		Trigger: "content.posted",
		Enabled: true,
		Action:  raw(`{"type":"publish","content_item_id":"$content_item_id","channel_id":"` + f.channel.ID + `"}`),
	})
	ctx := context.Background()
	ev := trigger.NewEvent(f.org, "content.posted", map[string]any{"content_item_id": item.ID})

	key := DedupKey(cr.ID, ev.ID)
	started := f.clock.Now()
	require.NoError(t, f.db.Create(&RuleRun{
		ID:        "stranded",
		RuleID:    cr.ID,
		OrgID:     f.org,
		EventID:   ev.ID,
		Trigger:   ev.Name,
		Status:    RunRunning,
		DedupKey:  &key,
		StartedAt: &started,
		CreatedAt: started,
	}).Error)

	// Within the lease the holder may still finish: no publish, retry later.
	held, err := f.engine.Fire(ctx, cr, ev)
	require.Error(t, err)
	require.True(t, errutil.IsTransient(err))
	require.Equal(t, "stranded", held.ID)

	f.clock.Advance(11 * time.Minute)
	f.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).
		Return(publisher.Result{ExternalID: "ext-1"}, nil).
		Times(1)

	run, err := f.engine.Fire(ctx, cr, ev)
	require.NoError(t, err)
	require.Equal(t, RunSuccess, run.Status)
	require.NotEqual(t, "stranded", run.ID)

	var old RuleRun
	require.NoError(t, f.db.First(&old, "id = ?", "stranded").Error)
	require.Equal(t, RunFailed, old.Status)
	require.Nil(t, old.DedupKey)
	require.Contains(t, old.Error, "abandoned")
}
