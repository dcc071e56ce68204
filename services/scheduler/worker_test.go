package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"smallbiznis-autopost/pkg/config"
	"smallbiznis-autopost/pkg/errutil"
	"smallbiznis-autopost/services/content"
	"smallbiznis-autopost/services/optimizer"
	"smallbiznis-autopost/services/organization"
	"smallbiznis-autopost/services/publisher"
	"smallbiznis-autopost/services/reward"
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
	worker    *Worker
	db        *gorm.DB
	clock     *testutil.Clock
	contents  *content.Service
	rewards   *reward.Service
	optimizer *optimizer.Service
	publisher *publisher.MockPublisher
	channel   *content.Channel
	cfg       *config.Config
	org       string
}

func newFixture(t *testing.T, tune func(*config.Config)) *fixture {
	t.Helper()

	models := []any{&organization.Organization{}, &optimizer.State{}, &reward.ScheduleMetrics{}, &trigger.EventLog{}}
	models = append(models, content.Models()...)
	db := testutil.NewTestDB(t, models...)
	require.NoError(t, db.Create(&organization.Organization{ID: "org-1", Name: "Org", Slug: "org", Timezone: "Asia/Jakarta", IsActive: true}).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clock := testutil.NewClock(t0)

	cfg := &config.Config{}
	cfg.Scheduler.Concurrency = 2
	cfg.Scheduler.BatchSize = 10
	cfg.Scheduler.MaxAttempts = 3
	cfg.Scheduler.MinBackoff = time.Minute
	cfg.Scheduler.MaxBackoff = time.Hour
	cfg.Scheduler.MetricsSweep = 10
	cfg.Scheduler.ShutdownGrace = time.Second
	cfg.Publisher.Timeout = time.Second
	cfg.Optimizer.Strategy = optimizer.StrategyUCB1
	cfg.Optimizer.UCBConstant = 2
	cfg.Reward = config.Reward{CTRWeight: 0.4, EngagementWeight: 0.3, ReachWeight: 0.1, ConversionWeight: 0.2}
	if tune != nil {
		tune(cfg)
	}

	bus := trigger.NewLocalBus(db)
	contents := content.NewService(content.ServiceParams{DB: db, Node: node, Bus: bus, Now: clock.Now})
	opt := optimizer.NewService(optimizer.ServiceParams{DB: db, Node: node, Config: cfg, Now: clock.Now})
	rewards := reward.NewService(reward.ServiceParams{DB: db, Node: node, Updater: opt, Bus: bus, Config: cfg, Now: clock.Now})
	pub := publisher.NewMockPublisher(gomock.NewController(t))

	w := NewWorker(WorkerParams{
		Schedules: contents,
		Publisher: pub,
		Rewards:   rewards,
		Bus:       bus,
		Config:    cfg,
		Now:       clock.Now,
	})

	ch, err := contents.CreateChannel(context.Background(), "org-1", "fb", "Facebook Page", "page-1")
	require.NoError(t, err)

	return &fixture{
		worker:    w,
		db:        db,
		clock:     clock,
		contents:  contents,
		rewards:   rewards,
		optimizer: opt,
		publisher: pub,
		channel:   ch,
		cfg:       cfg,
		org:       "org-1",
	}
}

func (f *fixture) schedule(t *testing.T, at time.Time) *content.Schedule {
	t.Helper()
	ctx := context.Background()
	item, err := f.contents.CreateItem(ctx, f.org, "Launch", "We are live")
	require.NoError(t, err)
	require.NoError(t, f.contents.Approve(ctx, f.org, item.ID))
	s, err := f.contents.ScheduleItem(ctx, f.org, item.ID, f.channel.ID, at, "")
	require.NoError(t, err)
	return s
}

func (f *fixture) events(t *testing.T, name string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&trigger.EventLog{}).Where("name = ?", name).Count(&n).Error)
	return n
}

func TestScenarioPublishThenReward(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.schedule(t, t0.Add(-time.Minute))

	f.publisher.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req publisher.Request) (publisher.Result, error) {
			require.Equal(t, publisher.IdempotencyKey(s.ID), req.IdempotencyKey)
			require.Equal(t, s.ContentItemID, req.Content.ID)
			require.Equal(t, f.channel.ID, req.Channel.ID)
			return publisher.Result{ExternalID: "X", Permalink: "https://fb.example/X"}, nil
		}).
		Times(1)

	require.NoError(t, f.worker.Tick(ctx))

	posted, err := f.contents.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, content.SchedulePosted, posted.Status)
	require.Equal(t, "X", posted.ExternalID)
	require.Equal(t, int64(1), f.events(t, "content.posted"))

	before, err := f.optimizer.Arms(ctx, f.org, []string{s.ArmKey})
	require.NoError(t, err)
	require.Zero(t, before[0].Pulls)

	created, err := f.rewards.Record(ctx, &reward.ScheduleMetrics{ScheduleID: s.ID, FetchedAt: t0.Add(time.Hour), CTR: 0.05})
	require.NoError(t, err)
	require.True(t, created)

	// Nothing is due any more; the tick only sweeps the new metrics row.
	f.clock.Advance(time.Hour)
	require.NoError(t, f.worker.Tick(ctx))

	state, err := f.optimizer.Get(ctx, f.org, s.ArmKey)
	require.NoError(t, err)
	require.Equal(t, int64(1), state.Pulls)
	require.InDelta(t, 0.4*0.05, state.Rewards, 1e-9)

	require.NoError(t, f.worker.Tick(ctx))
	state, err = f.optimizer.Get(ctx, f.org, s.ArmKey)
	require.NoError(t, err)
	require.Equal(t, int64(1), state.Pulls)
}

func TestTickRetriesTransientErrors(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Scheduler.MaxAttempts = 2 })
	ctx := context.Background()
	s := f.schedule(t, t0.Add(-time.Minute))

	f.publisher.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		Return(publisher.Result{}, errutil.Transient("upstream unavailable", nil)).
		Times(2)

	require.NoError(t, f.worker.Tick(ctx))
	retried, err := f.contents.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, content.ScheduleScheduled, retried.Status)
	require.Equal(t, 1, retried.Attempts)
	require.NotNil(t, retried.NextAttemptAt)
	require.True(t, retried.NextAttemptAt.Equal(t0.Add(time.Minute)))

	// Not due again until the back-off elapses.
	require.NoError(t, f.worker.Tick(ctx))

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.worker.Tick(ctx))

	failed, err := f.contents.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, content.ScheduleFailed, failed.Status)
	require.Contains(t, failed.ErrorMessage, "upstream unavailable")

	item, err := f.contents.GetItem(ctx, f.org, s.ContentItemID)
	require.NoError(t, err)
	require.Equal(t, content.StatusFailed, item.Status)
	require.Equal(t, int64(1), f.events(t, "content.failed"))
}

func TestTickFailsTerminalErrorsImmediately(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.schedule(t, t0.Add(-time.Minute))

	f.publisher.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		Return(publisher.Result{}, errutil.Terminal("content rejected", nil)).
		Times(1)

	require.NoError(t, f.worker.Tick(ctx))

	failed, err := f.contents.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, content.ScheduleFailed, failed.Status)
	require.Contains(t, failed.ErrorMessage, "content rejected")
}

func TestTickFailsSchedulesOnInactiveChannel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.schedule(t, t0.Add(-time.Minute))
	require.NoError(t, f.db.Model(&content.Channel{}).Where("id = ?", f.channel.ID).Update("is_active", false).Error)

	// No publisher expectation: any call fails the test.
	require.NoError(t, f.worker.Tick(ctx))

	failed, err := f.contents.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, content.ScheduleFailed, failed.Status)
	require.Contains(t, failed.ErrorMessage, "channel is inactive")
	require.Equal(t, int64(1), f.events(t, "content.failed"))
}

func TestTickIsolatesScheduleFailures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bad := f.schedule(t, t0.Add(-2*time.Minute))
	good := f.schedule(t, t0.Add(-time.Minute))

	f.publisher.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req publisher.Request) (publisher.Result, error) {
			if req.Content.ID == bad.ContentItemID {
				return publisher.Result{}, errutil.Terminal("rejected", nil)
			}
			return publisher.Result{ExternalID: "ok"}, nil
		}).
		Times(2)

	require.NoError(t, f.worker.Tick(ctx))

	got, err := f.contents.GetSchedule(ctx, good.ID)
	require.NoError(t, err)
	require.Equal(t, content.SchedulePosted, got.Status)

	got, err = f.contents.GetSchedule(ctx, bad.ID)
	require.NoError(t, err)
	require.Equal(t, content.ScheduleFailed, got.Status)
}

func TestInFlightPublishSurvivesShutdown(t *testing.T) {
	f := newFixture(t, nil)
	s := f.schedule(t, t0.Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	f.publisher.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(callCtx context.Context, _ publisher.Request) (publisher.Result, error) {
			cancel()
			select {
			case <-callCtx.Done():
				return publisher.Result{}, callCtx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			return publisher.Result{ExternalID: "late"}, nil
		}).
		Times(1)

	err := f.worker.Tick(ctx)
	require.ErrorIs(t, err, context.Canceled)

	got, err := f.contents.GetSchedule(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, content.SchedulePosted, got.Status)
	require.Equal(t, "late", got.ExternalID)
}

type failingSchedules struct {
	Schedules
	err error
}

func (f failingSchedules) ListDue(context.Context, time.Time, int) ([]content.Schedule, error) {
	return nil, f.err
}

func TestTickReturnsStoreFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.worker.schedules = failingSchedules{err: errutil.Transient("db down", errors.New("conn refused"))}

	err := f.worker.Tick(context.Background())
	require.Error(t, err)
	require.True(t, errutil.IsTransient(err))
}

type heldLease struct{ acquired, released int }

func (l *heldLease) Acquire(context.Context) (bool, error) { l.acquired++; return false, nil }
func (l *heldLease) Release(context.Context) error         { l.released++; return nil }

func TestTickSkipsWhenLeaseIsHeld(t *testing.T) {
	f := newFixture(t, nil)
	f.schedule(t, t0.Add(-time.Minute))
	lease := &heldLease{}
	f.worker.lease = lease

	// No publisher expectation: a dispatch would fail the test.
	require.NoError(t, f.worker.Tick(context.Background()))
	require.Equal(t, 1, lease.acquired)
	require.Zero(t, lease.released)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Scheduler.PollInterval = time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.worker.Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
