package content

import (
	"context"
	"testing"
	"time"

	"smallbiznis-autopost/pkg/errutil"
	"smallbiznis-autopost/services/organization"
	"smallbiznis-autopost/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	db    *gorm.DB
	clock *testutil.Clock
	org   string
	ch    *Channel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, append([]any{&organization.Organization{}}, Models()...)...)
	require.NoError(t, db.Create(&organization.Organization{ID: "org-1", Name: "Org", Slug: "org", Timezone: "Asia/Jakarta", IsActive: true}).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clock := testutil.NewClock(t0)
	svc := NewService(ServiceParams{DB: db, Node: node, Now: clock.Now})

	ch, err := svc.CreateChannel(context.Background(), "org-1", "fb", "Facebook Page", "page-1")
	require.NoError(t, err)

	return &fixture{svc: svc, db: db, clock: clock, org: "org-1", ch: ch}
}

func (f *fixture) scheduled(t *testing.T, at time.Time) (*ContentItem, *Schedule) {
	t.Helper()
	ctx := context.Background()

	item, err := f.svc.CreateItem(ctx, f.org, "Launch", "We are live")
	require.NoError(t, err)
	require.NoError(t, f.svc.Approve(ctx, f.org, item.ID))

	sc, err := f.svc.ScheduleItem(ctx, f.org, item.ID, f.ch.ID, at, "")
	require.NoError(t, err)
	return item, sc
}

func (f *fixture) itemStatus(t *testing.T, id string) Status {
	t.Helper()
	item, err := f.svc.GetItem(context.Background(), f.org, id)
	require.NoError(t, err)
	return item.Status
}

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(StatusDraft, StatusApproved))
	require.True(t, CanTransition(StatusScheduled, StatusFailed))
	require.False(t, CanTransition(StatusDraft, StatusScheduled))
	require.False(t, CanTransition(StatusPosted, StatusScheduled))
	require.False(t, CanTransition(StatusFailed, StatusScheduled))
}

func TestScheduleItem(t *testing.T) {
	ctx := context.Background()

	t.Run("derives the arm key in the org timezone", func(t *testing.T) {
		f := newFixture(t)
		item, sc := f.scheduled(t, t0)

		require.Equal(t, "fb:4pm", sc.ArmKey)
		require.Equal(t, StatusScheduled, f.itemStatus(t, item.ID))
	})

	t.Run("drafts cannot be scheduled", func(t *testing.T) {
		f := newFixture(t)
		item, err := f.svc.CreateItem(ctx, f.org, "Draft", "")
		require.NoError(t, err)

		_, err = f.svc.ScheduleItem(ctx, f.org, item.ID, f.ch.ID, t0, "")
		require.True(t, errutil.IsConflict(err))
	})

	t.Run("other organizations cannot see the item", func(t *testing.T) {
		f := newFixture(t)
		item, _ := f.scheduled(t, t0)

		_, err := f.svc.ScheduleItem(ctx, "org-2", item.ID, f.ch.ID, t0, "")
		require.True(t, errutil.IsNotFound(err))
	})
}

func TestListDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, due := f.scheduled(t, t0.Add(-time.Minute))
	_, later := f.scheduled(t, t0.Add(time.Hour))
	_, deferred := f.scheduled(t, t0.Add(-2*time.Minute))
	require.NoError(t, f.svc.MarkRetry(ctx, deferred.ID, t0.Add(time.Minute), "timeout"))

	got, err := f.svc.ListDue(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, due.ID, got[0].ID)
	require.NotNil(t, got[0].ContentItem)
	require.NotNil(t, got[0].Channel)
	require.Equal(t, "fb", got[0].Channel.Platform)

	got, err = f.svc.ListDue(ctx, t0.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, deferred.ID, got[0].ID)
	require.Equal(t, later.ID, got[2].ID)
	require.Equal(t, 1, got[0].Attempts)
}

func TestMarkPosted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item, sc := f.scheduled(t, t0)

	require.NoError(t, f.svc.MarkPosted(ctx, sc.ID, "ext-1", "https://fb.example/p/1"))

	got, err := f.svc.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	require.Equal(t, SchedulePosted, got.Status)
	require.Equal(t, "ext-1", got.ExternalID)
	require.NotNil(t, got.PostedAt)
	require.Equal(t, StatusPosted, f.itemStatus(t, item.ID))

	err = f.svc.MarkPosted(ctx, sc.ID, "ext-2", "")
	require.True(t, errutil.IsConflict(err))

	err = f.svc.MarkFailed(ctx, sc.ID, "late failure")
	require.True(t, errutil.IsConflict(err))
	require.Equal(t, StatusPosted, f.itemStatus(t, item.ID))
}

func TestMarkFailed(t *testing.T) {
	ctx := context.Background()

	t.Run("item stays scheduled while another schedule is active", func(t *testing.T) {
		f := newFixture(t)
		item, first := f.scheduled(t, t0)
		second, err := f.svc.ScheduleItem(ctx, f.org, item.ID, f.ch.ID, t0.Add(time.Hour), "")
		require.NoError(t, err)

		require.NoError(t, f.svc.MarkFailed(ctx, first.ID, "rejected"))
		require.Equal(t, StatusScheduled, f.itemStatus(t, item.ID))

		require.NoError(t, f.svc.MarkFailed(ctx, second.ID, "rejected"))
		require.Equal(t, StatusFailed, f.itemStatus(t, item.ID))

		got, err := f.svc.GetSchedule(ctx, second.ID)
		require.NoError(t, err)
		require.Equal(t, ScheduleFailed, got.Status)
		require.Equal(t, "rejected", got.ErrorMessage)
	})

	t.Run("retry on a finished schedule conflicts", func(t *testing.T) {
		f := newFixture(t)
		_, sc := f.scheduled(t, t0)
		require.NoError(t, f.svc.MarkFailed(ctx, sc.ID, "rejected"))

		err := f.svc.MarkRetry(ctx, sc.ID, t0, "again")
		require.True(t, errutil.IsConflict(err))
	})
}
