package organization

import (
	"context"
	"testing"

	"smallbiznis-autopost/pkg/errutil"
	"smallbiznis-autopost/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(ServiceParams{DB: testutil.NewTestDB(t, &Organization{}), Node: node})
}

func TestCreate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	org, err := svc.Create(ctx, "Kopi Kenangan Jaya", "Asia/Jakarta")
	require.NoError(t, err)
	require.Equal(t, "kopi-kenangan-jaya", org.Slug)
	require.True(t, org.IsActive)
	require.Equal(t, "Asia/Jakarta", org.Location().String())

	_, err = svc.Create(ctx, "Kopi Kenangan Jaya", "")
	require.True(t, errutil.IsConflict(err))

	active, err := svc.Active(ctx, org.ID)
	require.NoError(t, err)
	require.True(t, active)

	active, err = svc.Active(ctx, "missing")
	require.NoError(t, err)
	require.False(t, active)
}
