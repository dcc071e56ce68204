package completion

import (
	"context"
	"errors"
	"testing"
	"time"

	"smallbiznis-autopost/pkg/config"
	"smallbiznis-autopost/services/budget"
	"smallbiznis-autopost/services/organization"
	"smallbiznis-autopost/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newGuard(t *testing.T, completer Completer) (*Guard, *budget.Service) {
	t.Helper()
	db := testutil.NewTestDB(t, &organization.Organization{}, &budget.AIBudget{})
	clock := testutil.NewClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	b := budget.NewService(budget.ServiceParams{DB: db, Now: clock.Now})

	cfg := &config.Config{}
	cfg.Completion.Timeout = time.Second
	return NewGuard(GuardParams{Completer: completer, Budget: b, Config: cfg}), b
}

func TestGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("commits measured usage", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		completer := NewMockCompleter(ctrl)
		g, b := newGuard(t, completer)
		_, err := b.EnsureBudget(ctx, "org-1", 10000, 5)
		require.NoError(t, err)

		completer.EXPECT().
			Complete(gomock.Any(), Request{OrgID: "org-1", Prompt: "write a caption", Constraints: Constraints{MaxTokens: 200}}).
			Return(Completion{Text: "Fresh coffee!", TokensIn: 5, TokensOut: 40, CostUSD: 0.01}, nil)

		out, err := g.Complete(ctx, "org-1", "write a caption", Constraints{MaxTokens: 200})
		require.NoError(t, err)
		require.Equal(t, "Fresh coffee!", out.Text)

		usage, err := b.Usage(ctx, "org-1")
		require.NoError(t, err)
		require.EqualValues(t, 45, usage.TokensUsedToday)
		require.InDelta(t, 0.01, usage.CostUSDToday, 1e-9)
	})

	t.Run("denial skips the call", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		completer := NewMockCompleter(ctrl)
		g, b := newGuard(t, completer)
		_, err := b.EnsureBudget(ctx, "org-1", 100, 5)
		require.NoError(t, err)

		completer.EXPECT().Complete(gomock.Any(), gomock.Any()).Times(0)

		_, err = g.Complete(ctx, "org-1", "write a caption", Constraints{MaxTokens: 500})
		require.ErrorIs(t, err, budget.ErrDenied)
		require.Contains(t, err.Error(), string(budget.ReasonTokenLimit))
	})

	t.Run("failed calls commit nothing", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		completer := NewMockCompleter(ctrl)
		g, b := newGuard(t, completer)
		_, err := b.EnsureBudget(ctx, "org-1", 10000, 5)
		require.NoError(t, err)

		completer.EXPECT().Complete(gomock.Any(), gomock.Any()).Return(Completion{}, errors.New("model overloaded"))

		_, err = g.Complete(ctx, "org-1", "write a caption", Constraints{MaxTokens: 10})
		require.Error(t, err)

		usage, err := b.Usage(ctx, "org-1")
		require.NoError(t, err)
		require.Zero(t, usage.TokensUsedToday)
	})
}

func TestEstimateTokens(t *testing.T) {
	require.EqualValues(t, 0, EstimateTokens("", 0))
	require.EqualValues(t, 1, EstimateTokens("abc", 0))
	require.EqualValues(t, 102, EstimateTokens("abcdefgh", 100))
}
