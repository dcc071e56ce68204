package completion

import (
	"context"
	"time"

	"smallbiznis-autopost/pkg/config"
	"smallbiznis-autopost/services/budget"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var commitFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "completion_budget_commit_failures_total",
	Help: "Completions whose usage could not be committed to the budget.",
})

func init() {
	prometheus.MustRegister(commitFailures)
}

var Module = fx.Module("completion.module",
	fx.Provide(
		NewHTTPCompleter,
		NewGuard,
		func(b *budget.Service) Budget { return b },
	),
)

type Budget interface {
	Reserve(ctx context.Context, orgID string, estimatedTokens int64, estimatedCost float64) (budget.Decision, error)
	Commit(ctx context.Context, orgID string, actualTokens int64, actualCost float64) error
}

// Guard runs completions inside a budget reservation.
type Guard struct {
	completer Completer
	budget    Budget
	timeout   time.Duration
}

type GuardParams struct {
	fx.In
	Completer Completer
	Budget    Budget
	Config    *config.Config
}

func NewGuard(p GuardParams) *Guard {
	return &Guard{completer: p.Completer, budget: p.Budget, timeout: p.Config.Completion.Timeout}
}

// EstimateTokens approximates prompt tokens at four bytes each plus the
// output allowance.
func EstimateTokens(prompt string, maxTokens int64) int64 {
	return int64(len(prompt)+3)/4 + maxTokens
}

// Complete reserves the estimate, calls the completer and commits the measured
// usage. A denial returns an error wrapping budget.ErrDenied; a failed call
// commits nothing.
func (g *Guard) Complete(ctx context.Context, orgID, prompt string, c Constraints) (Completion, error) {
	estimate := EstimateTokens(prompt, c.MaxTokens)

	d, err := g.budget.Reserve(ctx, orgID, estimate, c.MaxCostUSD)
	if err != nil {
		return Completion{}, err
	}
	if d.Denied() {
		return Completion{}, budget.DeniedError(d)
	}

	callCtx, cancel := context.WithCancel(ctx)
	if g.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
	}
	defer cancel()

	out, err := g.completer.Complete(callCtx, Request{OrgID: orgID, Prompt: prompt, Constraints: c})
	if err != nil {
		return Completion{}, err
	}

	// The call already happened: a failed commit is logged rather than
	// failing the caller, which would retry and spend again.
	if err := g.budget.Commit(context.WithoutCancel(ctx), orgID, out.Tokens(), out.CostUSD); err != nil {
		commitFailures.Inc()
		zap.L().Error("failed to commit completion usage",
			zap.String("org_id", orgID),
			zap.Int64("tokens", out.Tokens()),
			zap.Float64("cost", out.CostUSD),
			zap.Error(err),
		)
	}

	return out, nil
}
