package completion

import "context"

//go:generate mockgen -source=completion.go -destination=mock_completion.go -package=completion

type Constraints struct {
	Model       string  `json:"model,omitempty"`
	MaxTokens   int64   `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	// MaxCostUSD is the reservation estimate for the call's cost.
	MaxCostUSD float64 `json:"max_cost_usd,omitempty"`
}

type Request struct {
	OrgID       string      `json:"org_id"`
	Prompt      string      `json:"prompt"`
	Constraints Constraints `json:"constraints"`
}

type Completion struct {
	Text      string  `json:"text"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	CostUSD   float64 `json:"cost"`
}

func (c Completion) Tokens() int64 {
	return c.TokensIn + c.TokensOut
}

// Completer generates text. Callers go through Guard so usage is budgeted.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}
