package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"smallbiznis-autopost/pkg/config"
	"smallbiznis-autopost/pkg/errutil"
	"smallbiznis-autopost/pkg/httpclient"

	"go.uber.org/fx"
)

// HTTPCompleter calls the text generation service.
type HTTPCompleter struct {
	client   *http.Client
	endpoint string
	token    string
}

type Params struct {
	fx.In
	Config *config.Config
}

func NewHTTPCompleter(p Params) Completer {
	ep := p.Config.Completion
	return &HTTPCompleter{
		client:   httpclient.New("completion", ep),
		endpoint: strings.TrimRight(ep.URL, "/") + "/v1/complete",
		token:    ep.Token,
	}
}

func (c *HTTPCompleter) Complete(ctx context.Context, req Request) (Completion, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return Completion{}, errutil.Terminal("failed to encode completion request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(b))
	if err != nil {
		return Completion{}, errutil.Terminal("failed to build completion request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err := httpclient.Classify("completion", resp, err); err != nil {
		return Completion{}, err
	}

	var out Completion
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Completion{}, errutil.BadGateway("malformed completion response", err)
	}
	return out, nil
}
