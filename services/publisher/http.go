package publisher

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

var Module = fx.Module("publisher.module",
	fx.Provide(NewHTTPPublisher),
)

// HTTPPublisher delegates to the platform gateway service over HTTP.
type HTTPPublisher struct {
	client   *http.Client
	endpoint string
	token    string
}

type Params struct {
	fx.In
	Config *config.Config
}

func NewHTTPPublisher(p Params) Publisher {
	ep := p.Config.Publisher
	return &HTTPPublisher{
		client:   httpclient.New("publisher", ep),
		endpoint: strings.TrimRight(ep.URL, "/") + "/v1/publish",
		token:    ep.Token,
	}
}

type publishBody struct {
	OrgID             string         `json:"org_id"`
	ContentItemID     string         `json:"content_item_id"`
	Title             string         `json:"title"`
	Body              string         `json:"body"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	ChannelID         string         `json:"channel_id"`
	Platform          string         `json:"platform"`
	ExternalAccountID string         `json:"external_account_id"`
}

func (p *HTTPPublisher) Publish(ctx context.Context, req Request) (Result, error) {
	if req.Content == nil || req.Channel == nil {
		return Result{}, errutil.Invariant("publish request without content or channel", nil)
	}

	body := publishBody{
		OrgID:             req.OrgID,
		ContentItemID:     req.Content.ID,
		Title:             req.Content.Title,
		Body:              req.Content.Body,
		ChannelID:         req.Channel.ID,
		Platform:          req.Channel.Platform,
		ExternalAccountID: req.Channel.ExternalAccountID,
	}
	if len(req.Content.Metadata) > 0 {
		_ = json.Unmarshal(req.Content.Metadata, &body.Metadata)
	}

	b, err := json.Marshal(body)
	if err != nil {
		return Result{}, errutil.Terminal("failed to encode publish request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(b))
	if err != nil {
		return Result{}, errutil.Terminal("failed to build publish request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err := httpclient.Classify("publish", resp, err); err != nil {
		return Result{}, err
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, errutil.BadGateway("malformed publish response", err)
	}
	if out.ExternalID == "" {
		return Result{}, errutil.BadGateway("publish response without external_id", nil)
	}
	return out, nil
}
