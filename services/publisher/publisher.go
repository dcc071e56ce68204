package publisher

import (
	"context"
	"encoding/hex"

	"smallbiznis-autopost/services/content"

	"golang.org/x/crypto/blake2b"
)

//go:generate mockgen -source=publisher.go -destination=mock_publisher.go -package=publisher

// Request is one post to push to a channel.
type Request struct {
	// IdempotencyKey is stable across retries of the same schedule so the
	// platform can drop duplicate posts after a timeout.
	IdempotencyKey string
	OrgID          string
	Content        *content.ContentItem
	Channel        *content.Channel
}

type Result struct {
	ExternalID string `json:"external_id"`
	Permalink  string `json:"permalink"`
}

// Publisher posts content to a social channel. Errors are classified with
// errutil: transient errors are retried, terminal ones fail the schedule.
type Publisher interface {
	Publish(ctx context.Context, req Request) (Result, error)
}

// IdempotencyKey derives the publish token for a schedule or rule run.
func IdempotencyKey(id string) string {
	sum := blake2b.Sum256([]byte("autopost:publish:" + id))
	return hex.EncodeToString(sum[:])
}
