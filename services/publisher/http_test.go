package publisher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"smallbiznis-autopost/pkg/config"
	"smallbiznis-autopost/pkg/errutil"
	"smallbiznis-autopost/services/content"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newPublisher(url string) Publisher {
	cfg := &config.Config{}
	cfg.Publisher = config.Endpoint{URL: url, Token: "secret", Timeout: 2 * time.Second, RetryMax: 1}
	return NewHTTPPublisher(Params{Config: cfg})
}

func request() Request {
	return Request{
		IdempotencyKey: IdempotencyKey("sched-1"),
		OrgID:          "org-1",
		Content:        &content.ContentItem{ID: "item-1", Title: "Hi", Body: "Hello"},
		Channel:        &content.Channel{ID: "ch-1", Platform: "fb", ExternalAccountID: "page-1"},
	}
}

func TestHTTPPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v1/publish", r.URL.Path)
			require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			require.Equal(t, IdempotencyKey("sched-1"), r.Header.Get("Idempotency-Key"))

			var body publishBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "fb", body.Platform)

			_ = json.NewEncoder(w).Encode(Result{ExternalID: "X", Permalink: "https://fb.example/X"})
		}))
		defer srv.Close()

		res, err := newPublisher(srv.URL).Publish(ctx, request())
		require.NoError(t, err)
		require.Equal(t, "X", res.ExternalID)
	})

	t.Run("server errors are retried then transient", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := newPublisher(srv.URL).Publish(ctx, request())
		require.True(t, errutil.IsTransient(err))
		require.EqualValues(t, 2, calls.Load())
	})

	t.Run("rejections are terminal", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"caption too long"}`))
		}))
		defer srv.Close()

		_, err := newPublisher(srv.URL).Publish(ctx, request())
		require.True(t, errutil.IsTerminal(err))
		require.Contains(t, err.Error(), "caption too long")
	})
}

func TestIdempotencyKey(t *testing.T) {
	require.Equal(t, IdempotencyKey("a"), IdempotencyKey("a"))
	require.NotEqual(t, IdempotencyKey("a"), IdempotencyKey("b"))
	require.Len(t, IdempotencyKey("a"), 64)
}
