package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"smallbiznis-autopost/pkg/config"
	"smallbiznis-autopost/pkg/errutil"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

type LeveledZap struct {
	inner *zap.SugaredLogger
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l LeveledZap) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warnw(msg, keysAndValues...)
}

func (l LeveledZap) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warnw(msg, keysAndValues...)
}

func (l LeveledZap) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Infow(msg, keysAndValues...)
}

func (l LeveledZap) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Debugw(msg, keysAndValues...)
}

// New builds an HTTP client for an external collaborator. It retries
// connection errors and 5xx responses (except 501) up to RetryMax times, and
// hands the last response back instead of an opaque "giving up" error.
func New(name string, ep config.Endpoint) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = ep.RetryMax
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(LeveledZap{zap.L().Sugar().With("subsystem", name)})
	retryClient.CheckRetry = retryPolicy
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	client := retryClient.StandardClient()
	client.Timeout = ep.Timeout
	return client
}

// retryPolicy leaves 429 to the caller's back-off instead of retrying inline.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Classify maps a transport error or non-2xx response to the error taxonomy:
// timeouts, 408, 429 and 5xx are transient, other 4xx are terminal.
func Classify(op string, resp *http.Response, err error) error {
	if err != nil {
		var urlErr interface{ Timeout() bool }
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &urlErr) && urlErr.Timeout()) {
			return errutil.Timeout(op+" timed out", err)
		}
		if errors.Is(err, context.Canceled) {
			return errutil.ClientClosedRequest(op+" canceled", err)
		}
		return errutil.Transient(op+" unreachable", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, string(body))

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return errutil.Transient(op+" failed", cause)
	default:
		return errutil.Terminal(op+" rejected", cause)
	}
}
