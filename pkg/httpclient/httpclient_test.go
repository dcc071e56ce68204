package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"smallbiznis-autopost/pkg/errutil"

	"github.com/stretchr/testify/require"
)

func response(code int, body string) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(body))}
}

func TestClassify(t *testing.T) {
	require.NoError(t, Classify("publish", response(http.StatusCreated, ""), nil))

	require.True(t, errutil.IsTransient(Classify("publish", response(http.StatusBadGateway, "upstream"), nil)))
	require.True(t, errutil.IsTransient(Classify("publish", response(http.StatusTooManyRequests, ""), nil)))
	require.True(t, errutil.IsTerminal(Classify("publish", response(http.StatusUnprocessableEntity, "too long"), nil)))
	require.True(t, errutil.IsTransient(Classify("publish", nil, context.DeadlineExceeded)))
	require.True(t, errutil.IsTransient(Classify("publish", nil, errors.New("connection refused"))))

	err := Classify("publish", response(http.StatusBadRequest, "caption too long"), nil)
	require.Contains(t, err.Error(), "caption too long")
}
