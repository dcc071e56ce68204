package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"smallbiznis-autopost/services/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := testutil.NewTestDB(t)

	h := ProvideHealth(HealthParams{DB: db})
	r := gin.New()
	r.GET("/health/readiness", h.Readiness)
	r.GET("/health/liveness", h.Liveness)

	t.Run("readiness reports the database", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/readiness", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var body Health
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Equal(t, StatusHealthy, body.Status)
		require.Len(t, body.Deps, 1)
		require.Equal(t, "sqlite", body.Deps[0].Name)
	})

	t.Run("liveness", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/liveness", nil))
		require.Equal(t, http.StatusOK, w.Code)
	})
}
