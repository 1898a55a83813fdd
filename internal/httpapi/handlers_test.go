package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func newHealthTestRouter(t *testing.T) (*APIStore, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewAPIStore(nil, nil, NewHeaderIdentityProvider(""), nil, nil, zaptest.NewLogger(t))
	r := gin.New()
	store.RegisterRoutes(r)
	return store, r
}

func TestGetHealth_OKWhileHealthy(t *testing.T) {
	t.Parallel()

	_, r := newHealthTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestGetHealth_UnavailableWhileDraining(t *testing.T) {
	t.Parallel()

	store, r := newHealthTestRouter(t)
	store.Healthy.Store(false)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "draining")
}
