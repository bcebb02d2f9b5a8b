package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsproject/ads/internal/common/logger"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AccessLog(logger.NewNop()), Tracing())
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/boom", func(c *gin.Context) { c.String(http.StatusInternalServerError, "boom") })
	return r
}

func TestMiddlewarePassesRequestsThrough(t *testing.T) {
	router := newRouter()

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/boom":    http.StatusInternalServerError,
		"/missing": http.StatusNotFound,
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		router.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, path)
	}
}

func TestMiddlewareSkipsUpgradeRequests(t *testing.T) {
	router := newRouter()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "keep-alive, Upgrade")
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestIsUpgrade(t *testing.T) {
	plain := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, isUpgrade(plain))

	ws := httptest.NewRequest(http.MethodGet, "/", nil)
	ws.Header.Set("Upgrade", "websocket")
	ws.Header.Set("Connection", "Upgrade")
	assert.True(t, isUpgrade(ws))

	h2c := httptest.NewRequest(http.MethodGet, "/", nil)
	h2c.Header.Set("Upgrade", "h2c")
	h2c.Header.Set("Connection", "Upgrade")
	assert.False(t, isUpgrade(h2c))
}
