package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/tuleaj/plugin-aggregator/internal/logging"
)

func newTestRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/plugins", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"plugins": []string{}})
	})
	return r
}

func doRequest(r *gin.Engine, method, origin, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/plugins", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCORSAllowsFrontendShell(t *testing.T) {
	r := newTestRouter(CORS(DefaultCORSConfig()))

	w := doRequest(r, http.MethodGet, "http://localhost:3000", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))

	// Same-origin requests carry no Origin header and get no CORS headers
	w = doRequest(r, http.MethodGet, "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(CORS(DefaultCORSConfig()))

	w := doRequest(r, http.MethodOptions, "http://localhost:3000", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestCORSRestrictedOrigin(t *testing.T) {
	r := newTestRouter(CORS(CORSConfig{
		AllowOrigins: []string{"https://shell.local"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       time.Hour,
	}))

	w := doRequest(r, http.MethodGet, "https://shell.local", "")
	assert.Equal(t, "https://shell.local", w.Header().Get("Access-Control-Allow-Origin"))

	w = doRequest(r, http.MethodGet, "https://elsewhere.example", "")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitBoundsOneClient(t *testing.T) {
	r := newTestRouter(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 2}))

	for i := 0; i < 2; i++ {
		w := doRequest(r, http.MethodGet, "", "10.0.0.1:4000")
		assert.Equal(t, http.StatusOK, w.Code, "request %d is within burst", i+1)
	}

	w := doRequest(r, http.MethodGet, "", "10.0.0.1:4000")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRateLimitIsolatesClients(t *testing.T) {
	r := newTestRouter(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}))

	w := doRequest(r, http.MethodGet, "", "10.0.0.1:4000")
	assert.Equal(t, http.StatusOK, w.Code)

	// A saturated neighbor must not affect a fresh client
	w = doRequest(r, http.MethodGet, "", "10.0.0.1:4000")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = doRequest(r, http.MethodGet, "", "10.0.0.2:4000")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestLoggerPassesThrough(t *testing.T) {
	r := newTestRouter(RequestLogger(logging.NewNop()))

	w := doRequest(r, http.MethodGet, "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDefaults(t *testing.T) {
	cc := DefaultCORSConfig()
	assert.Contains(t, cc.AllowOrigins, "*")
	assert.Contains(t, cc.AllowMethods, "DELETE")
	assert.Equal(t, 12*time.Hour, cc.MaxAge)

	rc := DefaultRateLimitConfig()
	assert.Equal(t, 100, rc.RequestsPerSecond)
	assert.Equal(t, 200, rc.Burst)
}
