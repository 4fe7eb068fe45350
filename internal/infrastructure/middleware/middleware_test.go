package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/services"
	"streamcast/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func okHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func serve(engine *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestRateLimitDisabledPassesThrough(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	engine := gin.New()
	engine.Use(NewHTTPRateLimitMiddleware(cfg))
	engine.GET("/", okHandler)

	for i := 0; i < 50; i++ {
		w := serve(engine, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimitThrottlesPerIP(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.RequestsPerSecond = 1
	cfg.RateLimiting.Burst = 2

	engine := gin.New()
	engine.Use(NewHTTPRateLimitMiddleware(cfg))
	engine.GET("/", okHandler)

	newReq := func(addr string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		return req
	}

	require.Equal(t, http.StatusOK, serve(engine, newReq("10.0.0.1:1234")).Code)
	require.Equal(t, http.StatusOK, serve(engine, newReq("10.0.0.1:1234")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(engine, newReq("10.0.0.1:1234")).Code)

	// A different client has its own budget.
	assert.Equal(t, http.StatusOK, serve(engine, newReq("10.0.0.2:1234")).Code)
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", false, zap.NewNop().Sugar())

	engine := gin.New()
	engine.GET("/", AuthMiddleware(auth), func(c *gin.Context) {
		id, _ := c.Get(ContextParticipantID)
		c.JSON(http.StatusOK, gin.H{"id": id})
	})

	w := serve(engine, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, serve(engine, req).Code)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	w = serve(engine, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-1")
}

func TestOptionalAuthMiddlewareAllowsAnonymous(t *testing.T) {
	auth := services.NewAuthService("secret", false, zap.NewNop().Sugar())

	engine := gin.New()
	engine.GET("/", OptionalAuthMiddleware(auth), okHandler)

	w := serve(engine, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestErrorHandlerMapsDomainErrors(t *testing.T) {
	engine := gin.New()
	engine.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	engine.GET("/", func(c *gin.Context) {
		c.Error(domain.ErrSessionConflict)
	})

	w := serve(engine, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "SESSION_CONFLICT")
}

func TestRecoveryMiddleware(t *testing.T) {
	engine := gin.New()
	engine.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	engine.GET("/", func(c *gin.Context) {
		panic("boom")
	})

	w := serve(engine, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
