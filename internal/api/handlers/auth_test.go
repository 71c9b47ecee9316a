package handlers

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonyhoard/conductor/internal/api/middleware"
	"github.com/harmonyhoard/conductor/internal/config"
)

func setupAuthRouter(t *testing.T) (*gin.Engine, *config.Config) {
	deps := setupTestDeps(t)
	handler := NewAuthHandler(deps.config)

	router := gin.New()
	router.POST("/auth/login", handler.Login)

	protected := router.Group("/")
	protected.Use(middleware.JWTAuth(deps.config.JWTSecret))
	protected.GET("/auth/verify", handler.Verify)

	return router, deps.config
}

func TestAuthHandler_Login(t *testing.T) {
	router, _ := setupAuthRouter(t)

	tests := []struct {
		name           string
		body           map[string]interface{}
		expectedStatus int
	}{
		{
			name:           "valid credentials",
			body:           map[string]interface{}{"username": "admin", "password": "swordfish"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "wrong password",
			body:           map[string]interface{}{"username": "admin", "password": "guppy"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "unknown user",
			body:           map[string]interface{}{"username": "mallory", "password": "swordfish"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "missing password",
			body:           map[string]interface{}{"username": "admin"},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, http.MethodPost, "/auth/login", tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestAuthHandler_TokenGrantsAccess(t *testing.T) {
	router, _ := setupAuthRouter(t)

	w := doJSON(router, http.MethodPost, "/auth/login", map[string]interface{}{
		"username": "admin",
		"password": "swordfish",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp LoginResponse
	require.NoError(t, jsonUnmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.Token)

	req := newAuthedRequest(http.MethodGet, "/auth/verify", resp.Token)
	rec := serve(router, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthHandler_VerifyRejectsMissingToken(t *testing.T) {
	router, _ := setupAuthRouter(t)

	w := doJSON(router, http.MethodGet, "/auth/verify", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandler_VerifyRejectsForgedToken(t *testing.T) {
	router, cfg := setupAuthRouter(t)

	forged, err := middleware.GenerateToken("admin", "admin", "some-other-secret")
	require.NoError(t, err)
	require.NotEqual(t, cfg.JWTSecret, "some-other-secret")

	req := newAuthedRequest(http.MethodGet, "/auth/verify", forged)
	rec := serve(router, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthHandler_LoginUnconfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.AdminUsername = ""
	handler := NewAuthHandler(cfg)

	router := gin.New()
	router.POST("/auth/login", handler.Login)

	w := doJSON(router, http.MethodPost, "/auth/login", map[string]interface{}{
		"username": "admin",
		"password": "swordfish",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
