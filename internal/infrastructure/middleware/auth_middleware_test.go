package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(tokens *TokenService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(tokens))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subject": c.GetString("subject")})
	})
	return r
}

func TestIssueAndValidate(t *testing.T) {
	svc := NewTokenService("test-secret", time.Minute)

	token, err := svc.Issue("alice")
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	token, err := NewTokenService("secret-a", time.Minute).Issue("alice")
	require.NoError(t, err)

	_, err = NewTokenService("secret-b", time.Minute).Validate(token)
	assert.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	svc := NewTokenService("test-secret", -time.Minute)
	token, err := svc.Issue("alice")
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.Error(t, err)
}

func TestMiddlewareAllowsBearerToken(t *testing.T) {
	svc := NewTokenService("test-secret", time.Minute)
	router := testRouter(svc)

	token, err := svc.Issue("alice")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice")
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	router := testRouter(NewTokenService("test-secret", time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddlewareRejectsMalformedHeader(t *testing.T) {
	svc := NewTokenService("test-secret", time.Minute)
	router := testRouter(svc)
	token, err := svc.Issue("alice")
	require.NoError(t, err)

	for _, header := range []string{token, "Basic " + token, "Bearer"} {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", header)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
	}
}

func TestMiddlewareRejectsGarbageToken(t *testing.T) {
	router := testRouter(NewTokenService("test-secret", time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
