package authorization

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGuardFromEnvDisabledWithoutSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	guard, err := NewGuardFromEnv()
	require.NoError(t, err)
	assert.Nil(t, guard)
}

func TestNewGuardFromEnvWithSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	guard, err := NewGuardFromEnv()
	require.NoError(t, err)
	require.NotNil(t, guard)
	assert.NotNil(t, guard.RequireAuthenticated())
}

func TestNilGuardRejectsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var guard *Guard
	router := gin.New()
	router.GET("/protected", guard.RequireAuthenticated(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	router.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestGuardRejectsMissingToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	gin.SetMode(gin.TestMode)

	guard, err := NewGuardFromEnv()
	require.NoError(t, err)

	router := gin.New()
	router.GET("/protected", guard.RequireAuthenticated(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	router.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = httptest.NewRecorder()
	request = httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.Header.Set("Authorization", "Bearer not-a-token")
	router.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestClaimAccessorsWithoutToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	assert.Empty(t, UserID(c))
	assert.Empty(t, WorkspaceID(c))
}
