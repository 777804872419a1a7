package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "hostel-portal"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue(Identity{UserID: "u-1", Email: "s@x.com", Role: RoleStudent, RegNumber: "H123456X"}, testIssuer, testKey, time.Minute, time.Hour)
	require.NoError(t, err)
	assert.True(t, pair.RefreshExp.After(pair.AccessExp))

	claims, err := Parse(pair.AccessToken, testKey, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u-1", Email: "s@x.com", Role: RoleStudent, RegNumber: "H123456X"}, claims.Identity())

	_, err = Parse(pair.AccessToken, "other-key", testIssuer)
	assert.Error(t, err)
	_, err = Parse(pair.AccessToken, testKey, "someone-else")
	assert.Error(t, err)
}

func TestParseRejectsExpired(t *testing.T) {
	pair, err := Issue(Identity{UserID: "u-1", Role: RoleStudent}, testIssuer, testKey, -time.Minute, time.Hour)
	require.NoError(t, err)
	_, err = Parse(pair.AccessToken, testKey, testIssuer)
	assert.Error(t, err)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	handlers := append(mw, func(c *gin.Context) {
		id, _ := FromContext(c)
		c.JSON(http.StatusOK, gin.H{"user": id.UserID})
	})
	r.GET("/", handlers...)
	return r
}

func do(r http.Handler, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func token(t *testing.T, role string) string {
	t.Helper()
	pair, err := Issue(Identity{UserID: "u-1", Email: "a@x.com", Role: role}, testIssuer, testKey, time.Minute, time.Hour)
	require.NoError(t, err)
	return "Bearer " + pair.AccessToken
}

func TestRequireUserAndRole(t *testing.T) {
	users := newRouter(RequireUser(testKey, testIssuer))
	assert.Equal(t, http.StatusUnauthorized, do(users, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(users, "Bearer garbage").Code)
	w := do(users, token(t, RoleStudent))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "u-1")

	admins := newRouter(RequireUser(testKey, testIssuer), RequireRole(RoleAdmin))
	assert.Equal(t, http.StatusForbidden, do(admins, token(t, RoleStudent)).Code)
	assert.Equal(t, http.StatusOK, do(admins, token(t, RoleAdmin)).Code)
}

func TestSharedSecret(t *testing.T) {
	r := newRouter(SharedSecret("s3cret"))
	assert.Equal(t, http.StatusUnauthorized, do(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "Bearer wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "s3cret").Code)
	assert.Equal(t, http.StatusOK, do(r, "Bearer s3cret").Code)

	closed := newRouter(SharedSecret(""))
	assert.Equal(t, http.StatusUnauthorized, do(closed, "Bearer ").Code)
}
