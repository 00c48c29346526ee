package authorization

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

const (
	identityKey     = "user_id"
	workspaceClaim  = "workspace_id"
	defaultTimeout  = time.Hour
	defaultJWTRealm = "minerva"
)

// Principal is the minimal identity carried inside JWT claims. Tokens are
// minted by the workspace gateway; this service only verifies them.
type Principal struct {
	UserID      string
	WorkspaceID string
}

// Guard wraps the JWT middleware with authorization helpers.
type Guard struct {
	jwt *jwt.GinJWTMiddleware
}

// NewGuardFromEnv builds a verification-only guard from JWT_SECRET. An
// unset secret disables authentication entirely and returns (nil, nil);
// callers must treat a nil guard as open access.
func NewGuardFromEnv() (*Guard, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, nil
	}

	middleware, err := jwt.New(&jwt.GinJWTMiddleware{
		Realm:       defaultJWTRealm,
		Key:         []byte(secret),
		Timeout:     defaultTimeout,
		MaxRefresh:  24 * time.Hour,
		IdentityKey: identityKey,
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			userID, _ := claims[identityKey].(string)
			workspaceID, _ := claims[workspaceClaim].(string)
			return &Principal{UserID: userID, WorkspaceID: workspaceID}
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			principal, ok := data.(*Principal)
			return ok && principal.UserID != "" && principal.WorkspaceID != ""
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": message})
		},
		TokenLookup:   "header: Authorization, cookie: jwt, cookie: token",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
	if err != nil {
		return nil, errors.New("authorization: build JWT middleware: " + err.Error())
	}
	return &Guard{jwt: middleware}, nil
}

// RequireAuthenticated ensures the request carries a valid JWT.
func (g *Guard) RequireAuthenticated() gin.HandlerFunc {
	if g == nil || g.jwt == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		}
	}
	return g.jwt.MiddlewareFunc()
}

// UserID returns the authenticated user's id, or "" without a valid token.
func UserID(c *gin.Context) string {
	claims := jwt.ExtractClaims(c)
	userID, _ := claims[identityKey].(string)
	return strings.TrimSpace(userID)
}

// WorkspaceID returns the token's workspace claim, or "" without a valid
// token.
func WorkspaceID(c *gin.Context) string {
	claims := jwt.ExtractClaims(c)
	workspaceID, _ := claims[workspaceClaim].(string)
	return strings.TrimSpace(workspaceID)
}
