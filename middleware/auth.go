package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendgraph/cache"
	"github.com/kasuganosora/friendgraph/config"
)

const AccountIDKey = "account_id"

// SessionKey is the cache key marking token as a live session.
func SessionKey(token string) string { return "session:" + token }

// SuspendedKey is the cache key present while an account is suspended.
func SuspendedKey(accountID int64) string {
	return "suspended:" + strconv.FormatInt(accountID, 10)
}

// Authenticate verifies a raw token against the secret and the session
// cache and returns its account ID. Suspended accounts are refused.
func Authenticate(ctx context.Context, tokenStr string, sec config.SecurityConfig, c cache.Cache) (int64, string) {
	claims, err := ParseToken(tokenStr, sec.JWTSecret)
	if err != nil {
		return 0, "invalid token"
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	exists, err := c.Exists(cacheCtx, SessionKey(tokenStr))
	if err != nil || !exists {
		return 0, "session expired"
	}
	suspended, err := c.Exists(cacheCtx, SuspendedKey(claims.AccountID))
	if err != nil || suspended {
		return 0, "account suspended"
	}
	return claims.AccountID, ""
}

// Auth validates the Bearer JWT token and checks the session cache.
func Auth(sec config.SecurityConfig, c cache.Cache) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		accountID, reason := Authenticate(ctx.Request.Context(), strings.TrimPrefix(header, "Bearer "), sec, c)
		if reason != "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reason})
			return
		}

		ctx.Set(AccountIDKey, accountID)
		ctx.Next()
	}
}

// GetAccountID retrieves the authenticated account ID from the Gin context.
func GetAccountID(c *gin.Context) int64 {
	if v, exists := c.Get(AccountIDKey); exists {
		return v.(int64)
	}
	return 0
}

// BearerToken returns the raw token of an authenticated request.
func BearerToken(c *gin.Context) string {
	return strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
}
