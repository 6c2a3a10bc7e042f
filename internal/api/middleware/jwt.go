package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"chatdesk/internal/model"
	"chatdesk/internal/pkg/session"
	"chatdesk/internal/pkg/token"

	"github.com/gin-gonic/gin"
)

// 上下文键。
const (
	CtxPrincipalID = "principalID"
	CtxKind        = "principalKind"
)

// RevocationChecker 判断令牌是否已在注销时被吊销。
type RevocationChecker interface {
	IsRevoked(ctx context.Context, kind, principalID string, issuedAt time.Time) (bool, error)
}

// AuthMiddleware 校验 Bearer 令牌（无头部时回退到会话 Cookie），
// 并将主体 ID 与类型写入上下文。
func AuthMiddleware(codec *token.Codec, cookies *session.Cookies, revoked RevocationChecker, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := cookies.FromRequest(c.Request)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "No token provided"})
			return
		}

		claims, err := codec.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Invalid token"})
			return
		}

		kind := model.PrincipalKind(claims.Role)
		if !kind.Valid() {
			kind = model.KindUser
		}

		if issued := claims.IssuedTime(); revoked != nil && !issued.IsZero() {
			gone, err := revoked.IsRevoked(c.Request.Context(), string(kind), claims.ID, issued)
			if err != nil && logger != nil {
				// Redis 故障时按未吊销处理
				logger.Warn("revocation check failed", slog.String("error", err.Error()))
			}
			if gone {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Invalid token"})
				return
			}
		}

		c.Set(CtxPrincipalID, claims.ID)
		c.Set(CtxKind, kind)
		c.Next()
	}
}

// Principal 读取 AuthMiddleware 写入的主体信息。
func Principal(c *gin.Context) (string, model.PrincipalKind, bool) {
	id := c.GetString(CtxPrincipalID)
	kindVal, ok := c.Get(CtxKind)
	if id == "" || !ok {
		return "", "", false
	}
	kind, ok := kindVal.(model.PrincipalKind)
	return id, kind, ok
}
