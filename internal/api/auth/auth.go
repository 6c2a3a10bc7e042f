package auth

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"chatdesk/internal/account"
	"chatdesk/internal/model"
	"chatdesk/internal/pkg/metrics"
	"chatdesk/internal/pkg/session"
	"chatdesk/internal/pkg/token"

	"github.com/gin-gonic/gin"
)

const msgInternal = "Internal server error"

// AccountService 认证接口依赖的账户操作。
type AccountService interface {
	GenerateCode(ctx context.Context, kind model.PrincipalKind, purpose model.CodePurpose, email string) (account.Result, error)
	VerifyCode(ctx context.Context, kind model.PrincipalKind, email, code string) (account.Result, error)
	ResetPassword(ctx context.Context, kind model.PrincipalKind, email, code, newPassword string) (account.Result, error)
	Authenticate(ctx context.Context, kind model.PrincipalKind, email, password string) (account.Result, error)
	Signup(ctx context.Context, email, username, password string) (account.Result, error)
}

// Revoker 注销时吊销已签发令牌。
type Revoker interface {
	RevokeBefore(ctx context.Context, kind, principalID string, at time.Time) error
}

// Handler 提供注册、登录、验证码与注销接口。
type Handler struct {
	accounts AccountService
	codec    *token.Codec
	cookies  *session.Cookies
	revoker  Revoker
	logger   *slog.Logger
}

// NewHandler 创建 Auth Handler。revoker 可以为 nil。
func NewHandler(accounts AccountService, codec *token.Codec, cookies *session.Cookies, revoker Revoker, logger *slog.Logger) *Handler {
	return &Handler{
		accounts: accounts,
		codec:    codec,
		cookies:  cookies,
		revoker:  revoker,
		logger:   logger,
	}
}

type emailRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type signinRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type signupRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Username string `json:"username" binding:"required,max=64"`
	Password string `json:"password" binding:"required,min=6"`
}

type verifyRequest struct {
	Email string `json:"email" binding:"required,email"`
	Code  string `json:"code" binding:"required"`
}

type resetRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Code     string `json:"code" binding:"required"`
	Password string `json:"password" binding:"required,min=6"`
}

// Register 挂载 /api/auth 下的全部路由。
func (h *Handler) Register(rg *gin.RouterGroup) {
	admin := rg.Group("/admin")
	admin.POST("/signin", h.signin(model.KindAdmin))
	admin.POST("/forgot-password", h.forgotPassword(model.KindAdmin))
	admin.POST("/reset-password", h.resetPassword(model.KindAdmin))

	user := rg.Group("/user")
	user.POST("/signup", h.Signup)
	user.POST("/signin", h.signin(model.KindUser))
	user.POST("/forgot-password", h.forgotPassword(model.KindUser))
	user.POST("/reset-password", h.resetPassword(model.KindUser))
	user.POST("/resend-verification", h.ResendVerification)
	user.POST("/verify", h.Verify)

	rg.POST("/logout", h.Logout)
}

func (h *Handler) signin(kind model.PrincipalKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req signinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Email and password are required")
			return
		}

		res, err := h.accounts.Authenticate(c.Request.Context(), kind, req.Email, req.Password)
		if err != nil {
			h.internalError(c, "signin failed", err)
			return
		}
		if !res.OK() {
			h.reply(c, res)
			return
		}

		tok, err := h.codec.Issue(res.Principal.ID, string(res.Principal.Kind))
		if err != nil {
			h.internalError(c, "sign token failed", err)
			return
		}
		h.cookies.Attach(c.Writer, tok)

		h.logger.Info("principal signed in",
			slog.String("kind", string(kind)),
			slog.String("principal_id", res.Principal.ID),
		)
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data": gin.H{
				"id":       res.Principal.ID,
				"username": res.Principal.Username,
				"email":    res.Principal.Email,
				"role":     res.Principal.Role,
				"isActive": res.Principal.IsActive,
			},
		})
	}
}

func (h *Handler) forgotPassword(kind model.PrincipalKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req emailRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "A valid email is required")
			return
		}
		res, err := h.accounts.GenerateCode(c.Request.Context(), kind, model.PurposeReset, req.Email)
		if err != nil {
			h.internalError(c, "issue reset code failed", err)
			return
		}
		h.reply(c, res)
	}
}

func (h *Handler) resetPassword(kind model.PrincipalKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Email, code and a password of at least 6 characters are required")
			return
		}
		res, err := h.accounts.ResetPassword(c.Request.Context(), kind, req.Email, req.Code, req.Password)
		if err != nil {
			h.internalError(c, "reset password failed", err)
			return
		}
		h.reply(c, res)
	}
}

// Signup 注册新用户并发送验证码。
func (h *Handler) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Email, username and a password of at least 6 characters are required")
		return
	}
	res, err := h.accounts.Signup(c.Request.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		h.internalError(c, "signup failed", err)
		return
	}
	h.reply(c, res)
}

// ResendVerification 重新发送注册验证码。
func (h *Handler) ResendVerification(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "A valid email is required")
		return
	}
	res, err := h.accounts.GenerateCode(c.Request.Context(), model.KindUser, model.PurposeSignup, req.Email)
	if err != nil {
		h.internalError(c, "resend verification failed", err)
		return
	}
	h.reply(c, res)
}

// Verify 校验注册验证码。
func (h *Handler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Email and code are required")
		return
	}
	res, err := h.accounts.VerifyCode(c.Request.Context(), model.KindUser, req.Email, req.Code)
	if err != nil {
		h.internalError(c, "verify code failed", err)
		return
	}
	if !res.OK() {
		h.reply(c, res)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": res.Message, "data": res.Principal})
}

// Logout 清除会话 Cookie，并吊销该主体此前签发的令牌。
func (h *Handler) Logout(c *gin.Context) {
	raw, _ := h.cookies.FromRequest(c.Request)
	if claims, err := h.codec.Verify(raw); err == nil && h.revoker != nil {
		kind := model.KindUser
		if claims.Role == string(model.KindAdmin) {
			kind = model.KindAdmin
		}
		if err := h.revoker.RevokeBefore(c.Request.Context(), string(kind), claims.ID, time.Now()); err != nil {
			h.logger.Warn("revoke token failed", slog.String("principal_id", claims.ID), slog.String("error", err.Error()))
		} else {
			metrics.TokensRevokedTotal.Inc()
		}
	}
	h.cookies.Clear(c.Writer)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged out"})
}

// reply 把账户服务的结果映射为响应体。
func (h *Handler) reply(c *gin.Context, res account.Result) {
	if res.OK() {
		body := gin.H{"success": true, "message": res.Message}
		if res.Code != "" {
			body["code"] = res.Code
		}
		c.JSON(http.StatusOK, body)
		return
	}
	body := gin.H{"success": false, "error": res.Message}
	if res.Status == http.StatusTooManyRequests && res.RetryAfter > 0 {
		secs := int(math.Ceil(res.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.Itoa(secs))
		body["retry_after"] = secs
	}
	c.JSON(res.Status, body)
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": msgInternal})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}
