package api

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatdesk/internal/account"
	"chatdesk/internal/api/auth"
	"chatdesk/internal/api/middleware"
	"chatdesk/internal/config"
	"chatdesk/internal/model"
	"chatdesk/internal/pkg/metrics"
	"chatdesk/internal/pkg/notify"
	"chatdesk/internal/pkg/queue"
	"chatdesk/internal/pkg/ratelimit"
	"chatdesk/internal/pkg/revoke"
	"chatdesk/internal/pkg/session"
	"chatdesk/internal/pkg/token"
	"chatdesk/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

//go:embed templates/*.html
var templatesFS embed.FS

const cooldownKeyPrefix = "chatdesk:cooldown:"

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库、Redis 客户端、账户服务以及 Gin 路由引擎。
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	rdb      *redis.Client
	router   *gin.Engine
	auth     *auth.Handler
	codec    *token.Codec
	cookies  *session.Cookies
	denylist middleware.RevocationChecker
	profiles ProfileService
	plans    PlanLister
	alerts   *queue.Queue
}

// ProfileService 读取与修改主体资料。
type ProfileService interface {
	GetProfile(ctx context.Context, kind model.PrincipalKind, id string) (*account.Profile, error)
	UpdateProfile(ctx context.Context, kind model.PrincipalKind, id, username string) (*account.Profile, error)
}

// PlanLister 列出对外展示的套餐。
type PlanLister interface {
	ListPlans(ctx context.Context) ([]model.Plan, error)
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接数据库并执行自动迁移
// 2. 连接 Redis
// 3. 组装令牌、Cookie、邮件与账户服务
// 4. 初始化 Gin 路由引擎
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
//	error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	codec, err := token.NewCodec(cfg.Security.JWTSecret, cfg.Security.TokenTTL)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	st := store.New(db)
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	// 告警邮件走后台队列，独立于请求与信号上下文，Close 时排空
	alerts := queue.NewQueue(logger, 1, 64)
	alerts.Start(context.Background())
	emailNotifier := notify.NewEmailNotifier(&cfg.Email, logger)
	emailNotifier.SetAlertQueue(alerts)
	cooldown := ratelimit.NewCooldown(rdb, logger, cooldownKeyPrefix, cfg.Security.CodeCooldown)
	accounts := account.NewService(st, emailNotifier, cooldown, account.Options{
		CodeLength:  cfg.Security.CodeLength,
		CodeTTL:     cfg.Security.CodeTTL,
		MaxAttempts: cfg.Security.MaxCodeAttempts,
		ExposeCodes: cfg.App.ExposeCodes,
	}, logger)

	cookies := session.NewCookies(cfg.Security.CookieName, codec.TTL(), cfg.IsProduction())
	denylist := revoke.NewDenylist(rdb, codec.TTL())

	// 初始化 Prometheus 指标
	metrics.InitMetrics()

	gin.SetMode(gin.ReleaseMode)

	s := newServer(cfg, logger, serverDeps{
		store:    st,
		rdb:      rdb,
		auth:     auth.NewHandler(accounts, codec, cookies, denylist, logger),
		codec:    codec,
		cookies:  cookies,
		denylist: denylist,
		profiles: accounts,
		plans:    st,
		alerts:   alerts,
	})
	return s, nil
}

type serverDeps struct {
	store    *store.Store
	rdb      *redis.Client
	auth     *auth.Handler
	codec    *token.Codec
	cookies  *session.Cookies
	denylist middleware.RevocationChecker
	profiles ProfileService
	plans    PlanLister
	alerts   *queue.Queue
}

func newServer(cfg *config.Config, logger *slog.Logger, d serverDeps) *Server {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.SetHTMLTemplate(template.Must(template.ParseFS(templatesFS, "templates/*.html")))

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    d.store,
		rdb:      d.rdb,
		router:   r,
		auth:     d.auth,
		codec:    d.codec,
		cookies:  d.cookies,
		denylist: d.denylist,
		profiles: d.profiles,
		plans:    d.plans,
		alerts:   d.alerts,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Store 返回持久化层，供启动时写入种子数据。
func (s *Server) Store() *store.Store {
	return s.store
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.alerts != nil {
		if err := s.alerts.Shutdown(5 * time.Second); err != nil {
			firstErr = err
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	s.router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"success": false, "error": "Method not allowed"})
	})
	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Not found"})
	})

	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/verify", s.handleVerifyPage)

	api := s.router.Group("/api")
	if s.auth != nil {
		s.auth.Register(api.Group("/auth"))
	}
	api.GET("/plans", s.handleListPlans)

	authed := api.Group("/user")
	authed.Use(middleware.AuthMiddleware(s.codec, s.cookies, s.denylist, s.logger))
	authed.GET("/profile", s.handleGetProfile)
	authed.PUT("/profile", s.handleUpdateProfile)

	if s.cfg.App.EnableDebug && !s.cfg.IsProduction() {
		s.logger.Warn("debug auth endpoint enabled")
		api.GET("/debug/auth", s.handleDebugAuth)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.store == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleGetProfile(c *gin.Context) {
	id, kind, ok := middleware.Principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid token"})
		return
	}
	profile, err := s.profiles.GetProfile(c.Request.Context(), kind, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "User not found"})
		return
	}
	if err != nil {
		s.logger.Error("load profile failed", slog.String("principal_id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": profile})
}

type updateProfileRequest struct {
	Username string `json:"username" binding:"required,max=64"`
}

func (s *Server) handleUpdateProfile(c *gin.Context) {
	id, kind, ok := middleware.Principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid token"})
		return
	}
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Username is required"})
		return
	}
	profile, err := s.profiles.UpdateProfile(c.Request.Context(), kind, id, req.Username)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "User not found"})
		return
	}
	if err != nil {
		s.logger.Error("update profile failed", slog.String("principal_id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
		return
	}
	s.logger.Info("profile updated", slog.String("principal_id", id))
	c.JSON(http.StatusOK, gin.H{"success": true, "user": profile})
}

// handleListPlans 返回按价格升序的套餐列表。
//
// GET /api/plans
func (s *Server) handleListPlans(c *gin.Context) {
	plans, err := s.plans.ListPlans(c.Request.Context())
	if err != nil {
		s.logger.Error("list plans failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch plans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// handleDebugAuth 展示请求携带令牌的解析结果，始终返回 200。
//
// 仅在非生产环境且显式开启时注册。
func (s *Server) handleDebugAuth(c *gin.Context) {
	raw := session.BearerToken(c.GetHeader("Authorization"))
	debug := gin.H{
		"tokenSnippet": snippet(raw),
		"decoded":      nil,
		"isValid":      false,
	}
	if raw == "" {
		debug["error"] = "No token provided"
		c.JSON(http.StatusOK, gin.H{"success": false, "debug": debug})
		return
	}
	if claims, err := s.codec.Decode(raw); err == nil {
		debug["decoded"] = claims
	}
	_, err := s.codec.Verify(raw)
	debug["isValid"] = err == nil
	c.JSON(http.StatusOK, gin.H{"success": true, "debug": debug})
}

// handleVerifyPage 渲染邮箱验证页面。
//
// GET /verify?email=<email>&redirect=<path>
func (s *Server) handleVerifyPage(c *gin.Context) {
	c.HTML(http.StatusOK, "verify.html", gin.H{
		"Email":    c.Query("email"),
		"Redirect": safeRedirect(c.Query("redirect")),
	})
}

// safeRedirect 只接受站内路径，其余一律回到首页。
func safeRedirect(target string) string {
	target = strings.TrimSpace(target)
	if target == "" || !strings.HasPrefix(target, "/") {
		return "/"
	}
	if strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") || strings.ContainsAny(target, "\r\n\t") {
		return "/"
	}
	return target
}

func snippet(raw string) string {
	const n = 20
	if len(raw) <= n {
		return raw
	}
	return raw[:n] + "..."
}
