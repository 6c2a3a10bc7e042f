package account

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatdesk/internal/model"
	"chatdesk/internal/pkg/metrics"
	"chatdesk/internal/store"

	"golang.org/x/crypto/bcrypt"
)

// 对外返回的提示语。
const (
	MsgCodeSent        = "If the email is registered, a verification code has been sent"
	MsgSignupCodeSent  = "Verification code sent"
	MsgInvalidCode     = "Invalid or expired code"
	MsgInvalidLogin    = "Invalid email or password"
	MsgNotVerified     = "Email not verified"
	MsgDisabled        = "Account is disabled"
	MsgTooManyRequests = "Too many requests, please try again later"
	MsgEmailFailed     = "Failed to send email"
	MsgEmailVerified   = "Email verified"
	MsgPasswordReset   = "Password has been reset"
	MsgEmailTaken      = "Email already registered"
	MsgSignedIn        = "Signed in"
)

// Store 账户服务依赖的持久化操作。
type Store interface {
	FindAccountByEmail(ctx context.Context, kind model.PrincipalKind, email string) (*model.Account, error)
	FindAccountByID(ctx context.Context, kind model.PrincipalKind, id string) (*model.Account, error)
	FindUserByID(ctx context.Context, id string) (*model.User, error)
	CreateUser(ctx context.Context, user *model.User) error
	DeleteUser(ctx context.Context, id string) error
	UpdateAccount(ctx context.Context, kind model.PrincipalKind, id string, updates map[string]interface{}) error
	ReplaceCode(ctx context.Context, code *model.VerificationCode) error
	FindCode(ctx context.Context, kind model.PrincipalKind, principalID string, purpose model.CodePurpose) (*model.VerificationCode, error)
	IncrementAttempts(ctx context.Context, codeID uint) (int, error)
	DeleteCode(ctx context.Context, codeID uint) error
	ConsumeCode(ctx context.Context, code *model.VerificationCode, updates map[string]interface{}) error
}

// Sender 投递验证码。
type Sender interface {
	SendCode(ctx context.Context, toEmail string, code string, purpose model.CodePurpose) error
}

// Limiter 发码频控。Reset 用于归还未投递成功的发码额度。
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
	Reset(ctx context.Context, key string) error
}

// Options 账户服务参数。
type Options struct {
	CodeLength  int           // 验证码位数
	CodeTTL     time.Duration // 验证码有效期
	MaxAttempts int           // 单个验证码允许的错误次数
	ExposeCodes bool          // 在结果中回显验证码（仅非生产环境）
}

// Result 是各业务操作的统一结果，Status 为建议的 HTTP 状态码。
type Result struct {
	Status     int
	Message    string
	Code       string           // 仅 ExposeCodes 时填充
	RetryAfter time.Duration    // 429 时的建议等待时间
	Principal  *model.Principal // 登录/验证成功时的主体
}

// OK 是否成功。
func (r Result) OK() bool {
	return r.Status == http.StatusOK
}

func fail(status int, message string) Result {
	return Result{Status: status, Message: message}
}

// Service 实现验证码签发/校验、登录与密码重置。
type Service struct {
	store   Store
	sender  Sender
	limiter Limiter
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewService 创建账户服务。limiter 可以为 nil（不限频）。
func NewService(st Store, sender Sender, limiter Limiter, opts Options, logger *slog.Logger) *Service {
	if opts.CodeLength <= 0 {
		opts.CodeLength = 6
	}
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = 10 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Service{
		store:   st,
		sender:  sender,
		limiter: limiter,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// GenerateCode 为邮箱对应的主体签发新验证码并发送邮件。
//
// 邮箱未注册、账户停用或（注册用途下）已验证时同样返回 200 与通用提示，
// 不暴露邮箱是否存在。
func (s *Service) GenerateCode(ctx context.Context, kind model.PrincipalKind, purpose model.CodePurpose, email string) (Result, error) {
	email = model.NormalizeEmail(email)

	acct, err := s.store.FindAccountByEmail(ctx, kind, email)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Info("code requested for unknown email", slog.String("kind", string(kind)), slog.String("purpose", string(purpose)))
		return Result{Status: http.StatusOK, Message: MsgCodeSent}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("find account: %w", err)
	}
	if !acct.IsActive || (purpose == model.PurposeSignup && acct.IsVerified) {
		return Result{Status: http.StatusOK, Message: MsgCodeSent}, nil
	}

	return s.issue(ctx, kind, purpose, acct)
}

func (s *Service) issue(ctx context.Context, kind model.PrincipalKind, purpose model.CodePurpose, acct *model.Account) (Result, error) {
	limitKey := string(kind) + ":" + string(purpose) + ":" + acct.Email
	if s.limiter != nil {
		ok, wait, err := s.limiter.Allow(ctx, limitKey)
		if err != nil {
			// Redis 不可用时放行，频控不阻断主流程
			s.logger.Warn("code cooldown check failed", slog.String("error", err.Error()))
		} else if !ok {
			return Result{Status: http.StatusTooManyRequests, Message: MsgTooManyRequests, RetryAfter: wait}, nil
		}
	}

	code, err := generateCode(s.opts.CodeLength)
	if err != nil {
		return Result{}, fmt.Errorf("generate code: %w", err)
	}
	record := &model.VerificationCode{
		PrincipalKind: kind,
		PrincipalID:   acct.ID,
		Purpose:       purpose,
		CodeHash:      hashCode(code),
		ExpiresAt:     s.now().Add(s.opts.CodeTTL),
	}
	if err := s.store.ReplaceCode(ctx, record); err != nil {
		return Result{}, fmt.Errorf("save code: %w", err)
	}

	if err := s.sender.SendCode(ctx, acct.Email, code, purpose); err != nil {
		if delErr := s.store.DeleteCode(ctx, record.ID); delErr != nil {
			s.logger.Warn("drop undelivered code failed", slog.String("error", delErr.Error()))
		}
		// 邮件未送达不占用冷却期，用户可以立即重试
		if s.limiter != nil {
			if rstErr := s.limiter.Reset(ctx, limitKey); rstErr != nil {
				s.logger.Warn("release code cooldown failed", slog.String("error", rstErr.Error()))
			}
		}
		return fail(http.StatusInternalServerError, MsgEmailFailed), nil
	}

	metrics.CodesIssuedTotal.WithLabelValues(string(purpose)).Inc()
	s.logger.Info("verification code issued", slog.String("kind", string(kind)), slog.String("purpose", string(purpose)), slog.String("principal_id", acct.ID))

	res := Result{Status: http.StatusOK, Message: MsgCodeSent}
	if s.opts.ExposeCodes {
		res.Code = code
	}
	return res, nil
}

// VerifyCode 校验注册验证码，成功后标记主体已验证并作废验证码。
func (s *Service) VerifyCode(ctx context.Context, kind model.PrincipalKind, email, code string) (Result, error) {
	acct, err := s.store.FindAccountByEmail(ctx, kind, email)
	if errors.Is(err, store.ErrNotFound) {
		return fail(http.StatusBadRequest, MsgInvalidCode), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("find account: %w", err)
	}
	// 已验证账户没有待用的注册验证码，按无效验证码处理，不回显资料
	if acct.IsVerified {
		metrics.CodeChecksTotal.WithLabelValues(string(model.PurposeSignup), "missing").Inc()
		return fail(http.StatusBadRequest, MsgInvalidCode), nil
	}

	record, res, err := s.checkCode(ctx, kind, model.PurposeSignup, acct.ID, code)
	if err != nil || record == nil {
		return res, err
	}
	if err := s.store.ConsumeCode(ctx, record, map[string]interface{}{"is_verified": true}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(http.StatusBadRequest, MsgInvalidCode), nil
		}
		return Result{}, fmt.Errorf("consume code: %w", err)
	}

	acct.IsVerified = true
	p := model.PublicAccount(kind, acct)
	s.logger.Info("email verified", slog.String("kind", string(kind)), slog.String("principal_id", acct.ID))
	return Result{Status: http.StatusOK, Message: MsgEmailVerified, Principal: &p}, nil
}

// ResetPassword 校验找回密码验证码并设置新密码。
func (s *Service) ResetPassword(ctx context.Context, kind model.PrincipalKind, email, code, newPassword string) (Result, error) {
	acct, err := s.store.FindAccountByEmail(ctx, kind, email)
	if errors.Is(err, store.ErrNotFound) {
		return fail(http.StatusBadRequest, MsgInvalidCode), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("find account: %w", err)
	}

	record, res, err := s.checkCode(ctx, kind, model.PurposeReset, acct.ID, code)
	if err != nil || record == nil {
		return res, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return Result{}, fmt.Errorf("hash password: %w", err)
	}
	// 能收到邮件即证明邮箱归属
	updates := map[string]interface{}{"password": string(hash), "is_verified": true}
	if err := s.store.ConsumeCode(ctx, record, updates); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(http.StatusBadRequest, MsgInvalidCode), nil
		}
		return Result{}, fmt.Errorf("consume code: %w", err)
	}

	s.logger.Info("password reset", slog.String("kind", string(kind)), slog.String("principal_id", acct.ID))
	return Result{Status: http.StatusOK, Message: MsgPasswordReset}, nil
}

// checkCode 比对验证码。record 为 nil 时 res 即最终结果。
//
// 过期、不存在、错误和次数耗尽都返回同一条提示。
func (s *Service) checkCode(ctx context.Context, kind model.PrincipalKind, purpose model.CodePurpose, principalID, code string) (*model.VerificationCode, Result, error) {
	invalid := fail(http.StatusBadRequest, MsgInvalidCode)

	record, err := s.store.FindCode(ctx, kind, principalID, purpose)
	if errors.Is(err, store.ErrNotFound) {
		metrics.CodeChecksTotal.WithLabelValues(string(purpose), "missing").Inc()
		return nil, invalid, nil
	}
	if err != nil {
		return nil, Result{}, fmt.Errorf("find code: %w", err)
	}

	if record.Expired(s.now()) || record.Attempts >= s.opts.MaxAttempts {
		metrics.CodeChecksTotal.WithLabelValues(string(purpose), "expired").Inc()
		if err := s.store.DeleteCode(ctx, record.ID); err != nil {
			return nil, Result{}, fmt.Errorf("delete code: %w", err)
		}
		return nil, invalid, nil
	}

	given := hashCode(strings.TrimSpace(code))
	if subtle.ConstantTimeCompare([]byte(given), []byte(record.CodeHash)) != 1 {
		metrics.CodeChecksTotal.WithLabelValues(string(purpose), "mismatch").Inc()
		attempts, err := s.store.IncrementAttempts(ctx, record.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, Result{}, fmt.Errorf("count attempt: %w", err)
		}
		if attempts >= s.opts.MaxAttempts {
			s.logger.Warn("verification code exhausted", slog.String("kind", string(kind)), slog.String("principal_id", principalID))
			if err := s.store.DeleteCode(ctx, record.ID); err != nil {
				return nil, Result{}, fmt.Errorf("delete code: %w", err)
			}
		}
		return nil, invalid, nil
	}

	metrics.CodeChecksTotal.WithLabelValues(string(purpose), "ok").Inc()
	return record, Result{}, nil
}

// Authenticate 校验邮箱与密码，成功时更新最近登录时间。
func (s *Service) Authenticate(ctx context.Context, kind model.PrincipalKind, email, password string) (Result, error) {
	acct, err := s.store.FindAccountByEmail(ctx, kind, email)
	if errors.Is(err, store.ErrNotFound) {
		// 与已注册邮箱付出相同的 bcrypt 开销，避免响应时间泄露邮箱是否存在
		_ = bcrypt.CompareHashAndPassword(dummyPasswordHash(), []byte(password))
		metrics.SigninTotal.WithLabelValues(string(kind), "unknown").Inc()
		return fail(http.StatusBadRequest, MsgInvalidLogin), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("find account: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.Password), []byte(password)); err != nil {
		metrics.SigninTotal.WithLabelValues(string(kind), "bad_password").Inc()
		return fail(http.StatusBadRequest, MsgInvalidLogin), nil
	}
	if !acct.IsActive {
		metrics.SigninTotal.WithLabelValues(string(kind), "disabled").Inc()
		return fail(http.StatusForbidden, MsgDisabled), nil
	}
	if kind == model.KindUser && !acct.IsVerified {
		metrics.SigninTotal.WithLabelValues(string(kind), "unverified").Inc()
		return fail(http.StatusForbidden, MsgNotVerified), nil
	}

	now := s.now()
	if err := s.store.UpdateAccount(ctx, kind, acct.ID, map[string]interface{}{"last_login_at": now}); err != nil {
		return Result{}, fmt.Errorf("touch last login: %w", err)
	}
	acct.LastLoginAt = &now

	metrics.SigninTotal.WithLabelValues(string(kind), "ok").Inc()
	p := model.PublicAccount(kind, acct)
	return Result{Status: http.StatusOK, Message: MsgSignedIn, Principal: &p}, nil
}

// Signup 注册新用户并发送注册验证码。
//
// 已存在但未验证的邮箱会重新发码；已验证的邮箱返回 409。
func (s *Service) Signup(ctx context.Context, email, username, password string) (Result, error) {
	email = model.NormalizeEmail(email)

	existing, err := s.store.FindAccountByEmail(ctx, model.KindUser, email)
	if err == nil {
		if existing.IsVerified {
			return fail(http.StatusConflict, MsgEmailTaken), nil
		}
		res, err := s.issue(ctx, model.KindUser, model.PurposeSignup, existing)
		if err == nil && res.OK() {
			res.Message = MsgSignupCodeSent
		}
		return res, err
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("find account: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Result{}, fmt.Errorf("hash password: %w", err)
	}
	user := &model.User{Account: model.Account{
		Email:    email,
		Username: strings.TrimSpace(username),
		Password: string(hash),
		Role:     string(model.KindUser),
		IsActive: true,
	}}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fail(http.StatusConflict, MsgEmailTaken), nil
		}
		return Result{}, fmt.Errorf("create user: %w", err)
	}

	res, err := s.issue(ctx, model.KindUser, model.PurposeSignup, &user.Account)
	if err != nil || !res.OK() {
		if delErr := s.store.DeleteUser(ctx, user.ID); delErr != nil {
			s.logger.Warn("rollback signup failed", slog.String("email", email), slog.String("error", delErr.Error()))
		}
		return res, err
	}
	res.Message = MsgSignupCodeSent
	s.logger.Info("user registered", slog.String("principal_id", user.ID))
	return res, nil
}

// Profile 主体资料，用户会附带当前套餐。
type Profile struct {
	model.Principal
	CreatedAt time.Time   `json:"createdAt"`
	Plan      *model.Plan `json:"plan,omitempty"`
}

// GetProfile 读取主体资料，不存在时返回 store.ErrNotFound。
func (s *Service) GetProfile(ctx context.Context, kind model.PrincipalKind, id string) (*Profile, error) {
	if kind == model.KindAdmin {
		acct, err := s.store.FindAccountByID(ctx, kind, id)
		if err != nil {
			return nil, err
		}
		return &Profile{Principal: model.PublicAccount(kind, acct), CreatedAt: acct.CreatedAt}, nil
	}
	user, err := s.store.FindUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Profile{Principal: model.PublicUser(user), CreatedAt: user.CreatedAt, Plan: user.Plan}, nil
}

// UpdateProfile 修改用户名并返回最新资料。
func (s *Service) UpdateProfile(ctx context.Context, kind model.PrincipalKind, id, username string) (*Profile, error) {
	if err := s.store.UpdateAccount(ctx, kind, id, map[string]interface{}{"username": strings.TrimSpace(username)}); err != nil {
		return nil, err
	}
	return s.GetProfile(ctx, kind, id)
}

// generateCode 生成 n 位均匀分布的数字验证码。
func generateCode(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("invalid code length")
	}
	buf := make([]byte, n)
	ten := big.NewInt(10)
	for i := range buf {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		buf[i] = byte('0' + d.Int64())
	}
	return string(buf), nil
}

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// dummyPasswordHash 返回一个与真实密码同成本的占位哈希。
func dummyPasswordHash() []byte {
	dummyHashOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("chatdesk-placeholder-password"), bcrypt.DefaultCost)
		if err == nil {
			dummyHash = h
		}
	})
	return dummyHash
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
