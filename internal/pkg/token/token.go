package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL 会话令牌默认有效期。
const DefaultTTL = time.Hour

var (
	// ErrMissingSecret 签名密钥为空，属于致命配置错误。
	ErrMissingSecret = errors.New("token signing secret is empty")
	// ErrInvalidToken 签名错误、格式错误或已过期的令牌统一返回该错误。
	ErrInvalidToken = errors.New("invalid token")
)

// Claims 会话令牌携带的声明。
type Claims struct {
	ID         string `json:"id"`
	Role       string `json:"role,omitempty"`
	IssuedAtMs int64  `json:"iat_ms,omitempty"` // 毫秒级签发时间，iat 只精确到秒
	jwt.RegisteredClaims
}

// IssuedTime 返回签发时刻，优先使用毫秒声明。
func (c *Claims) IssuedTime() time.Time {
	if c.IssuedAtMs > 0 {
		return time.UnixMilli(c.IssuedAtMs)
	}
	if c.IssuedAt != nil {
		return c.IssuedAt.Time
	}
	return time.Time{}
}

// Codec 负责签发、校验与解码会话令牌。
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option 配置 Codec。
type Option func(*Codec)

// WithClock 替换时间源，测试中用来模拟过期。
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec 创建令牌编解码器。ttl <= 0 时使用 DefaultTTL。
func NewCodec(secret string, ttl time.Duration, opts ...Option) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Codec{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL 返回令牌有效期。
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Issue 为主体签发令牌，过期时间为签发时刻加 TTL。
func (c *Codec) Issue(principalID, role string) (string, error) {
	if c == nil || len(c.secret) == 0 {
		return "", ErrMissingSecret
	}
	now := c.now()
	claims := Claims{
		ID:         principalID,
		Role:       role,
		IssuedAtMs: now.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify 校验签名与过期时间，任何失败都返回 ErrInvalidToken。
func (c *Codec) Verify(tokenStr string) (*Claims, error) {
	if c == nil || tokenStr == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Decode 不校验签名直接解析声明。
//
// 仅用于调试展示，不能作为授权依据。
func (c *Codec) Decode(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
