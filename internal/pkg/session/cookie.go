package session

import (
	"net/http"
	"strings"
	"time"
)

// DefaultCookieName 会话 Cookie 名称。
const DefaultCookieName = "token"

// Cookies 负责把会话令牌写入/读出 HTTP Cookie。
type Cookies struct {
	name   string
	maxAge time.Duration
	secure bool
}

// NewCookies 创建 Cookie 适配器。secure 仅在生产环境为 true。
func NewCookies(name string, maxAge time.Duration, secure bool) *Cookies {
	if name == "" {
		name = DefaultCookieName
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Cookies{name: name, maxAge: maxAge, secure: secure}
}

// Name 返回 Cookie 名称。
func (c *Cookies) Name() string {
	return c.name
}

// Attach 将令牌写入响应的 Set-Cookie 头。
func (c *Cookies) Attach(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(c.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Clear 写入空值与负 Max-Age，让浏览器立即删除 Cookie。
func (c *Cookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Read 从请求中取出令牌，不存在或为空时返回 false。
func (c *Cookies) Read(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// BearerToken 解析 "Bearer <token>" 形式的 Authorization 头，格式不符时返回空串。
func BearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// FromRequest 优先取 Authorization 头中的令牌，其次取会话 Cookie。
func (c *Cookies) FromRequest(r *http.Request) (string, bool) {
	if tok := BearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok, true
	}
	return c.Read(r)
}
