package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatdesk/internal/account"
	"chatdesk/internal/model"
	"chatdesk/internal/pkg/session"
	"chatdesk/internal/pkg/token"
	"chatdesk/internal/store"
	"chatdesk/internal/store/storetest"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	codes []string
}

func (s *captureSender) SendCode(_ context.Context, _ string, code string, _ model.CodePurpose) error {
	s.codes = append(s.codes, code)
	return nil
}

type recordingRevoker struct {
	kind string
	id   string
}

func (r *recordingRevoker) RevokeBefore(_ context.Context, kind, principalID string, _ time.Time) error {
	r.kind, r.id = kind, principalID
	return nil
}

type failingAccounts struct {
	AccountService
}

func (failingAccounts) GenerateCode(context.Context, model.PrincipalKind, model.CodePurpose, string) (account.Result, error) {
	return account.Result{}, errors.New("dial tcp 10.0.0.3:3306: connection refused")
}

type fixture struct {
	router  *gin.Engine
	store   *store.Store
	sender  *captureSender
	codec   *token.Codec
	revoker *recordingRevoker
}

func newFixture(t *testing.T, exposeCodes bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := storetest.New(t)
	sender := &captureSender{}
	svc := account.NewService(st, sender, nil, account.Options{ExposeCodes: exposeCodes}, logger)
	codec, err := token.NewCodec("test-secret", time.Hour)
	require.NoError(t, err)
	revoker := &recordingRevoker{}

	h := NewHandler(svc, codec, session.NewCookies("token", time.Hour, false), revoker, logger)
	return &fixture{router: newRouter(h), store: st, sender: sender, codec: codec, revoker: revoker}
}

func newRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"success": false, "error": "Method not allowed"})
	})
	h.Register(r.Group("/api/auth"))
	return r
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	out := map[string]interface{}{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestAdminSignin_WrongPassword(t *testing.T) {
	f := newFixture(t, false)
	storetest.SeedAdmin(t, f.store, "a@b.com", "the-real-password")

	w, body := f.do(t, http.MethodPost, "/api/auth/admin/signin", gin.H{"email": "a@b.com", "password": "wrong"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, account.MsgInvalidLogin, body["error"])
	assert.Empty(t, w.Header().Values("Set-Cookie"))
}

func TestAdminSignin_SetsCookie(t *testing.T) {
	f := newFixture(t, false)
	admin := storetest.SeedAdmin(t, f.store, "a@b.com", "the-real-password")

	w, body := f.do(t, http.MethodPost, "/api/auth/admin/signin", gin.H{"email": "a@b.com", "password": "the-real-password"})
	require.Equal(t, http.StatusOK, w.Code, body)

	data, ok := body["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, admin.ID, data["id"])
	assert.Equal(t, "a@b.com", data["email"])
	assert.Equal(t, "admin", data["role"])
	assert.Equal(t, true, data["isActive"])
	assert.NotContains(t, data, "password")

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "token", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, 3600, cookies[0].MaxAge)

	claims, err := f.codec.Verify(cookies[0].Value)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, claims.ID)
}

func TestSignin_MissingFields(t *testing.T) {
	f := newFixture(t, false)

	w, body := f.do(t, http.MethodPost, "/api/auth/user/signin", gin.H{"email": "a@b.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])
}

func TestAuthRoutes_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, false)

	for _, path := range []string{
		"/api/auth/admin/signin",
		"/api/auth/admin/forgot-password",
		"/api/auth/user/forgot-password",
		"/api/auth/user/resend-verification",
		"/api/auth/user/verify",
	} {
		w, body := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
		assert.Equal(t, false, body["success"], path)
		assert.Equal(t, "Method not allowed", body["error"], path)
	}
}

func TestForgotPassword_UnregisteredEmail(t *testing.T) {
	f := newFixture(t, true)

	w, body := f.do(t, http.MethodPost, "/api/auth/user/forgot-password", gin.H{"email": "ghost@example.com"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, account.MsgCodeSent, body["message"])
	assert.NotContains(t, body, "code")
}

func TestForgotPassword_InternalErrorIsGeneric(t *testing.T) {
	gin.SetMode(gin.TestMode)
	codec, err := token.NewCodec("test-secret", time.Hour)
	require.NoError(t, err)
	h := NewHandler(failingAccounts{}, codec, session.NewCookies("token", time.Hour, false), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f := &fixture{router: newRouter(h)}

	w, body := f.do(t, http.MethodPost, "/api/auth/admin/forgot-password", gin.H{"email": "a@b.com"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Internal server error", body["error"])
	assert.NotContains(t, w.Body.String(), "10.0.0.3")
}

func TestResendAndVerify(t *testing.T) {
	f := newFixture(t, true)
	user := storetest.SeedUser(t, f.store, "new@example.com", "pw-123456", false)

	w, body := f.do(t, http.MethodPost, "/api/auth/user/resend-verification", gin.H{"email": "new@example.com"})
	require.Equal(t, http.StatusOK, w.Code, body)
	code, _ := body["code"].(string)
	require.Len(t, code, 6)
	assert.Equal(t, f.sender.codes[len(f.sender.codes)-1], code)

	w, body = f.do(t, http.MethodPost, "/api/auth/user/verify", gin.H{"email": "new@example.com", "code": "not-it"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, account.MsgInvalidCode, body["error"])

	w, body = f.do(t, http.MethodPost, "/api/auth/user/verify", gin.H{"email": "new@example.com", "code": code})
	require.Equal(t, http.StatusOK, w.Code, body)
	data, ok := body["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, user.ID, data["id"])
	assert.Equal(t, true, data["isVerified"])
}

func TestVerify_AlreadyVerifiedWrongCode(t *testing.T) {
	f := newFixture(t, false)
	storetest.SeedUser(t, f.store, "victim@example.com", "pw-123456", true)

	w, body := f.do(t, http.MethodPost, "/api/auth/user/verify", gin.H{"email": "victim@example.com", "code": "000000"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, account.MsgInvalidCode, body["error"])
	assert.NotContains(t, body, "data")
	assert.NotContains(t, w.Body.String(), "victim@example.com")
}

func TestSignupThenSignin(t *testing.T) {
	f := newFixture(t, false)

	w, body := f.do(t, http.MethodPost, "/api/auth/user/signup", gin.H{"email": "n@example.com", "username": "n", "password": "pw-123456"})
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.NotContains(t, body, "code")

	w, body = f.do(t, http.MethodPost, "/api/auth/user/signin", gin.H{"email": "n@example.com", "password": "pw-123456"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, account.MsgNotVerified, body["error"])

	w, _ = f.do(t, http.MethodPost, "/api/auth/user/verify", gin.H{"email": "n@example.com", "code": f.sender.codes[0]})
	require.Equal(t, http.StatusOK, w.Code)

	w, body = f.do(t, http.MethodPost, "/api/auth/user/signin", gin.H{"email": "n@example.com", "password": "pw-123456"})
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Len(t, w.Result().Cookies(), 1)
}

func TestResetPasswordFlow(t *testing.T) {
	f := newFixture(t, false)
	storetest.SeedAdmin(t, f.store, "root@example.com", "old-password")

	w, _ := f.do(t, http.MethodPost, "/api/auth/admin/forgot-password", gin.H{"email": "root@example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.sender.codes, 1)

	w, body := f.do(t, http.MethodPost, "/api/auth/admin/reset-password", gin.H{"email": "root@example.com", "code": f.sender.codes[0], "password": "new-password"})
	require.Equal(t, http.StatusOK, w.Code, body)

	w, _ = f.do(t, http.MethodPost, "/api/auth/admin/signin", gin.H{"email": "root@example.com", "password": "new-password"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogout_ClearsCookieAndRevokes(t *testing.T) {
	f := newFixture(t, false)
	tok, err := f.codec.Issue("u-1", string(model.KindAdmin))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: tok})
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Empty(t, cookies[0].Value)
	assert.Less(t, cookies[0].MaxAge, 0)
	assert.Equal(t, "admin", f.revoker.kind)
	assert.Equal(t, "u-1", f.revoker.id)
}
