package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SigninTotal 登录次数，按主体类型与结果区分。
	SigninTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_signin_total",
		Help: "Sign-in attempts by principal kind and result.",
	}, []string{"kind", "result"})

	// CodesIssuedTotal 验证码签发次数。
	CodesIssuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_codes_issued_total",
		Help: "Verification codes issued by purpose.",
	}, []string{"purpose"})

	// CodeChecksTotal 验证码校验结果。
	CodeChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_code_checks_total",
		Help: "Verification code checks by purpose and result.",
	}, []string{"purpose", "result"})

	// EmailsSentTotal 邮件发送结果。
	EmailsSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdesk_emails_sent_total",
		Help: "Outgoing emails by template and result.",
	}, []string{"template", "result"})

	// RateLimitedTotal 被发码频控拒绝的请求数。
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatdesk_rate_limited_total",
		Help: "Code issue requests rejected by the cool-down limiter.",
	})

	// TokensRevokedTotal 注销时吊销令牌的次数。
	TokensRevokedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatdesk_tokens_revoked_total",
		Help: "Logout revocations recorded in the denylist.",
	})
)

var registerOnce sync.Once

// InitMetrics 注册全部指标到默认注册表，可重复调用。
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SigninTotal,
			CodesIssuedTotal,
			CodeChecksTotal,
			EmailsSentTotal,
			RateLimitedTotal,
			TokensRevokedTotal,
		)
	})
}
