package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strings"

	"chatdesk/internal/config"
	"chatdesk/internal/model"
	"chatdesk/internal/pkg/metrics"
	"chatdesk/internal/pkg/queue"

	"gopkg.in/gomail.v2"
)

// ErrNotConfigured 邮件配置缺失。
var ErrNotConfigured = errors.New("email config missing")

// mailDialer 抽象 gomail.Dialer，便于测试替换。
type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// AlertQueue 异步执行告警投递。
type AlertQueue interface {
	Enqueue(job queue.Job) bool
}

// EmailNotifier 通过 SMTP（Resend）发送邮件。
type EmailNotifier struct {
	cfg       *config.EmailConfig
	logger    *slog.Logger
	newDialer func() mailDialer
	alerts    AlertQueue
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
	n.newDialer = func() mailDialer {
		return gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	}
	return n
}

// SetAlertQueue 设置告警队列。未设置时告警在调用方 goroutine 内同步发送。
func (n *EmailNotifier) SetAlertQueue(q AlertQueue) {
	n.alerts = q
}

// SendCode 发送验证码邮件。
//
// 发送失败时记录日志并向运维邮箱发送告警（尽力而为），原始错误返回给调用方。
func (n *EmailNotifier) SendCode(ctx context.Context, toEmail string, code string, purpose model.CodePurpose) error {
	subject, body := n.render(toEmail, code, purpose)
	err := n.send(toEmail, subject, body)
	if err == nil {
		metrics.EmailsSentTotal.WithLabelValues(string(purpose), "ok").Inc()
		n.logger.Info("verification email sent", slog.String("to", toEmail), slog.String("purpose", string(purpose)))
		return nil
	}

	metrics.EmailsSentTotal.WithLabelValues(string(purpose), "error").Inc()
	n.logger.Error("send verification email failed",
		slog.String("to", toEmail),
		slog.String("purpose", string(purpose)),
		slog.String("error", err.Error()),
	)
	if n.alerts == nil {
		n.alert(toEmail, purpose, err)
		return err
	}
	cause := err
	if !n.alerts.Enqueue(func(context.Context) error {
		n.alert(toEmail, purpose, cause)
		return nil
	}) {
		n.logger.Warn("alert dropped", slog.String("to", toEmail))
	}
	return err
}

// alert 通知运维邮件投递失败，失败只记日志。
func (n *EmailNotifier) alert(toEmail string, purpose model.CodePurpose, cause error) {
	if strings.TrimSpace(n.cfg.AlertEmail) == "" {
		return
	}
	if err := n.send(n.cfg.AlertEmail, "[Chatdesk] Email delivery failure", alertBody(toEmail, purpose, cause)); err != nil {
		metrics.EmailsSentTotal.WithLabelValues("alert", "error").Inc()
		n.logger.Warn("send alert email failed", slog.String("error", err.Error()))
		return
	}
	metrics.EmailsSentTotal.WithLabelValues("alert", "ok").Inc()
}

// alertBody 渲染告警正文，收件人与错误信息均来自外部输入，需转义。
func alertBody(toEmail string, purpose model.CodePurpose, cause error) string {
	return fmt.Sprintf(`<p>Delivery of a <b>%s</b> email to <code>%s</code> failed.</p><p>Error: %s</p>`,
		html.EscapeString(string(purpose)), html.EscapeString(toEmail), html.EscapeString(cause.Error()))
}

func (n *EmailNotifier) send(toEmail, subject, body string) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPPass == "" || n.cfg.FromEmail == "" {
		return ErrNotConfigured
	}
	if strings.TrimSpace(toEmail) == "" {
		return fmt.Errorf("empty recipient")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)

	if err := n.newDialer().DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (n *EmailNotifier) render(toEmail, code string, purpose model.CodePurpose) (string, string) {
	if purpose == model.PurposeReset {
		link := strings.TrimRight(n.cfg.AppURL, "/") + "/reset-password?" + url.Values{
			"email": {toEmail},
			"code":  {code},
		}.Encode()
		return "[Chatdesk] Reset your password", fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>Reset your Chatdesk password</h2>
    <p>Use this code to reset your password:</p>
    <div style="font-size: 28px; font-weight: bold; letter-spacing: 3px;">%s</div>
    <p>Or open <a href="%s">this link</a>.</p>
    <p>If you did not ask for a reset you can ignore this email.</p>
  </div>
</body>
</html>`, code, link)
	}

	link := strings.TrimRight(n.cfg.AppURL, "/") + "/verify?" + url.Values{"email": {toEmail}}.Encode()
	return "[Chatdesk] Verify your email", fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>Welcome to Chatdesk</h2>
    <p>Your verification code is:</p>
    <div style="font-size: 28px; font-weight: bold; letter-spacing: 3px;">%s</div>
    <p>Enter it on <a href="%s">the verification page</a>.</p>
  </div>
</body>
</html>`, code, link)
}
