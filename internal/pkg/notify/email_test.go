package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"chatdesk/internal/config"
	"chatdesk/internal/model"
	"chatdesk/internal/pkg/queue"

	"gopkg.in/gomail.v2"
)

type fakeDialer struct {
	sent []*gomail.Message
	fail func(m *gomail.Message) error
}

func (f *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	for _, msg := range m {
		if f.fail != nil {
			if err := f.fail(msg); err != nil {
				return err
			}
		}
		f.sent = append(f.sent, msg)
	}
	return nil
}

func newTestNotifier(cfg *config.EmailConfig, d *fakeDialer) *EmailNotifier {
	n := NewEmailNotifier(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.newDialer = func() mailDialer { return d }
	return n
}

func testEmailConfig() *config.EmailConfig {
	return &config.EmailConfig{
		SMTPHost:   "smtp.resend.com",
		SMTPPort:   465,
		SMTPUser:   "resend",
		SMTPPass:   "re_test",
		FromEmail:  "noreply@chatdesk.dev",
		AlertEmail: "ops@chatdesk.dev",
		AppURL:     "https://chatdesk.dev",
	}
}

func TestSendCode_Signup(t *testing.T) {
	d := &fakeDialer{}
	n := newTestNotifier(testEmailConfig(), d)

	if err := n.SendCode(context.Background(), "a@b.com", "123456", model.PurposeSignup); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(d.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(d.sent))
	}
	if got := d.sent[0].GetHeader("To"); len(got) != 1 || got[0] != "a@b.com" {
		t.Fatalf("unexpected recipient %v", got)
	}
	if subject := d.sent[0].GetHeader("Subject"); len(subject) != 1 || !strings.Contains(subject[0], "Verify") {
		t.Fatalf("unexpected subject %v", subject)
	}
	_, body := n.render("a@b.com", "123456", model.PurposeSignup)
	if !strings.Contains(body, "123456") || !strings.Contains(body, "https://chatdesk.dev/verify?email=a%40b.com") {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestSendCode_ResetContainsLink(t *testing.T) {
	d := &fakeDialer{}
	n := newTestNotifier(testEmailConfig(), d)

	if err := n.SendCode(context.Background(), "a@b.com", "654321", model.PurposeReset); err != nil {
		t.Fatalf("send: %v", err)
	}
	subject := d.sent[0].GetHeader("Subject")
	if len(subject) != 1 || !strings.Contains(subject[0], "Reset") {
		t.Fatalf("unexpected subject %v", subject)
	}
	_, body := n.render("a@b.com", "654321", model.PurposeReset)
	if !strings.Contains(body, "https://chatdesk.dev/reset-password?code=654321&email=a%40b.com") {
		t.Fatalf("expected reset link in body: %s", body)
	}
}

func TestSendCode_FailureSendsAlert(t *testing.T) {
	d := &fakeDialer{fail: func(m *gomail.Message) error {
		if m.GetHeader("To")[0] == "a@b.com" {
			return errors.New("smtp down")
		}
		return nil
	}}
	n := newTestNotifier(testEmailConfig(), d)

	err := n.SendCode(context.Background(), "a@b.com", "123456", model.PurposeSignup)
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(d.sent) != 1 || d.sent[0].GetHeader("To")[0] != "ops@chatdesk.dev" {
		t.Fatalf("expected one alert to ops, got %d messages", len(d.sent))
	}
}

func TestAlertBody_EscapesInput(t *testing.T) {
	body := alertBody(`x"><script>alert(1)</script>@b.com`, model.PurposeSignup, errors.New("550 <bad> & rejected"))
	if strings.Contains(body, "<script>") || strings.Contains(body, "<bad>") {
		t.Fatalf("unescaped input in alert body: %s", body)
	}
	if !strings.Contains(body, "&lt;script&gt;") || !strings.Contains(body, "550 &lt;bad&gt; &amp; rejected") {
		t.Fatalf("expected escaped input in alert body: %s", body)
	}
}

func TestSendCode_NotConfigured(t *testing.T) {
	d := &fakeDialer{}
	cfg := testEmailConfig()
	cfg.SMTPPass = ""
	n := newTestNotifier(cfg, d)

	err := n.SendCode(context.Background(), "a@b.com", "123456", model.PurposeSignup)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if len(d.sent) != 0 {
		t.Fatalf("nothing should be sent without config")
	}
}

func TestSendCode_AlertThroughQueue(t *testing.T) {
	d := &fakeDialer{fail: func(m *gomail.Message) error {
		if m.GetHeader("To")[0] == "a@b.com" {
			return errors.New("smtp down")
		}
		return nil
	}}
	n := newTestNotifier(testEmailConfig(), d)
	q := queue.NewQueue(slog.New(slog.NewTextHandler(io.Discard, nil)), 1, 4)
	n.SetAlertQueue(q)

	if err := n.SendCode(context.Background(), "a@b.com", "123456", model.PurposeReset); err == nil {
		t.Fatalf("expected error")
	}
	// 告警尚未执行
	if len(d.sent) != 0 {
		t.Fatalf("alert should be deferred to the queue")
	}

	q.Start(context.Background())
	if err := q.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(d.sent) != 1 || d.sent[0].GetHeader("To")[0] != "ops@chatdesk.dev" {
		t.Fatalf("expected alert to ops after drain, got %d messages", len(d.sent))
	}
}
