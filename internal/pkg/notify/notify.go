package notify

import (
	"context"

	"chatdesk/internal/model"
)

// Sender 定义验证码投递接口。
type Sender interface {
	// SendCode 把验证码发送到主体邮箱。
	//
	// 参数:
	//   ctx: 上下文
	//   toEmail: 接收邮箱
	//   code: 数字验证码
	//   purpose: 用途（注册验证 / 找回密码），决定邮件模板
	SendCode(ctx context.Context, toEmail string, code string, purpose model.CodePurpose) error
}

var _ Sender = (*EmailNotifier)(nil)
