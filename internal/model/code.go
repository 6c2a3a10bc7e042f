package model

import "time"

// CodePurpose 验证码用途。
type CodePurpose string

const (
	PurposeSignup CodePurpose = "signup" // 注册邮箱验证
	PurposeReset  CodePurpose = "reset"  // 找回密码
)

// VerificationCode 一次性数字验证码。
//
// 每个 (主体类型, 主体, 用途) 至多一条记录，重新签发时旧记录在同一事务中删除。
// 只保存验证码的 SHA-256 摘要。
type VerificationCode struct {
	ID            uint          `gorm:"primaryKey"`
	PrincipalKind PrincipalKind `gorm:"type:varchar(16);not null;uniqueIndex:idx_code_owner"`
	PrincipalID   string        `gorm:"type:char(36);not null;uniqueIndex:idx_code_owner"`
	Purpose       CodePurpose   `gorm:"type:varchar(16);not null;uniqueIndex:idx_code_owner"`
	CodeHash      string        `gorm:"type:char(64);not null"`
	ExpiresAt     time.Time     `gorm:"not null"`
	Attempts      int           `gorm:"default:0"` // 已失败次数
	CreatedAt     time.Time
}

// Expired 在 now 时刻是否已过期。
func (v *VerificationCode) Expired(now time.Time) bool {
	return !now.Before(v.ExpiresAt)
}
