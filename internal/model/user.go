package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PrincipalKind 区分可登录主体的类型。
type PrincipalKind string

const (
	KindUser  PrincipalKind = "user"
	KindAdmin PrincipalKind = "admin"
)

// Table 返回该类型主体所在的表。
func (k PrincipalKind) Table() string {
	if k == KindAdmin {
		return "admins"
	}
	return "users"
}

// Valid 是否为已知类型。
func (k PrincipalKind) Valid() bool {
	return k == KindUser || k == KindAdmin
}

// Account 是 User 与 Admin 共有的字段。
type Account struct {
	ID          string     `gorm:"type:char(36);primaryKey" json:"id"`                 // UUID
	Email       string     `gorm:"type:varchar(191);uniqueIndex;not null" json:"email"` // 邮箱（唯一，小写）
	Username    string     `gorm:"type:varchar(64)" json:"username"`
	Password    string     `gorm:"not null" json:"-"`                     // bcrypt 哈希，永不输出
	Role        string     `gorm:"type:varchar(16);not null" json:"role"` // user / admin
	IsVerified  bool       `gorm:"default:false" json:"isVerified"`       // 邮箱是否已验证
	IsActive    bool       `json:"isActive"`                              // 是否启用（创建时须显式赋值）
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`                 // 最近登录时间
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// BeforeCreate 补全主键并规范化邮箱。
func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Email = NormalizeEmail(a.Email)
	return nil
}

// User 普通用户。
type User struct {
	Account
	PlanID *uint `json:"planId,omitempty"` // 当前订阅套餐
	Plan   *Plan `gorm:"foreignKey:PlanID" json:"plan,omitempty"`
}

// Admin 后台管理员，创建时即视为已验证。
type Admin struct {
	Account
}

// NormalizeEmail 去除首尾空白并转为小写。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
