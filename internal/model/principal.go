package model

import "time"

// Principal 是登录主体对外暴露的字段，不包含密码哈希。
type Principal struct {
	ID          string        `json:"id"`
	Kind        PrincipalKind `json:"-"`
	Username    string        `json:"username"`
	Email       string        `json:"email"`
	Role        string        `json:"role"`
	IsVerified  bool          `json:"isVerified"`
	IsActive    bool          `json:"isActive"`
	LastLoginAt *time.Time    `json:"lastLoginAt,omitempty"`
	PlanID      *uint         `json:"planId,omitempty"`
}

// PublicUser 去掉敏感字段后的用户视图。
func PublicUser(u *User) Principal {
	p := PublicAccount(KindUser, &u.Account)
	p.PlanID = u.PlanID
	return p
}

// PublicAccount 把 Account 转为对外视图。
func PublicAccount(kind PrincipalKind, a *Account) Principal {
	return Principal{
		ID:          a.ID,
		Kind:        kind,
		Username:    a.Username,
		Email:       a.Email,
		Role:        a.Role,
		IsVerified:  a.IsVerified,
		IsActive:    a.IsActive,
		LastLoginAt: a.LastLoginAt,
	}
}
