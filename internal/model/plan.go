package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Plan 订阅套餐。
type Plan struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	Slug         string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"slug"`
	Name         string          `gorm:"type:varchar(128);not null" json:"name"`
	Description  string          `json:"description"`
	Price        decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price"`
	Currency     string          `gorm:"type:varchar(8);default:USD" json:"currency"`
	Interval     string          `gorm:"column:billing_interval;type:varchar(16);default:month" json:"interval"` // month / year
	MessageQuota int             `json:"messageQuota"`                                   // 每周期消息额度，0 表示不限
	Features     []string        `gorm:"type:text;serializer:json" json:"features"`
	IsActive     bool            `json:"isActive"`
	CreatedAt    time.Time       `json:"-"`
	UpdatedAt    time.Time       `json:"-"`
}
