package api

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"chatdesk/internal/model"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed plans.yaml
var defaultPlans []byte

// PlanUpserter 写入套餐。
type PlanUpserter interface {
	UpsertPlan(ctx context.Context, plan *model.Plan) error
}

type planSeed struct {
	Slug         string   `yaml:"slug"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Price        string   `yaml:"price"`
	Currency     string   `yaml:"currency"`
	Interval     string   `yaml:"interval"`
	MessageQuota int      `yaml:"message_quota"`
	Features     []string `yaml:"features"`
	Active       *bool    `yaml:"active"` // 缺省为上架
}

// LoadPlans 解析套餐目录。path 为空时使用内置目录。
func LoadPlans(path string) ([]model.Plan, error) {
	data := defaultPlans
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read plans file: %w", err)
		}
		data = raw
	}

	var seeds []planSeed
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("parse plans: %w", err)
	}

	plans := make([]model.Plan, 0, len(seeds))
	seen := make(map[string]struct{}, len(seeds))
	for i, sd := range seeds {
		slug := strings.TrimSpace(sd.Slug)
		if slug == "" {
			return nil, fmt.Errorf("plan #%d: slug is required", i+1)
		}
		if _, dup := seen[slug]; dup {
			return nil, fmt.Errorf("plan %q: duplicate slug", slug)
		}
		seen[slug] = struct{}{}

		price, err := decimal.NewFromString(sd.Price)
		if err != nil {
			return nil, fmt.Errorf("plan %q: invalid price %q", slug, sd.Price)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("plan %q: negative price", slug)
		}
		if sd.Currency == "" {
			sd.Currency = "USD"
		}
		if sd.Interval == "" {
			sd.Interval = "month"
		}
		active := sd.Active == nil || *sd.Active
		plans = append(plans, model.Plan{
			Slug:         slug,
			Name:         sd.Name,
			Description:  sd.Description,
			Price:        price,
			Currency:     strings.ToUpper(sd.Currency),
			Interval:     sd.Interval,
			MessageQuota: sd.MessageQuota,
			Features:     sd.Features,
			IsActive:     active,
		})
	}
	return plans, nil
}

// SeedPlans 按 slug 幂等写入套餐目录。
func SeedPlans(ctx context.Context, st PlanUpserter, path string) (int, error) {
	plans, err := LoadPlans(path)
	if err != nil {
		return 0, err
	}
	for i := range plans {
		if err := st.UpsertPlan(ctx, &plans[i]); err != nil {
			return i, fmt.Errorf("upsert plan %q: %w", plans[i].Slug, err)
		}
	}
	return len(plans), nil
}
