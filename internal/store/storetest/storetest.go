// Package storetest 为测试提供基于内存 SQLite 的 Store。
package storetest

import (
	"context"
	"testing"

	"chatdesk/internal/model"
	"chatdesk/internal/store"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// New 打开一个迁移完成的内存数据库。
func New(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	// 内存库每个连接独立，固定单连接
	sqlDB.SetMaxOpenConns(1)

	s := store.New(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// SeedUser 创建一个用户，密码使用最低 bcrypt 成本。
func SeedUser(t *testing.T, s *store.Store, email, password string, verified bool) *model.User {
	t.Helper()
	user := &model.User{Account: model.Account{
		Email:      email,
		Username:   "tester",
		Password:   hash(t, password),
		Role:       string(model.KindUser),
		IsVerified: verified,
		IsActive:   true,
	}}
	if err := s.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

// SeedAdmin 创建一个管理员。
func SeedAdmin(t *testing.T, s *store.Store, email, password string) *model.Admin {
	t.Helper()
	admin := &model.Admin{Account: model.Account{
		Email:      email,
		Username:   "root",
		Password:   hash(t, password),
		Role:       string(model.KindAdmin),
		IsVerified: true,
		IsActive:   true,
	}}
	if err := s.CreateAdmin(context.Background(), admin); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	return admin
}

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return string(h)
}
