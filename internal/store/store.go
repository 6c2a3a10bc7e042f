package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatdesk/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

var (
	// ErrNotFound 记录不存在。
	ErrNotFound = errors.New("record not found")
	// ErrConflict 唯一约束冲突。
	ErrConflict = errors.New("record already exists")
	// ErrInvalidKind 未知的主体类型。
	ErrInvalidKind = errors.New("invalid principal kind")
)

// Store 基于 GORM 的持久化层。
type Store struct {
	db *gorm.DB
}

// Open 按驱动名打开数据库连接。
//
// 参数:
//
//	driver: mysql / postgres
//	dsn: 连接字符串
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	return gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
		TranslateError: true,
	})
}

// New 包装已打开的连接。
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate 自动迁移全部表结构。
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&model.Plan{}, &model.User{}, &model.Admin{}, &model.VerificationCode{})
}

// Ping 检查数据库连通性。
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error
}

// Close 关闭底层连接池。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FindAccountByEmail 按邮箱查找主体。
func (s *Store) FindAccountByEmail(ctx context.Context, kind model.PrincipalKind, email string) (*model.Account, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	var acct model.Account
	err := s.db.WithContext(ctx).Table(kind.Table()).Where("email = ?", model.NormalizeEmail(email)).Take(&acct).Error
	if err != nil {
		return nil, translate(err)
	}
	return &acct, nil
}

// FindAccountByID 按主键查找主体。
func (s *Store) FindAccountByID(ctx context.Context, kind model.PrincipalKind, id string) (*model.Account, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	var acct model.Account
	err := s.db.WithContext(ctx).Table(kind.Table()).Where("id = ?", id).Take(&acct).Error
	if err != nil {
		return nil, translate(err)
	}
	return &acct, nil
}

// FindUserByID 查找用户并预加载套餐。
func (s *Store) FindUserByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Preload("Plan").Where("id = ?", id).Take(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// CreateUser 创建用户。
func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	return translate(s.db.WithContext(ctx).Create(user).Error)
}

// CreateAdmin 创建管理员。
func (s *Store) CreateAdmin(ctx context.Context, admin *model.Admin) error {
	return translate(s.db.WithContext(ctx).Create(admin).Error)
}

// DeleteUser 删除用户及其验证码，用于注册发码失败时回滚。
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("principal_kind = ? AND principal_id = ?", model.KindUser, id).Delete(&model.VerificationCode{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&model.User{}).Error
	})
}

// UpdateAccount 更新主体字段。
func (s *Store) UpdateAccount(ctx context.Context, kind model.PrincipalKind, id string, updates map[string]interface{}) error {
	if !kind.Valid() {
		return ErrInvalidKind
	}
	updates["updated_at"] = time.Now()
	res := s.db.WithContext(ctx).Table(kind.Table()).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceCode 删除该主体同用途的旧验证码并写入新验证码。
func (s *Store) ReplaceCode(ctx context.Context, code *model.VerificationCode) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("principal_kind = ? AND principal_id = ? AND purpose = ?", code.PrincipalKind, code.PrincipalID, code.Purpose).
			Delete(&model.VerificationCode{}).Error; err != nil {
			return err
		}
		return tx.Create(code).Error
	})
}

// FindCode 返回主体当前有效的验证码记录。
func (s *Store) FindCode(ctx context.Context, kind model.PrincipalKind, principalID string, purpose model.CodePurpose) (*model.VerificationCode, error) {
	var code model.VerificationCode
	err := s.db.WithContext(ctx).
		Where("principal_kind = ? AND principal_id = ? AND purpose = ?", kind, principalID, purpose).
		Take(&code).Error
	if err != nil {
		return nil, translate(err)
	}
	return &code, nil
}

// IncrementAttempts 失败次数加一并返回新值。
func (s *Store) IncrementAttempts(ctx context.Context, codeID uint) (int, error) {
	var attempts int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.VerificationCode{}).Where("id = ?", codeID).
			UpdateColumn("attempts", gorm.Expr("attempts + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Model(&model.VerificationCode{}).Where("id = ?", codeID).Pluck("attempts", &attempts).Error
	})
	if err != nil {
		return 0, translate(err)
	}
	return attempts, nil
}

// DeleteCode 删除验证码。
func (s *Store) DeleteCode(ctx context.Context, codeID uint) error {
	return s.db.WithContext(ctx).Where("id = ?", codeID).Delete(&model.VerificationCode{}).Error
}

// ConsumeCode 在同一事务中删除验证码并更新主体。
//
// 验证码已被并发请求消费时返回 ErrNotFound。
func (s *Store) ConsumeCode(ctx context.Context, code *model.VerificationCode, updates map[string]interface{}) error {
	if !code.PrincipalKind.Valid() {
		return ErrInvalidKind
	}
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", code.ID).Delete(&model.VerificationCode{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if len(updates) == 0 {
			return nil
		}
		updates["updated_at"] = time.Now()
		return tx.Table(code.PrincipalKind.Table()).Where("id = ?", code.PrincipalID).Updates(updates).Error
	}))
}

// ListPlans 返回启用的套餐，按价格升序。
func (s *Store) ListPlans(ctx context.Context) ([]model.Plan, error) {
	plans := []model.Plan{}
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("price ASC").Order("id ASC").Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

// UpsertPlan 按 slug 插入或更新套餐。
func (s *Store) UpsertPlan(ctx context.Context, plan *model.Plan) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "price", "currency", "billing_interval", "message_quota", "features", "is_active", "updated_at"}),
	}).Create(plan).Error
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	default:
		return err
	}
}
