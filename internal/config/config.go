package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// EnvProduction 生产环境标识。
const EnvProduction = "production"

// ErrMissingJWTSecret 未配置 JWT 签名密钥。
var ErrMissingJWTSecret = errors.New("JWT_SECRET is not set")

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env         string `json:"env"`          // 运行环境: development / production
	LogLevel    string `json:"log_level"`    // 日志级别: debug / info / warn / error
	HTTPAddr    string `json:"http_addr"`    // API 服务监听地址
	EnableDebug bool   `json:"enable_debug"` // 是否注册 /api/debug/auth（生产环境强制关闭）
	ExposeCodes bool   `json:"expose_codes"` // 是否在响应中回显验证码（生产环境强制关闭）
	PlansFile   string `json:"plans_file"`   // 套餐种子文件（为空使用内置列表）
}

// DatabaseConfig 关系数据库配置。
type DatabaseConfig struct {
	Driver string `json:"driver"` // mysql / postgres
	DSN    string `json:"dsn"`    // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// EmailConfig 邮件发送配置。
//
// Resend 提供 SMTP 接入：smtp.resend.com:465，用户名 resend，密码为 API Key。
type EmailConfig struct {
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUser     string `json:"smtp_user"`
	SMTPPass     string `json:"smtp_pass"`
	FromEmail    string `json:"from_email"`
	AlertEmail   string `json:"alert_email"` // 发送失败时的运维告警收件人
	ResendAPIKey string `json:"resend_api_key"`
	AppURL       string `json:"app_url"` // 邮件中链接的站点地址
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret       string        `json:"jwt_secret"`        // JWT 签名密钥（必填）
	TokenTTL        time.Duration `json:"token_ttl"`         // 会话令牌有效期
	CookieName      string        `json:"cookie_name"`       // 会话 Cookie 名称
	CodeLength      int           `json:"code_length"`       // 验证码位数
	CodeTTL         time.Duration `json:"code_ttl"`          // 验证码有效期
	MaxCodeAttempts int           `json:"max_code_attempts"` // 单个验证码允许的错误次数
	CodeCooldown    time.Duration `json:"code_cooldown"`     // 同一邮箱两次发码的最小间隔
}

// IsProduction 是否运行在生产环境。
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.App.Env), EnvProduction)
}

// Validate 校验必填项并收紧生产环境下的调试开关。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Security.JWTSecret) == "" {
		return ErrMissingJWTSecret
	}
	switch c.Database.Driver {
	case "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.IsProduction() {
		c.App.EnableDebug = false
		c.App.ExposeCodes = false
	}
	return nil
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值，
// 然后应用环境变量覆盖并校验。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败或校验失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg = getDefaultConfig()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		applyDefaults(cfg)
	}

	// 环境变量优先覆盖配置
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getDefaultConfig 返回默认配置。JWT 密钥没有默认值。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:      "development",
			LogLevel: "info",
			HTTPAddr: ":8080",
		},
		Database: DatabaseConfig{
			Driver: "mysql",
			DSN:    "root:password@tcp(localhost:3306)/chatdesk?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Email: EmailConfig{
			SMTPHost: "smtp.resend.com",
			SMTPPort: 465,
			SMTPUser: "resend",
			AppURL:   "http://localhost:8080",
		},
		Security: SecurityConfig{
			TokenTTL:        time.Hour,
			CookieName:      "token",
			CodeLength:      6,
			CodeTTL:         10 * time.Minute,
			MaxCodeAttempts: 5,
			CodeCooldown:    60 * time.Second,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == defaults.Database.Driver {
		cfg.Database.DSN = defaults.Database.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Email.SMTPHost == "" {
		cfg.Email.SMTPHost = defaults.Email.SMTPHost
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Email.SMTPUser == "" {
		cfg.Email.SMTPUser = defaults.Email.SMTPUser
	}
	if cfg.Email.AppURL == "" {
		cfg.Email.AppURL = defaults.Email.AppURL
	}
	if cfg.Security.TokenTTL == 0 {
		cfg.Security.TokenTTL = defaults.Security.TokenTTL
	}
	if cfg.Security.CookieName == "" {
		cfg.Security.CookieName = defaults.Security.CookieName
	}
	if cfg.Security.CodeLength == 0 {
		cfg.Security.CodeLength = defaults.Security.CodeLength
	}
	if cfg.Security.CodeTTL == 0 {
		cfg.Security.CodeTTL = defaults.Security.CodeTTL
	}
	if cfg.Security.MaxCodeAttempts == 0 {
		cfg.Security.MaxCodeAttempts = defaults.Security.MaxCodeAttempts
	}
	if cfg.Security.CodeCooldown == 0 {
		cfg.Security.CodeCooldown = defaults.Security.CodeCooldown
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("resend_api_key", "RESEND_API_KEY")
	_ = viper.BindEnv("node_env", "NODE_ENV")
	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")

	if v := viper.GetString("node_env"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_ENABLE_DEBUG"); v != "" {
		cfg.App.EnableDebug = v == "true" || v == "1"
	}
	if v := os.Getenv("APP_EXPOSE_CODES"); v != "" {
		cfg.App.ExposeCodes = v == "true" || v == "1"
	}
	if v := os.Getenv("APP_PLANS_FILE"); v != "" {
		cfg.App.PlansFile = v
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("APP_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Security.TokenTTL = d
		}
	}
	if v := os.Getenv("APP_CODE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Security.CodeTTL = d
		}
	}
	if v := os.Getenv("APP_CODE_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Security.CodeCooldown = d
		}
	}
	if v := os.Getenv("APP_MAX_CODE_ATTEMPTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Security.MaxCodeAttempts = i
		}
	}

	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Database.DSN = v
	} else if cfg.Database.Driver == "mysql" && (hasAnyEnv("DB_PORT", "DB_USER", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "") {
		parsed := parseMySQLDSN(cfg.Database.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.Database.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("ALERT_EMAIL"); v != "" {
		cfg.Email.AlertEmail = v
	}
	if v := os.Getenv("APP_URL"); v != "" {
		cfg.Email.AppURL = v
	}
	if v := viper.GetString("resend_api_key"); v != "" {
		cfg.Email.ResendAPIKey = v
	}
	// Resend 的 SMTP 密码就是 API Key
	if cfg.Email.SMTPPass == "" && cfg.Email.ResendAPIKey != "" {
		cfg.Email.SMTPPass = cfg.Email.ResendAPIKey
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	parsed, err := mysql.ParseDSN(dsn)
	if dsn == "" || err != nil {
		fallback := mysql.NewConfig()
		fallback.User = "root"
		fallback.Net = "tcp"
		fallback.Addr = "localhost:3306"
		fallback.DBName = "chatdesk"
		fallback.ParseTime = true
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持时间 Duration 字符串。
func (s *SecurityConfig) UnmarshalJSON(data []byte) error {
	type Alias SecurityConfig
	aux := &struct {
		TokenTTL     string `json:"token_ttl"`
		CodeTTL      string `json:"code_ttl"`
		CodeCooldown string `json:"code_cooldown"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"token_ttl", aux.TokenTTL, &s.TokenTTL},
		{"code_ttl", aux.CodeTTL, &s.CodeTTL},
		{"code_cooldown", aux.CodeCooldown, &s.CodeCooldown},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (s SecurityConfig) MarshalJSON() ([]byte, error) {
	type Alias SecurityConfig
	return json.Marshal(&struct {
		TokenTTL     string `json:"token_ttl"`
		CodeTTL      string `json:"code_ttl"`
		CodeCooldown string `json:"code_cooldown"`
		*Alias
	}{
		TokenTTL:     s.TokenTTL.String(),
		CodeTTL:      s.CodeTTL.String(),
		CodeCooldown: s.CodeCooldown.String(),
		Alias:        (*Alias)(&s),
	})
}
