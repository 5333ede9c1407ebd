package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// MailboxConfig 定义一次性邮箱的核心业务配置
type MailboxConfig struct {
	AllowedDomains  []string      // 允许签发地址的域名列表，第一个为默认域名
	DefaultTTL      time.Duration // 邮箱默认生存时间
	MaxTTL          time.Duration // 客户端可请求的最大生存时间
	LocalPartLength int           // 随机本地部分长度
	ReuseCooldown   time.Duration // 地址释放后的冷却期，冷却期内不可再分配
	MaxMessages     int           // 单个邮箱最多保存的邮件数，0 表示不限
	MaxActive       int           // 同时存活的邮箱上限，0 表示仅受命名空间限制
	CreatePerMinute int           // 单个 IP 每分钟可创建的邮箱数
}

// SweeperConfig 定义过期清理任务的配置
type SweeperConfig struct {
	Interval    time.Duration // 清理周期，默认 60 秒
	Timeout     time.Duration // 单轮清理的最长耗时
	Concurrency int           // 单轮清理的并发数
}

// SMTPConfig 定义 SMTP 邮件接收服务器的配置
type SMTPConfig struct {
	BindAddr        string // SMTP 服务监听地址，格式 "host:port"，默认 ":25"
	Domain          string // SMTP 服务器域名，用于 HELO/EHLO 响应
	MaxMessageBytes int64  // 单封邮件最大字节数
	MaxRecipients   int    // 单次会话最多收件人
	MaxConns        int    // 最大并发连接数
	ConnRate        int    // 每秒最多新建连接数
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
}

// DatabaseConfig 定义冷却账本的数据库连接配置（支持 postgres、mysql、sqlite）
type DatabaseConfig struct {
	Type            string // 数据库类型，留空表示不持久化冷却期
	DSN             string // 数据库连接字符串
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig 定义 Redis 事件中继配置
type RedisConfig struct {
	Address  string // Redis 服务地址，留空表示单机模式，不跨实例转发事件
	Password string
	DB       int
	Channel  string // 事件频道

	DirectoryPrefix string // 邮箱登记表的键前缀
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server   ServerConfig
	Mailbox  MailboxConfig
	Sweeper  SweeperConfig
	SMTP     SMTPConfig
	CORS     CORSConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: TEMPMAIL_，例如 TEMPMAIL_MAILBOX_DEFAULT_TTL
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("tempmail")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("mailbox.allowed_domains", "tempmail.io")
	v.SetDefault("mailbox.default_ttl", "1h")
	v.SetDefault("mailbox.max_ttl", "24h")
	v.SetDefault("mailbox.local_part_length", 10)
	v.SetDefault("mailbox.reuse_cooldown", "24h")
	v.SetDefault("mailbox.max_messages", 500)
	v.SetDefault("mailbox.max_active", 0)
	v.SetDefault("mailbox.create_per_minute", 10)
	v.SetDefault("sweeper.interval", "60s")
	v.SetDefault("sweeper.timeout", "30s")
	v.SetDefault("sweeper.concurrency", 8)
	v.SetDefault("smtp.bind_addr", ":25")
	v.SetDefault("smtp.domain", "tempmail.io")
	v.SetDefault("smtp.max_message_bytes", 10*1024*1024)
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.max_conns", 200)
	v.SetDefault("smtp.conn_rate", 50)
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("database.type", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "tempmail:events")
	v.SetDefault("redis.directory_prefix", "tempmail:mailbox:")
}

func fromViper(v *viper.Viper) (*Config, error) {
	durations := map[string]time.Duration{}
	for _, key := range []string{
		"mailbox.default_ttl",
		"mailbox.max_ttl",
		"mailbox.reuse_cooldown",
		"sweeper.interval",
		"sweeper.timeout",
		"database.conn_max_lifetime",
	} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = d
	}

	domainList := parseDomains(v.GetString("mailbox.allowed_domains"))
	if len(domainList) == 0 {
		return nil, fmt.Errorf("mailbox.allowed_domains must not be empty")
	}

	defaultTTL := durations["mailbox.default_ttl"]
	maxTTL := durations["mailbox.max_ttl"]
	if defaultTTL <= 0 {
		return nil, fmt.Errorf("mailbox.default_ttl must be positive")
	}
	if maxTTL < defaultTTL {
		maxTTL = defaultTTL
	}

	localPartLength := v.GetInt("mailbox.local_part_length")
	if localPartLength < 3 || localPartLength > 64 {
		return nil, fmt.Errorf("mailbox.local_part_length must be between 3 and 64")
	}

	cooldown := durations["mailbox.reuse_cooldown"]
	if cooldown < 0 {
		return nil, fmt.Errorf("mailbox.reuse_cooldown must not be negative")
	}

	interval := durations["sweeper.interval"]
	if interval <= 0 {
		return nil, fmt.Errorf("sweeper.interval must be positive")
	}

	concurrency := v.GetInt("sweeper.concurrency")
	if concurrency <= 0 {
		concurrency = 1
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	dbType := strings.ToLower(strings.TrimSpace(v.GetString("database.type")))
	switch dbType {
	case "", "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported database.type: %s (supported: postgres, mysql, sqlite)", dbType)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		Mailbox: MailboxConfig{
			AllowedDomains:  domainList,
			DefaultTTL:      defaultTTL,
			MaxTTL:          maxTTL,
			LocalPartLength: localPartLength,
			ReuseCooldown:   cooldown,
			MaxMessages:     v.GetInt("mailbox.max_messages"),
			MaxActive:       v.GetInt("mailbox.max_active"),
			CreatePerMinute: v.GetInt("mailbox.create_per_minute"),
		},
		Sweeper: SweeperConfig{
			Interval:    interval,
			Timeout:     durations["sweeper.timeout"],
			Concurrency: concurrency,
		},
		SMTP: SMTPConfig{
			BindAddr:        v.GetString("smtp.bind_addr"),
			Domain:          v.GetString("smtp.domain"),
			MaxMessageBytes: v.GetInt64("smtp.max_message_bytes"),
			MaxRecipients:   v.GetInt("smtp.max_recipients"),
			MaxConns:        v.GetInt("smtp.max_conns"),
			ConnRate:        v.GetInt("smtp.conn_rate"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            dbType,
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: durations["database.conn_max_lifetime"],
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),

			DirectoryPrefix: v.GetString("redis.directory_prefix"),
		},
	}

	if cfg.Database.Type != "" && cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required when database.type is set")
	}

	return cfg, nil
}

// parseDomains 将逗号分隔的域名字符串解析为小写域名数组
func parseDomains(value string) []string {
	out := parseList(value)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

// parseList 将逗号分隔的字符串解析为字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载当前目录或父目录的 .env 文件。
//
// 文件不存在时静默跳过；已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
