// 包 config：集中读取环境变量配置，主入口与 CLI 共用，避免各处重复 os.Getenv 与默认值
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config：进程级配置快照，启动时读取一次
type Config struct {
	Addr      string
	DataDir   string
	Dataset   string
	ImageDir  string
	TilesFile string
	WatchData bool

	SessionBackend string
	SessionTTL     time.Duration

	RedisHost string
	RedisPort string
	RedisPass string
	RedisDB   int

	ArchiveDriver     string
	ArchiveSQLitePath string

	ExportPolicy     string
	DefaultMode      string
	DefaultThreshold float64

	TLSEnable   bool
	TLSCertPath string
	TLSKeyPath  string

	RateLimitEnabled bool
	RateLimitQPS     int
}

// LoadDotenv：按约定位置加载 .env，文件缺失时静默跳过
func LoadDotenv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
}

// FromEnv：读取环境变量生成配置并校验
// 约束：数值解析失败回退默认值；仅枚举型取值非法时返回错误
func FromEnv() (*Config, error) {
	c := &Config{
		Addr:              envStr("ADDR", ":8080"),
		DataDir:           envStr("DATA_DIR", "data"),
		Dataset:           os.Getenv("DATASET"),
		ImageDir:          envStr("IMAGE_DIR", "images"),
		TilesFile:         os.Getenv("TILES_CONFIG"),
		WatchData:         envBool("WATCH_DATASETS", true),
		SessionBackend:    strings.ToLower(envStr("SESSION_BACKEND", "memory")),
		SessionTTL:        envDuration("SESSION_TTL", 12*time.Hour),
		RedisHost:         envStr("REDIS_HOST", "127.0.0.1"),
		RedisPort:         envStr("REDIS_PORT", "6379"),
		RedisPass:         os.Getenv("REDIS_PASS"),
		RedisDB:           envInt("REDIS_DB", 0),
		ArchiveDriver:     strings.ToLower(envStr("ARCHIVE_DRIVER", "none")),
		ArchiveSQLitePath: envStr("ARCHIVE_SQLITE_PATH", filepath.Join("data", "labels.db")),
		ExportPolicy:      strings.ToLower(envStr("EXPORT_POLICY", "labeled")),
		DefaultMode:       strings.ToLower(envStr("DEFAULT_MODE", "max")),
		DefaultThreshold:  envFloat("DEFAULT_THRESHOLD", 99.90),
		TLSEnable:         envBool("TLS_ENABLE", false),
		TLSCertPath:       envStr("TLS_CERT_PATH", filepath.Join("data", "certs", "server.crt")),
		TLSKeyPath:        envStr("TLS_KEY_PATH", filepath.Join("data", "certs", "server.key")),
		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", false),
		RateLimitQPS:      envInt("RATE_LIMIT_QPS", 50),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

var (
	ErrSessionBackend = errors.New("config: SESSION_BACKEND must be memory or redis")
	ErrArchiveDriver  = errors.New("config: ARCHIVE_DRIVER must be none, sqlite or postgres")
	ErrExportPolicy   = errors.New("config: EXPORT_POLICY must be labeled or all")
	ErrDefaultMode    = errors.New("config: DEFAULT_MODE must be category, max or all")
	ErrThreshold      = errors.New("config: DEFAULT_THRESHOLD must be within [0,100]")
)

// Validate：校验枚举取值与阈值范围
func (c *Config) Validate() error {
	switch c.SessionBackend {
	case "memory", "redis":
	default:
		return ErrSessionBackend
	}
	switch c.ArchiveDriver {
	case "none", "sqlite", "postgres":
	default:
		return ErrArchiveDriver
	}
	switch c.ExportPolicy {
	case "labeled", "all":
	default:
		return ErrExportPolicy
	}
	switch c.DefaultMode {
	case "category", "max", "all":
	default:
		return ErrDefaultMode
	}
	if c.DefaultThreshold < 0 || c.DefaultThreshold > 100 {
		return ErrThreshold
	}
	return nil
}

// RedisAddr：拼接 Redis 地址
func (c *Config) RedisAddr() string { return c.RedisHost + ":" + c.RedisPort }

func envStr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
