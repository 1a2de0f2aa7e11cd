package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// 合并重置时间策略
const (
	// CombinedResetEarliest 本地与全局同时受限时取较早的重置时间
	CombinedResetEarliest = "earliest"
	// CombinedResetLatest 取较晚的重置时间（两条路径都恢复才重试）
	CombinedResetLatest = "latest"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	Capacity CapacityConfig
	Queue    QueueConfig
	Health   HealthConfig
}

type ServerConfig struct {
	Port       int
	Host       string
	Env        string
	LogDir     string
	AdminToken string
	EnableCORS bool

	// DebugRoutes 生产环境下仍开放 /debug 诊断接口
	DebugRoutes bool
}

// IsProduction 是否运行在生产环境
func (c *ServerConfig) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// DebugRoutesAllowed 非生产环境或显式开启时允许访问诊断接口
func (c *ServerConfig) DebugRoutesAllowed() bool {
	return !c.IsProduction() || c.DebugRoutes
}

type RedisConfig struct {
	Host           string
	Port           int
	Password       string
	DB             int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	MaxRetries     int
	EnableTLS      bool
}

type PostgresConfig struct {
	Enabled bool
	URL     string
	MaxPool int
}

// ProviderRegion AI 提供商与区域
type ProviderRegion struct {
	Provider string
	Region   string
}

type CapacityConfig struct {
	ServerID        string
	DefaultProvider string
	DefaultRegion   string
	ProviderRegions []ProviderRegion
	CombinedReset   string
}

type QueueConfig struct {
	Name            string
	PollInterval    time.Duration
	// DispatchURL 普通任务转发地址；为空时本进程只执行控制任务
	DispatchURL     string
	DispatchTimeout time.Duration
}

type HealthConfig struct {
	CheckInterval       time.Duration
	HeartbeatMultiplier int
}

// HeartbeatTTL 单服务器健康记录的 TTL
func (h HealthConfig) HeartbeatTTL() time.Duration {
	return h.CheckInterval * time.Duration(h.HeartbeatMultiplier)
}

// Cfg 全局配置实例
var Cfg *Config

// Load 加载配置
func Load() (*Config, error) {
	envPaths := []string{
		".env",
		"../.env",
		"../../.env",
	}

	envLoaded := false
	for _, p := range envPaths {
		if _, err := os.Stat(p); err == nil {
			if err := godotenv.Load(p); err != nil {
				fmt.Printf("⚠️  Failed to load .env from %s: %v\n", p, err)
			} else {
				fmt.Printf("✅ Loaded .env from %s\n", p)
				envLoaded = true
				break
			}
		}
	}

	if !envLoaded {
		fmt.Println("⚠️  No .env file found, using environment variables")
	}

	defaultProvider := getEnv("AI_DEFAULT_PROVIDER", "anthropic")
	defaultRegion := getEnv("AI_DEFAULT_REGION", "us-east")

	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnvInt("PORT", 8080),
			Host:        getEnv("HOST", "0.0.0.0"),
			Env:         getEnv("APP_ENV", "development"),
			LogDir:      getEnv("LOG_DIR", ""),
			AdminToken:  getEnv("ADMIN_TOKEN", ""),
			EnableCORS:  getEnvBool("ENABLE_CORS", false),
			DebugRoutes: getEnvBool("DEBUG_ROUTES", false),
		},
		Redis: RedisConfig{
			Host:           getEnv("REDIS_HOST", "127.0.0.1"),
			Port:           getEnvInt("REDIS_PORT", 6379),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvInt("REDIS_DB", 0),
			ConnectTimeout: time.Duration(getEnvInt("REDIS_CONNECT_TIMEOUT", 10000)) * time.Millisecond,
			CommandTimeout: time.Duration(getEnvInt("REDIS_COMMAND_TIMEOUT", 5000)) * time.Millisecond,
			MaxRetries:     getEnvInt("REDIS_MAX_RETRIES", 3),
			EnableTLS:      getEnvBool("REDIS_ENABLE_TLS", false),
		},
		Postgres: PostgresConfig{
			Enabled: getEnvBool("POSTGRES_ENABLED", false) || getEnv("DATABASE_URL", "") != "",
			URL:     getEnv("DATABASE_URL", ""),
			MaxPool: getEnvInt("POSTGRES_MAX_POOL_SIZE", 10),
		},
		Capacity: CapacityConfig{
			ServerID:        getEnv("SERVER_ID", defaultServerID()),
			DefaultProvider: defaultProvider,
			DefaultRegion:   defaultRegion,
			ProviderRegions: parseProviderRegions(getEnv("AI_PROVIDER_REGIONS", ""), defaultProvider, defaultRegion),
			CombinedReset:   getEnv("CAPACITY_COMBINED_RESET", CombinedResetEarliest),
		},
		Queue: QueueConfig{
			Name:            getEnv("JOB_QUEUE_NAME", "builds"),
			PollInterval:    time.Duration(getEnvInt("JOB_QUEUE_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
			DispatchURL:     getEnv("JOB_DISPATCH_URL", ""),
			DispatchTimeout: time.Duration(getEnvInt("JOB_DISPATCH_TIMEOUT_SECONDS", 300)) * time.Second,
		},
		Health: HealthConfig{
			CheckInterval:       time.Duration(getEnvInt("HEALTH_CHECK_INTERVAL_SECONDS", 30)) * time.Second,
			HeartbeatMultiplier: getEnvInt("HEALTH_HEARTBEAT_MULTIPLIER", 3),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	Cfg = cfg
	return cfg, nil
}

// Validate 验证必要配置
func (c *Config) Validate() error {
	if c.Server.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN is required")
	}
	if c.Postgres.Enabled && c.Postgres.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when POSTGRES_ENABLED is set")
	}
	if c.Health.CheckInterval <= 0 {
		return fmt.Errorf("HEALTH_CHECK_INTERVAL_SECONDS must be positive")
	}
	if c.Health.HeartbeatMultiplier < 2 {
		return fmt.Errorf("HEALTH_HEARTBEAT_MULTIPLIER must be at least 2, got %d", c.Health.HeartbeatMultiplier)
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("JOB_QUEUE_POLL_INTERVAL_MS must be positive")
	}
	switch c.Capacity.CombinedReset {
	case CombinedResetEarliest, CombinedResetLatest:
	default:
		return fmt.Errorf("CAPACITY_COMBINED_RESET must be %q or %q, got %q",
			CombinedResetEarliest, CombinedResetLatest, c.Capacity.CombinedReset)
	}
	if len(c.Capacity.ProviderRegions) == 0 {
		return fmt.Errorf("AI_PROVIDER_REGIONS resolved to no provider/region pairs")
	}
	return nil
}

// parseProviderRegions 解析 "provider:region,provider:region"，为空时使用默认组合
func parseProviderRegions(raw, defaultProvider, defaultRegion string) []ProviderRegion {
	var pairs []ProviderRegion
	seen := make(map[ProviderRegion]bool)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		provider, region, ok := strings.Cut(item, ":")
		if !ok || provider == "" || region == "" {
			fmt.Printf("⚠️  Ignoring malformed provider/region entry %q\n", item)
			continue
		}
		pr := ProviderRegion{Provider: strings.TrimSpace(provider), Region: strings.TrimSpace(region)}
		if seen[pr] {
			continue
		}
		seen[pr] = true
		pairs = append(pairs, pr)
	}

	if len(pairs) == 0 && defaultProvider != "" && defaultRegion != "" {
		pairs = append(pairs, ProviderRegion{Provider: defaultProvider, Region: defaultRegion})
	}
	return pairs
}

func defaultServerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "server"
	}
	return host + "-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// 辅助函数
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}
