package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Broadcast backends.
const (
	BroadcastLocal = "local"
	BroadcastRedis = "redis"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Log       LogConfig
	Store     string
	Broadcast string
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Server    ServerConfig
	RateLimit RateLimitConfig
	Provider  ProviderConfig
	Run       RunConfig
	Queue     QueueConfig
	Approval  ApprovalConfig
	Tools     ToolsConfig
}

type LogConfig struct {
	Level  string
	Format string // "json" or "text"
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// JWTConfig holds JWT authentication settings.
type JWTConfig struct {
	Secret    string //nolint:gosec // G117: JWT signing secret config
	AccessTTL time.Duration
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// RateLimitConfig bounds requests per tenant.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// ProviderConfig selects and configures the model provider.
type ProviderConfig struct {
	Name           string
	APIKey         string //nolint:gosec // G117: provider credential config
	BaseURL        string
	Model          string
	MaxTokens      int
	ThinkingBudget int
	System         string
}

type RunConfig struct {
	MaxTurns int
}

// QueueConfig drives both background queues.
type QueueConfig struct {
	Workers        int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type ApprovalConfig struct {
	Timeout time.Duration
}

type ToolsConfig struct {
	PolicyFile string
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only. In production,
// sensitive values (JWT secret, DB password, API key) must be set explicitly.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("PARLEY_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("PARLEY_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("PARLEY_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	accessTTL, err := getEnvDuration("PARLEY_JWT_ACCESS_TTL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("PARLEY_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	// Long enough for a wait=true run.
	writeTimeout, err := getEnvDuration("PARLEY_SERVER_WRITE_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rps, err := getEnvFloat("PARLEY_RATE_LIMIT_RPS", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	burst, err := getEnvInt("PARLEY_RATE_LIMIT_BURST", 40)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxTokens, err := getEnvInt("PARLEY_PROVIDER_MAX_TOKENS", 4096)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	thinkingBudget, err := getEnvInt("PARLEY_PROVIDER_THINKING_BUDGET", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxTurns, err := getEnvInt("PARLEY_RUN_MAX_TURNS", 16)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	workers, err := getEnvInt("PARLEY_QUEUE_WORKERS", 8)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxAttempts, err := getEnvInt("PARLEY_QUEUE_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	initialBackoff, err := getEnvDuration("PARLEY_QUEUE_INITIAL_BACKOFF", 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxBackoff, err := getEnvDuration("PARLEY_QUEUE_MAX_BACKOFF", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	approvalTimeout, err := getEnvDuration("PARLEY_APPROVAL_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	corsOrigins := getEnvList("PARLEY_CORS_ORIGINS", []string{"http://localhost:5173"})

	cfg := &Config{
		Log: LogConfig{
			Level:  getEnv("PARLEY_LOG_LEVEL", "info"),
			Format: getEnv("PARLEY_LOG_FORMAT", "json"),
		},
		Store:     getEnv("PARLEY_STORE", StorePostgres),
		Broadcast: getEnv("PARLEY_BROADCAST", BroadcastLocal),
		Database: DatabaseConfig{
			Host:     getEnv("PARLEY_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("PARLEY_DB_USER", "parley"),
			Password: getEnv("PARLEY_DB_PASSWORD", ""),
			DBName:   getEnv("PARLEY_DB_NAME", "parley_dev"),
			SSLMode:  getEnv("PARLEY_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("PARLEY_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("PARLEY_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:    getEnv("PARLEY_JWT_SECRET", ""),
			AccessTTL: accessTTL,
		},
		Server: ServerConfig{
			Addr:         getEnv("PARLEY_SERVER_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  corsOrigins,
		},
		RateLimit: RateLimitConfig{
			RPS:   rps,
			Burst: burst,
		},
		Provider: ProviderConfig{
			Name:           getEnv("PARLEY_PROVIDER", "echo"),
			APIKey:         getEnv("PARLEY_PROVIDER_API_KEY", ""),
			BaseURL:        getEnv("PARLEY_PROVIDER_BASE_URL", ""),
			Model:          getEnv("PARLEY_PROVIDER_MODEL", "claude-sonnet-4-5"),
			MaxTokens:      maxTokens,
			ThinkingBudget: thinkingBudget,
			System:         getEnv("PARLEY_PROVIDER_SYSTEM", ""),
		},
		Run: RunConfig{
			MaxTurns: maxTurns,
		},
		Queue: QueueConfig{
			Workers:        workers,
			MaxAttempts:    maxAttempts,
			InitialBackoff: initialBackoff,
			MaxBackoff:     maxBackoff,
		},
		Approval: ApprovalConfig{
			Timeout: approvalTimeout,
		},
		Tools: ToolsConfig{
			PolicyFile: getEnv("PARLEY_TOOL_POLICY_FILE", ""),
		},
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	// JWT secret is required (no insecure default).
	if c.JWT.Secret == "" {
		return errors.New("PARLEY_JWT_SECRET is required")
	}
	if len(c.JWT.Secret) < 32 {
		return errors.New("PARLEY_JWT_SECRET must be at least 32 characters")
	}

	switch c.Store {
	case StorePostgres:
		if c.Database.SSLMode == "disable" {
			log.Warn().Msg("PARLEY_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
		}
	case StoreMemory:
		log.Warn().Msg("PARLEY_STORE=memory keeps every event in process memory; data is lost on restart")
	default:
		return fmt.Errorf("PARLEY_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}

	if c.Broadcast != BroadcastLocal && c.Broadcast != BroadcastRedis {
		return fmt.Errorf("PARLEY_BROADCAST must be %q or %q, got %q", BroadcastLocal, BroadcastRedis, c.Broadcast)
	}

	if c.Provider.Name == "anthropic" && c.Provider.APIKey == "" {
		return errors.New("PARLEY_PROVIDER_API_KEY is required for the anthropic provider")
	}

	// Bounds checks.
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("PARLEY_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("PARLEY_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.JWT.AccessTTL <= 0 {
		return fmt.Errorf("PARLEY_JWT_ACCESS_TTL must be positive, got %s", c.JWT.AccessTTL)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("PARLEY_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("PARLEY_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("PARLEY_RATE_LIMIT_RPS must be positive, got %g", c.RateLimit.RPS)
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("PARLEY_RATE_LIMIT_BURST must be >= 1, got %d", c.RateLimit.Burst)
	}
	if c.Provider.MaxTokens < 1 {
		return fmt.Errorf("PARLEY_PROVIDER_MAX_TOKENS must be >= 1, got %d", c.Provider.MaxTokens)
	}
	if c.Provider.ThinkingBudget < 0 || (c.Provider.ThinkingBudget > 0 && c.Provider.ThinkingBudget >= c.Provider.MaxTokens) {
		return fmt.Errorf("PARLEY_PROVIDER_THINKING_BUDGET must be 0 or below PARLEY_PROVIDER_MAX_TOKENS, got %d", c.Provider.ThinkingBudget)
	}
	if c.Run.MaxTurns < 1 {
		return fmt.Errorf("PARLEY_RUN_MAX_TURNS must be >= 1, got %d", c.Run.MaxTurns)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("PARLEY_QUEUE_WORKERS must be >= 1, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("PARLEY_QUEUE_MAX_ATTEMPTS must be >= 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.InitialBackoff <= 0 || c.Queue.MaxBackoff < c.Queue.InitialBackoff {
		return fmt.Errorf("PARLEY_QUEUE_INITIAL_BACKOFF must be positive and <= PARLEY_QUEUE_MAX_BACKOFF, got %s/%s",
			c.Queue.InitialBackoff, c.Queue.MaxBackoff)
	}
	if c.Approval.Timeout <= 0 {
		return fmt.Errorf("PARLEY_APPROVAL_TIMEOUT must be positive, got %s", c.Approval.Timeout)
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
