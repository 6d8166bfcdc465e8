package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds all server configuration
type Config struct {
	// Environment
	Env      Environment `envconfig:"ENV" default:"development"`
	LogLevel string      `envconfig:"LOG_LEVEL" default:"info"`
	Debug    bool        `envconfig:"DEBUG" default:"false"`

	// Application
	App AppConfig

	// Server
	Server ServerConfig

	// Database
	Database DatabaseConfig

	// Redis
	Redis RedisConfig

	// Claude AI
	Claude ClaudeConfig

	// Object storage
	Storage StorageConfig

	// Security
	Security SecurityConfig

	// Agent protocol
	Agent AgentConfig

	// Crawler defaults
	Crawler CrawlerConfig
}

// AppConfig holds application metadata
type AppConfig struct {
	Name    string `envconfig:"APP_NAME" default:"formscout"`
	Version string `envconfig:"APP_VERSION" default:"1.0.0"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"45s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
	MaxRequestSize  int64         `envconfig:"SERVER_MAX_REQUEST_SIZE" default:"52428800"` // 50MB, DOM payloads are large
}

// Addr returns the listen address
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	Host            string        `envconfig:"DB_HOST" default:"localhost"`
	Port            int           `envconfig:"DB_PORT" default:"5432"`
	User            string        `envconfig:"DB_USER" default:"formscout"`
	Password        string        `envconfig:"DB_PASSWORD" required:"true"`
	Database        string        `envconfig:"DB_NAME" default:"formscout"`
	SSLMode         string        `envconfig:"DB_SSL_MODE" default:"disable"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	ConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"1m"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis settings
type RedisConfig struct {
	Host         string        `envconfig:"REDIS_HOST" default:"localhost"`
	Port         int           `envconfig:"REDIS_PORT" default:"6379"`
	Password     string        `envconfig:"REDIS_PASSWORD" default:""`
	DB           int           `envconfig:"REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"REDIS_MIN_IDLE_CONNS" default:"5"`
	DialTimeout  time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	// ReadTimeout must exceed the task long-poll window or BRPOP calls
	// surface as client-side timeouts.
	ReadTimeout  time.Duration `envconfig:"REDIS_READ_TIMEOUT" default:"35s"`
	WriteTimeout time.Duration `envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

// Addr returns Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ClaudeConfig holds Claude AI settings
type ClaudeConfig struct {
	APIKey       string        `envconfig:"ANTHROPIC_API_KEY" default:""`
	Model        string        `envconfig:"CLAUDE_MODEL" default:"claude-sonnet-4-20250514"`
	VisionModel  string        `envconfig:"CLAUDE_VISION_MODEL" default:"claude-3-5-haiku-20241022"`
	MaxTokens    int           `envconfig:"CLAUDE_MAX_TOKENS" default:"8192"`
	Timeout      time.Duration `envconfig:"CLAUDE_TIMEOUT" default:"120s"`
	RateLimitRPM int           `envconfig:"CLAUDE_RATE_LIMIT_RPM" default:"50"`
	MaxRetries   int           `envconfig:"CLAUDE_MAX_RETRIES" default:"3"`
}

// StorageConfig holds MinIO/S3 settings for crawl artifacts
type StorageConfig struct {
	Endpoint      string        `envconfig:"STORAGE_ENDPOINT" default:"localhost:9000"`
	AccessKey     string        `envconfig:"STORAGE_ACCESS_KEY" default:"minioadmin"`
	SecretKey     string        `envconfig:"STORAGE_SECRET_KEY" default:"minioadmin"`
	Bucket        string        `envconfig:"STORAGE_BUCKET" default:"formscout-artifacts"`
	UseSSL        bool          `envconfig:"STORAGE_USE_SSL" default:"false"`
	PresignExpiry time.Duration `envconfig:"STORAGE_PRESIGN_EXPIRY" default:"2h"`
}

// SecurityConfig holds security settings
type SecurityConfig struct {
	// JWT for agent sessions
	JWTSecret     string        `envconfig:"JWT_SECRET" required:"true"`
	JWTExpiration time.Duration `envconfig:"JWT_EXPIRATION" default:"30m"`

	// EncryptionKey seals BYOK provider keys and network passwords (base64
	// or raw 32 bytes)
	EncryptionKey string `envconfig:"ENCRYPTION_KEY" required:"true"`

	// AgentRegisterToken is the shared secret agents present at Register
	AgentRegisterToken string `envconfig:"AGENT_REGISTER_TOKEN" required:"true"`

	// CORS
	CORSEnabled        bool     `envconfig:"CORS_ENABLED" default:"true"`
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// AgentConfig holds agent protocol settings
type AgentConfig struct {
	HeartbeatTimeout time.Duration `envconfig:"AGENT_HEARTBEAT_TIMEOUT" default:"60s"`
	PollTimeout      time.Duration `envconfig:"AGENT_POLL_TIMEOUT" default:"30s"`
}

// CrawlerConfig holds crawl defaults handed to agents in task parameters
type CrawlerConfig struct {
	MaxDepth      int  `envconfig:"CRAWLER_MAX_DEPTH" default:"20"`
	MaxStates     int  `envconfig:"CRAWLER_MAX_STATES" default:"500"`
	SlowMode      bool `envconfig:"CRAWLER_SLOW_MODE" default:"false"`
	MaxClickables int  `envconfig:"CRAWLER_MAX_CLICKABLES" default:"50"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errors []string

	if c.Security.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	}
	if c.Security.AgentRegisterToken == "" {
		errors = append(errors, "AGENT_REGISTER_TOKEN is required")
	}
	if c.Security.EncryptionKey == "" {
		errors = append(errors, "ENCRYPTION_KEY is required")
	}

	// The platform key is optional: BYOK companies bring their own. In
	// production we still refuse to start without one so legacy and trial
	// companies are not silently broken.
	if c.Env == EnvProduction && c.Claude.APIKey == "" {
		errors = append(errors, "ANTHROPIC_API_KEY is required in production")
	}

	if c.Agent.PollTimeout >= c.Redis.ReadTimeout {
		errors = append(errors, "REDIS_READ_TIMEOUT must exceed AGENT_POLL_TIMEOUT")
	}

	if len(errors) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

// IsDevelopment reports whether we run in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

// IsProduction reports whether we run in production mode
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}
