package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	HTTPClient  HTTPClientConfig  `mapstructure:"http_client"`
	Store       StoreConfig       `mapstructure:"store"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Usage       UsageConfig       `mapstructure:"usage"`
	Gemini      GeminiConfig      `mapstructure:"gemini"`
	Replicate   ReplicateConfig   `mapstructure:"replicate"`
	Poller      PollerConfig      `mapstructure:"poller"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Analysis    AnalysisConfig    `mapstructure:"analysis"`
	Remediation RemediationConfig `mapstructure:"remediation"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowOrigins    []string      `mapstructure:"allow_origins"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPClientConfig holds outbound HTTP client configuration for connection pooling.
type HTTPClientConfig struct {
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `mapstructure:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `mapstructure:"tls_handshake_timeout"`
	ResponseTimeout     time.Duration `mapstructure:"response_timeout"`
	KeepAlive           time.Duration `mapstructure:"keep_alive"`
}

// StoreConfig selects the key-value store backing the usage counters.
type StoreConfig struct {
	// Driver is one of memory, redis, postgres, sqlite.
	Driver string `mapstructure:"driver"`
	// TTL is the retention applied by stores that support expiry.
	TTL time.Duration `mapstructure:"ttl"`
	// SQLitePath is the database file for the sqlite driver.
	SQLitePath string `mapstructure:"sqlite_path"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig holds Postgres configuration for the SQL store.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode,
	)
	if c.Password != "" {
		dsn += fmt.Sprintf(" password=%s", c.Password)
	}
	return dsn
}

// LimitConfig holds the daily limits for one metered action.
type LimitConfig struct {
	PerCaller int `mapstructure:"per_caller"`
	Global    int `mapstructure:"global"`
}

// UsageConfig holds daily quota configuration.
type UsageConfig struct {
	// Salt keys the caller identity hash.
	Salt string `mapstructure:"salt"`
	// ClientIPHeader is the platform-provided client IP header.
	ClientIPHeader string      `mapstructure:"client_ip_header"`
	Analyze        LimitConfig `mapstructure:"analyze"`
	Fix            LimitConfig `mapstructure:"fix"`
}

// GeminiConfig holds the hosted model configuration.
type GeminiConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
}

// ReplicateConfig holds the image generation API configuration.
type ReplicateConfig struct {
	BaseURL   string  `mapstructure:"base_url"`
	APIToken  string  `mapstructure:"api_token"`
	Model     string  `mapstructure:"model"`
	Version   string  `mapstructure:"version"`
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
	// Circuit breaker settings.
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`
}

// PollerConfig holds job polling configuration.
type PollerConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Interval    time.Duration `mapstructure:"interval"`
}

// RetryConfig holds the transient error retry policy.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// AnalysisConfig holds policy analysis configuration.
type AnalysisConfig struct {
	PolicyGuidePath string `mapstructure:"policy_guide_path"`
	MaxUploadBytes  int64  `mapstructure:"max_upload_bytes"`
}

// RemediationConfig holds fix pipeline configuration.
type RemediationConfig struct {
	MaxImageBytes int64 `mapstructure:"max_image_bytes"`
	// ImageInputField is the model input name receiving the source image.
	ImageInputField string `mapstructure:"image_input_field"`
}

// StorageConfig holds object storage configuration for mirrored artifacts.
type StorageConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Endpoint        string        `mapstructure:"endpoint"`
	Region          string        `mapstructure:"region"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	Bucket          string        `mapstructure:"bucket"`
	Prefix          string        `mapstructure:"prefix"`
	PresignExpiry   time.Duration `mapstructure:"presign_expiry"`
}

// MetricsConfig holds Prometheus configuration.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from an explicit file, or searches the
// default locations when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/checkmate")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults and env
	}

	v.SetEnvPrefix("CHECKMATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override with environment variables for sensitive values
	if key := os.Getenv("CHECKMATE_GEMINI_API_KEY"); key != "" {
		cfg.Gemini.APIKey = key
	}
	if token := os.Getenv("CHECKMATE_REPLICATE_API_TOKEN"); token != "" {
		cfg.Replicate.APIToken = token
	}
	if password := os.Getenv("CHECKMATE_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if password := os.Getenv("CHECKMATE_DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if key := os.Getenv("CHECKMATE_STORAGE_SECRET_KEY"); key != "" {
		cfg.Storage.SecretAccessKey = key
	}
	if salt := os.Getenv("CHECKMATE_USAGE_SALT"); salt != "" {
		cfg.Usage.Salt = salt
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that defaults cannot express.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "redis", "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid store driver %q", c.Store.Driver)
	}
	if c.Poller.MaxAttempts <= 0 {
		return fmt.Errorf("poller.max_attempts must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Usage.Analyze.PerCaller < 0 || c.Usage.Analyze.Global < 0 ||
		c.Usage.Fix.PerCaller < 0 || c.Usage.Fix.Global < 0 {
		return fmt.Errorf("usage limits must not be negative")
	}
	if c.Storage.Enabled && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required when storage is enabled")
	}
	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 240*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allow_origins", []string{"*"})

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// HTTP client defaults
	v.SetDefault("http_client.max_idle_conns", 100)
	v.SetDefault("http_client.max_idle_conns_per_host", 10)
	v.SetDefault("http_client.max_conns_per_host", 50)
	v.SetDefault("http_client.idle_conn_timeout", 90*time.Second)
	v.SetDefault("http_client.dial_timeout", 10*time.Second)
	v.SetDefault("http_client.tls_handshake_timeout", 10*time.Second)
	v.SetDefault("http_client.response_timeout", 60*time.Second)
	v.SetDefault("http_client.keep_alive", 30*time.Second)

	// Store defaults
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.ttl", 48*time.Hour)
	v.SetDefault("store.sqlite_path", "checkmate.db")

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "checkmate")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	// Usage defaults
	v.SetDefault("usage.client_ip_header", "X-Real-IP")
	v.SetDefault("usage.analyze.per_caller", 5)
	v.SetDefault("usage.analyze.global", 100)
	v.SetDefault("usage.fix.per_caller", 5)
	v.SetDefault("usage.fix.global", 100)

	// Gemini defaults
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.temperature", 0.2)

	// Replicate defaults
	v.SetDefault("replicate.base_url", "https://api.replicate.com")
	v.SetDefault("replicate.model", "black-forest-labs/flux-kontext-pro")
	v.SetDefault("replicate.rate_limit", 5.0)
	v.SetDefault("replicate.rate_burst", 5)
	v.SetDefault("replicate.failure_threshold", 5)
	v.SetDefault("replicate.circuit_timeout", 30*time.Second)

	// Poller defaults
	v.SetDefault("poller.max_attempts", 60)
	v.SetDefault("poller.interval", 3*time.Second)

	// Retry defaults
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", 30*time.Second)

	// Analysis defaults
	v.SetDefault("analysis.max_upload_bytes", 20<<20)

	// Remediation defaults
	v.SetDefault("remediation.max_image_bytes", 10<<20)
	v.SetDefault("remediation.image_input_field", "input_image")

	// Storage defaults
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.prefix", "fixes")
	v.SetDefault("storage.presign_expiry", 7*24*time.Hour)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "checkmate")
	v.SetDefault("metrics.path", "/metrics")
}
