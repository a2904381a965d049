package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Gateway Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Redis         RedisConfig         `yaml:"redis"`
	WAL           WALConfig           `yaml:"wal"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Billing       BillingConfig       `yaml:"billing"`
	ReorgWatch    ReorgWatchConfig    `yaml:"reorg_watch"`
	FinalizeQueue FinalizeQueueConfig `yaml:"finalize_queue"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	ModelAdapter  ModelAdapterConfig  `yaml:"model_adapter"`
	Auth          AuthConfig          `yaml:"auth"`
	PubSub        PubSubConfig        `yaml:"pubsub"`
	CloudTasks    CloudTasksConfig    `yaml:"cloud_tasks"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// RedisConfig is the Redis connection cmd/gateway opens for LeaderLock
// when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WALConfig selects and sizes the EventLog backend.
type WALConfig struct {
	Backend    string `yaml:"backend"` // "memory" | "file" | "postgres"
	FilePath   string `yaml:"file_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	PageSize   int    `yaml:"page_size"`
}

// LedgerConfig is currently structural only — CreditLedger takes no
// tunables beyond the shared EventLog, but the section exists so
// per-tier defaults (grace periods, expiry sweep cadence) have a home
// as the ledger grows.
type LedgerConfig struct {
	ExpirySweepIntervalSec int `yaml:"expiry_sweep_interval_sec"`
}

type BillingConfig struct {
	// ReserveCompletionTokenCeiling is loaded and merged per tenant, but
	// the orchestrator does not read it: orchestrator.estimateReserve
	// uses its own fixed 4096-token completion ceiling.
	ReserveCompletionTokenCeiling uint64 `yaml:"reserve_completion_token_ceiling"`
}

type ReorgWatchConfig struct {
	HorizonMinutes  int `yaml:"horizon_minutes"`
	IntervalMinutes int `yaml:"interval_minutes"`
}

type FinalizeQueueConfig struct {
	Workers        int     `yaml:"workers"`
	MaxAttempts    int     `yaml:"max_attempts"`
	BaseBackoffMs  int     `yaml:"base_backoff_ms"`
	MaxBackoffSec  int     `yaml:"max_backoff_sec"`
	JitterFraction float64 `yaml:"jitter_fraction"`
	QueueDepth     int     `yaml:"queue_depth"`
	Backend        string  `yaml:"backend"` // "channel" | "cloud_tasks"
	TargetURL      string  `yaml:"target_url"`
}

type IdempotencyConfig struct {
	Capacity  int `yaml:"capacity"`
	TTLSecond int `yaml:"ttl_sec"`
}

type RateLimitConfig struct {
	Backend           string `yaml:"backend"` // "local" | "redis"
	MaxCallsPerMinute int    `yaml:"max_calls_per_minute"`
	BurstSize         int    `yaml:"burst_size"`
}

type ModelAdapterConfig struct {
	Backend        string   `yaml:"backend"` // "subprocess" | "container"
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	MaxRuntimeSec  int      `yaml:"max_runtime_sec"`
	KillGraceSec   int      `yaml:"kill_grace_sec"`
	ContainerImage string   `yaml:"container_image"`
}

// AuthConfig covers JWT/JWKS verification and the intra-service HMAC
// envelope, the Security section's direct successor.
type AuthConfig struct {
	JWKSURL             string `yaml:"jwks_url"`
	JWTIssuer           string `yaml:"jwt_issuer"`
	JWTAudience         string `yaml:"jwt_audience"`
	HMACSecret          string `yaml:"hmac_secret"`
	HMACRotationGraceSec int   `yaml:"hmac_rotation_grace_sec"`
	ClockSkewSec        int    `yaml:"clock_skew_sec"`
}

type MonitoringConfig struct {
	LatencyAlertMs   int  `yaml:"latency_alert_ms"`
	EnableLiveStream bool `yaml:"enable_live_stream"`
}

// PubSubConfig holds Google Cloud Pub/Sub settings; nothing outside
// this package reads them.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

// CloudTasksConfig for FinalizeQueue delivery via Google Cloud Tasks.
type CloudTasksConfig struct {
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
	Enabled    bool   `yaml:"enabled"`
}

func (c ReorgWatchConfig) Horizon() time.Duration  { return time.Duration(c.HorizonMinutes) * time.Minute }
func (c ReorgWatchConfig) Interval() time.Duration { return time.Duration(c.IntervalMinutes) * time.Minute }

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies GATEWAY_*-prefixed (and a few conventional
// unprefixed) environment variable overrides on top of the YAML-loaded
// config, then fills in defaults for anything still zero-valued.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("GATEWAY_ENV", c.Server.Env)
	c.Server.Interface = getEnv("GATEWAY_INTERFACE", c.Server.Interface)
	if v := getEnvInt("GATEWAY_SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("GATEWAY_SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if origins := getEnv("GATEWAY_CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Redis.Addr = getEnv("GATEWAY_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("GATEWAY_REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("GATEWAY_REDIS_DB", -1); v >= 0 {
		c.Redis.DB = v
	}

	c.WAL.Backend = getEnv("GATEWAY_WAL_BACKEND", c.WAL.Backend)
	c.WAL.FilePath = getEnv("GATEWAY_WAL_FILE_PATH", c.WAL.FilePath)
	c.WAL.PostgresDSN = getEnv("GATEWAY_WAL_POSTGRES_DSN", c.WAL.PostgresDSN)

	if v := getEnvInt("GATEWAY_REORG_HORIZON_MINUTES", 0); v > 0 {
		c.ReorgWatch.HorizonMinutes = v
	}
	if v := getEnvInt("GATEWAY_REORG_INTERVAL_MINUTES", 0); v > 0 {
		c.ReorgWatch.IntervalMinutes = v
	}

	if v := getEnvInt("GATEWAY_FINALIZE_WORKERS", 0); v > 0 {
		c.FinalizeQueue.Workers = v
	}
	c.FinalizeQueue.Backend = getEnv("GATEWAY_FINALIZE_BACKEND", c.FinalizeQueue.Backend)
	c.FinalizeQueue.TargetURL = getEnv("GATEWAY_FINALIZE_TARGET_URL", c.FinalizeQueue.TargetURL)

	if v := getEnvInt("GATEWAY_IDEMPOTENCY_CAPACITY", 0); v > 0 {
		c.Idempotency.Capacity = v
	}

	c.RateLimit.Backend = getEnv("GATEWAY_RATE_LIMIT_BACKEND", c.RateLimit.Backend)
	if v := getEnvInt("GATEWAY_RATE_LIMIT_MAX_CALLS_PER_MINUTE", 0); v > 0 {
		c.RateLimit.MaxCallsPerMinute = v
	}

	c.ModelAdapter.Backend = getEnv("GATEWAY_MODEL_ADAPTER_BACKEND", c.ModelAdapter.Backend)
	c.ModelAdapter.ContainerImage = getEnv("GATEWAY_MODEL_ADAPTER_CONTAINER_IMAGE", c.ModelAdapter.ContainerImage)

	c.Auth.JWKSURL = getEnv("GATEWAY_JWKS_URL", c.Auth.JWKSURL)
	c.Auth.JWTIssuer = getEnv("GATEWAY_JWT_ISSUER", c.Auth.JWTIssuer)
	c.Auth.JWTAudience = getEnv("GATEWAY_JWT_AUDIENCE", c.Auth.JWTAudience)
	c.Auth.HMACSecret = getEnv("GATEWAY_HMAC_SECRET", c.Auth.HMACSecret)

	if projectID := getEnv("GATEWAY_GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
		c.CloudTasks.ProjectID = projectID
	}
	c.PubSub.TopicID = getEnv("GATEWAY_PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("GATEWAY_PUBSUB_ENABLED", c.PubSub.Enabled)

	c.CloudTasks.LocationID = getEnv("GATEWAY_CLOUD_TASKS_LOCATION", c.CloudTasks.LocationID)
	c.CloudTasks.QueueID = getEnv("GATEWAY_CLOUD_TASKS_QUEUE", c.CloudTasks.QueueID)
	c.CloudTasks.Enabled = getEnvBool("GATEWAY_CLOUD_TASKS_ENABLED", c.CloudTasks.Enabled)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.WAL.Backend == "" {
		c.WAL.Backend = "memory"
	}
	if c.WAL.PageSize == 0 {
		c.WAL.PageSize = 500
	}
	if c.ReorgWatch.HorizonMinutes == 0 {
		c.ReorgWatch.HorizonMinutes = 60
	}
	if c.ReorgWatch.IntervalMinutes == 0 {
		c.ReorgWatch.IntervalMinutes = 5
	}
	if c.FinalizeQueue.Workers == 0 {
		c.FinalizeQueue.Workers = 4
	}
	if c.FinalizeQueue.MaxAttempts == 0 {
		c.FinalizeQueue.MaxAttempts = 6
	}
	if c.FinalizeQueue.BaseBackoffMs == 0 {
		c.FinalizeQueue.BaseBackoffMs = 500
	}
	if c.FinalizeQueue.MaxBackoffSec == 0 {
		c.FinalizeQueue.MaxBackoffSec = 120
	}
	if c.FinalizeQueue.JitterFraction == 0 {
		c.FinalizeQueue.JitterFraction = 0.2
	}
	if c.FinalizeQueue.QueueDepth == 0 {
		c.FinalizeQueue.QueueDepth = 1000
	}
	if c.FinalizeQueue.Backend == "" {
		c.FinalizeQueue.Backend = "channel"
	}
	if c.Idempotency.Capacity == 0 {
		c.Idempotency.Capacity = 10000
	}
	if c.Idempotency.TTLSecond == 0 {
		c.Idempotency.TTLSecond = 3600
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "local"
	}
	if c.RateLimit.MaxCallsPerMinute == 0 {
		c.RateLimit.MaxCallsPerMinute = 60
	}
	if c.RateLimit.BurstSize == 0 {
		c.RateLimit.BurstSize = c.RateLimit.MaxCallsPerMinute * 2
	}
	if c.ModelAdapter.Backend == "" {
		c.ModelAdapter.Backend = "subprocess"
	}
	if c.ModelAdapter.Command == "" {
		c.ModelAdapter.Command = "/usr/local/bin/ocx-model-runner"
	}
	if c.ModelAdapter.MaxRuntimeSec == 0 {
		c.ModelAdapter.MaxRuntimeSec = 60
	}
	if c.ModelAdapter.KillGraceSec == 0 {
		c.ModelAdapter.KillGraceSec = 3
	}
	if c.Auth.ClockSkewSec == 0 {
		c.Auth.ClockSkewSec = 30
	}
	if c.Auth.HMACRotationGraceSec == 0 {
		c.Auth.HMACRotationGraceSec = 300
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "gateway-events"
	}
	if c.CloudTasks.LocationID == "" {
		c.CloudTasks.LocationID = "us-central1"
	}
	if c.CloudTasks.QueueID == "" {
		c.CloudTasks.QueueID = "gateway-finalize"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
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

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
