package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/osvaldoandrade/markerq/internal/backoff"
	"gopkg.in/yaml.v3"
)

const (
	ModeSimple      = "simple"
	ModeDistributed = "distributed"
)

type RateLimitBucketConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

type RateLimitConfig struct {
	Upload  RateLimitBucketConfig `yaml:"upload"`
	Poll    RateLimitBucketConfig `yaml:"poll"`
	Webhook RateLimitBucketConfig `yaml:"webhook"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	OTLPInsecure bool    `yaml:"otlpInsecure"`
	SampleRatio  float64 `yaml:"sampleRatio"`
}

type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Mode     string `yaml:"mode"`
	Broker   string `yaml:"broker"`
	RedisURL string `yaml:"redisUrl"`
	// RedisAddr/RedisPassword are used when RedisURL is empty.
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	Timezone      string `yaml:"timezone"`
	LogLevel      string `yaml:"logLevel"`
	LogFormat     string `yaml:"logFormat"`
	Env           string `yaml:"env"`

	DefaultLeaseSeconds int    `yaml:"defaultLeaseSeconds"`
	RequeueInspectLimit int    `yaml:"requeueInspectLimit"`
	MaxAttemptsDefault  int    `yaml:"maxAttemptsDefault"`
	BackoffPolicy       string `yaml:"backoffPolicy"`
	BackoffBaseSeconds  int    `yaml:"backoffBaseSeconds"`
	BackoffMaxSeconds   int    `yaml:"backoffMaxSeconds"`

	SyncWaitTimeoutSeconds int `yaml:"syncWaitTimeoutSeconds"`
	SyncPollIntervalMillis int `yaml:"syncPollIntervalMillis"`
	MaxUploadMB            int `yaml:"maxUploadMB"`
	MaxBatchSize           int `yaml:"maxBatchSize"`

	WorkerConcurrency      int  `yaml:"workerConcurrency"`
	EmbeddedWorkers        int  `yaml:"embeddedWorkers"`
	WorkerHeartbeatSeconds int  `yaml:"workerHeartbeatSeconds"`
	WorkerLivenessSeconds  int  `yaml:"workerLivenessSeconds"`
	ClaimPollMillis        int  `yaml:"claimPollMillis"`
	DisableImages          bool `yaml:"disableImages"`

	LocalArtifactsDir string `yaml:"localArtifactsDir"`
	OutputDir         string `yaml:"outputDir"`
	AdminToken        string `yaml:"adminToken"`

	WebhookHmacSecret               string `yaml:"webhookHmacSecret"`
	ResultWebhookMaxAttempts        int    `yaml:"resultWebhookMaxAttempts"`
	ResultWebhookBaseBackoffSeconds int    `yaml:"resultWebhookBaseBackoffSeconds"`
	ResultWebhookMaxBackoffSeconds  int    `yaml:"resultWebhookMaxBackoffSeconds"`
	RetentionCleanupIntervalSeconds int    `yaml:"retentionCleanupIntervalSeconds"`

	CORSAllowOrigins []string        `yaml:"corsAllowOrigins"`
	RateLimit        RateLimitConfig `yaml:"rateLimit"`
	Tracing          TracingConfig   `yaml:"tracing"`
}

// LoadConfig reads a YAML file and applies environment overrides and defaults.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return finish(&c), nil
}

// LoadConfigOptional behaves like LoadConfig but tolerates an empty path or a missing file.
// A .env file in the working directory is loaded first; real environment variables win.
func LoadConfigOptional(filePath string) (*Config, error) {
	_ = godotenv.Load(".env")

	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return finish(&Config{}), nil
	}
	cfg, err := LoadConfig(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(&Config{}), nil
	}
	return cfg, err
}

func finish(c *Config) *Config {
	applyEnv(c)
	applyDefaults(c)
	log.Printf("Marker Config: {Mode:%s Host:%s Port:%d Broker:%s Redis:%s Lease:%ds SyncWait:%ds}\n",
		c.Mode, c.Host, c.Port, c.Broker, c.redisTarget(), c.DefaultLeaseSeconds, c.SyncWaitTimeoutSeconds)
	return c
}

func (c *Config) redisTarget() string {
	if c.RedisURL != "" {
		return "url"
	}
	return c.RedisAddr
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func applyEnv(c *Config) {
	envString("HOST", &c.Host)
	envInt("PORT", &c.Port)
	envString("MARKER_MODE", &c.Mode)
	envString("MARKER_BROKER", &c.Broker)
	// REDIS_HOST holds a redis:// URL in existing deployments.
	envString("REDIS_HOST", &c.RedisURL)
	envString("REDIS_URL", &c.RedisURL)
	envString("REDIS_ADDR", &c.RedisAddr)
	envString("REDIS_PASSWORD", &c.RedisPassword)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)
	envString("ENV", &c.Env)
	envInt("DEFAULT_LEASE_SECONDS", &c.DefaultLeaseSeconds)
	envInt("MAX_ATTEMPTS_DEFAULT", &c.MaxAttemptsDefault)
	envString("BACKOFF_POLICY", &c.BackoffPolicy)
	envInt("BACKOFF_BASE_SECONDS", &c.BackoffBaseSeconds)
	envInt("BACKOFF_MAX_SECONDS", &c.BackoffMaxSeconds)
	envInt("SYNC_WAIT_TIMEOUT_SECONDS", &c.SyncWaitTimeoutSeconds)
	envInt("SYNC_POLL_INTERVAL_MILLIS", &c.SyncPollIntervalMillis)
	envInt("MAX_UPLOAD_MB", &c.MaxUploadMB)
	envInt("MAX_BATCH_SIZE", &c.MaxBatchSize)
	envInt("WORKER_CONCURRENCY", &c.WorkerConcurrency)
	envInt("EMBEDDED_WORKERS", &c.EmbeddedWorkers)
	envBool("DISABLE_IMAGES", &c.DisableImages)
	envString("LOCAL_ARTIFACTS_DIR", &c.LocalArtifactsDir)
	envString("OUTPUT_DIR", &c.OutputDir)
	envString("ADMIN_TOKEN", &c.AdminToken)
	envString("WEBHOOK_HMAC_SECRET", &c.WebhookHmacSecret)
	envInt("RESULT_WEBHOOK_MAX_ATTEMPTS", &c.ResultWebhookMaxAttempts)
	envInt("RESULT_WEBHOOK_BASE_BACKOFF_SECONDS", &c.ResultWebhookBaseBackoffSeconds)
	envInt("RESULT_WEBHOOK_MAX_BACKOFF_SECONDS", &c.ResultWebhookMaxBackoffSeconds)
	envBool("TRACING_ENABLED", &c.Tracing.Enabled)
	envString("OTEL_SERVICE_NAME", &c.Tracing.ServiceName)
}

func applyDefaults(c *Config) {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Mode == "" {
		c.Mode = ModeDistributed
	}
	if c.Broker == "" {
		c.Broker = "redis"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.DefaultLeaseSeconds <= 0 {
		c.DefaultLeaseSeconds = 300
	}
	if c.RequeueInspectLimit <= 0 {
		c.RequeueInspectLimit = 200
	}
	if c.MaxAttemptsDefault <= 0 {
		c.MaxAttemptsDefault = 3
	}
	if c.BackoffPolicy == "" {
		c.BackoffPolicy = backoff.PolicyExpFullJitter
	}
	if c.BackoffBaseSeconds <= 0 {
		c.BackoffBaseSeconds = 5
	}
	if c.BackoffMaxSeconds <= 0 {
		c.BackoffMaxSeconds = 900
	}
	if c.SyncWaitTimeoutSeconds <= 0 {
		c.SyncWaitTimeoutSeconds = 600
	}
	if c.SyncPollIntervalMillis <= 0 {
		c.SyncPollIntervalMillis = 1000
	}
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = 100
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 1
	}
	if c.WorkerHeartbeatSeconds <= 0 {
		c.WorkerHeartbeatSeconds = 10
	}
	if c.WorkerLivenessSeconds <= 0 {
		c.WorkerLivenessSeconds = 30
	}
	if c.ClaimPollMillis <= 0 {
		c.ClaimPollMillis = 500
	}
	if c.LocalArtifactsDir == "" {
		c.LocalArtifactsDir = "/tmp/marker-artifacts"
	}
	if c.ResultWebhookMaxAttempts <= 0 {
		c.ResultWebhookMaxAttempts = 5
	}
	if c.ResultWebhookBaseBackoffSeconds <= 0 {
		c.ResultWebhookBaseBackoffSeconds = 2
	}
	if c.ResultWebhookMaxBackoffSeconds <= 0 {
		c.ResultWebhookMaxBackoffSeconds = 60
	}
	if c.RetentionCleanupIntervalSeconds <= 0 {
		c.RetentionCleanupIntervalSeconds = 300
	}
	if len(c.CORSAllowOrigins) == 0 {
		c.CORSAllowOrigins = []string{"*"}
	}
}

// RetryPolicy is the backoff applied when a task is redelivered.
func (c *Config) RetryPolicy() backoff.Policy {
	return backoff.Policy{Name: c.BackoffPolicy, BaseSeconds: c.BackoffBaseSeconds, MaxSeconds: c.BackoffMaxSeconds}
}

func (c *Config) Validate() error {
	var errs []string
	dev := strings.ToLower(strings.TrimSpace(c.Env)) == "dev"

	switch c.Mode {
	case ModeSimple, ModeDistributed:
	default:
		errs = append(errs, fmt.Sprintf("mode must be %q or %q", ModeSimple, ModeDistributed))
	}
	switch c.Broker {
	case "redis":
	case "memory":
		if c.Mode == ModeDistributed && c.EmbeddedWorkers <= 0 {
			errs = append(errs, "memory broker requires embeddedWorkers > 0")
		}
	default:
		errs = append(errs, "broker must be redis or memory")
	}
	if !backoff.Valid(c.BackoffPolicy) {
		errs = append(errs, "unknown backoffPolicy "+c.BackoffPolicy)
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, "port out of range")
	}
	if c.SyncPollIntervalMillis > c.SyncWaitTimeoutSeconds*1000 {
		errs = append(errs, "syncPollIntervalMillis must not exceed syncWaitTimeoutSeconds")
	}
	if strings.TrimSpace(c.AdminToken) == "" && !dev {
		errs = append(errs, "adminToken is required in non-dev")
	}
	if strings.TrimSpace(c.WebhookHmacSecret) == "" && !dev {
		errs = append(errs, "webhookHmacSecret is required in non-dev")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
