package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"gopkg.in/yaml.v3"
)

type Config struct {
	API       APIConfig       `yaml:"api"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Capture   CaptureConfig   `yaml:"capture"`
	Storage   StorageConfig   `yaml:"storage"`
	Store     StoreConfig     `yaml:"store"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Log       LogConfig       `yaml:"log"`
}

type APIConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type QueueConfig struct {
	BrokerURL   string        `yaml:"broker_url"`
	Name        string        `yaml:"name"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	Retention   time.Duration `yaml:"retention"`
}

// RedisConnOpt parses the broker URL (redis://, rediss://, redis-socket://).
func (q QueueConfig) RedisConnOpt() (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(q.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	return opt, nil
}

type WorkerConfig struct {
	Concurrency    int    `yaml:"concurrency"`
	MaxBrowsers    int    `yaml:"max_browsers"`
	MetricsAddr    string `yaml:"metrics_addr"`
	LocalOutputDir string `yaml:"local_output_dir"`
}

type CaptureConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MinViews       int           `yaml:"min_views"`
	MaxViews       int           `yaml:"max_views"`
	ViewportWidth  int           `yaml:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	ThumbnailWidth int           `yaml:"thumbnail_width"`
	ChromePath     string        `yaml:"chrome_path"`
	Emitter        string        `yaml:"emitter"`
}

type StorageConfig struct {
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Bucket        string `yaml:"bucket"`
	UseSSL        bool   `yaml:"use_ssl"`
	PublicBaseURL string `yaml:"public_base_url"`
	Prefix        string `yaml:"prefix"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

type AuthConfig struct {
	PublicKeyFile string   `yaml:"public_key_file"`
	HMACSecret    string   `yaml:"hmac_secret"`
	Audience      string   `yaml:"audience"`
	Issuer        string   `yaml:"issuer"`
	Algorithms    []string `yaml:"algorithms"`
}

func (a AuthConfig) Enabled() bool {
	return strings.TrimSpace(a.PublicKeyFile) != "" || strings.TrimSpace(a.HMACSecret) != ""
}

type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	RedisURL string        `yaml:"redis_url"`
	Limit    int           `yaml:"limit"`
	Window   time.Duration `yaml:"window"`
}

type WebhookConfig struct {
	SigningSecret  string        `yaml:"signing_secret"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

type TracingConfig struct {
	Exporter     string  `yaml:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	OTLPInsecure bool    `yaml:"otlp_insecure"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
}

func Default() Config {
	return Config{
		API: APIConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Queue: QueueConfig{
			BrokerURL:   "redis://localhost:6379/0",
			Name:        "screenshots",
			MaxRetries:  3,
			RetryDelay:  60 * time.Second,
			TaskTimeout: 5 * time.Minute,
			Retention:   24 * time.Hour,
		},
		Worker: WorkerConfig{
			Concurrency:    max(2, runtime.NumCPU()),
			MaxBrowsers:    max(1, runtime.NumCPU()/2),
			MetricsAddr:    ":9091",
			LocalOutputDir: "./.swipeflow-output",
		},
		Capture: CaptureConfig{
			Timeout:        30 * time.Second,
			MinViews:       3,
			MaxViews:       7,
			ViewportWidth:  1440,
			ViewportHeight: 900,
			SettleDelay:    300 * time.Millisecond,
			ThumbnailWidth: 320,
			Emitter:        "object_store",
		},
		Storage: StorageConfig{
			Endpoint:  "localhost:9000",
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Bucket:    "swipeflow-screenshots",
			Prefix:    "screenshots",
		},
		Store: StoreConfig{
			Driver: "redis",
			URL:    "redis://localhost:6379/1",
		},
		Auth: AuthConfig{
			Algorithms: []string{"RS256"},
		},
		RateLimit: RateLimitConfig{
			Limit:  30,
			Window: time.Minute,
		},
		Webhook: WebhookConfig{
			Timeout:        10 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: time.Second,
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			SampleRatio: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the environment, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.API.Addr = env("SWIPEFLOW_API_ADDR", c.API.Addr)
	c.API.ReadTimeout = envDuration("SWIPEFLOW_API_READ_TIMEOUT", c.API.ReadTimeout)
	c.API.WriteTimeout = envDuration("SWIPEFLOW_API_WRITE_TIMEOUT", c.API.WriteTimeout)

	c.Queue.BrokerURL = env("SWIPEFLOW_BROKER_URL", c.Queue.BrokerURL)
	c.Queue.Name = env("SWIPEFLOW_QUEUE", c.Queue.Name)
	c.Queue.MaxRetries = envInt("SWIPEFLOW_MAX_RETRIES", c.Queue.MaxRetries)
	c.Queue.RetryDelay = envDuration("SWIPEFLOW_RETRY_DELAY", c.Queue.RetryDelay)
	c.Queue.TaskTimeout = envDuration("SWIPEFLOW_TASK_TIMEOUT", c.Queue.TaskTimeout)

	c.Worker.Concurrency = envInt("SWIPEFLOW_WORKER_CONCURRENCY", c.Worker.Concurrency)
	c.Worker.MaxBrowsers = envInt("SWIPEFLOW_WORKER_MAX_BROWSERS", c.Worker.MaxBrowsers)
	c.Worker.MetricsAddr = env("SWIPEFLOW_WORKER_METRICS_ADDR", c.Worker.MetricsAddr)
	c.Worker.LocalOutputDir = env("SWIPEFLOW_WORKER_LOCAL_OUTPUT_DIR", c.Worker.LocalOutputDir)

	c.Capture.Timeout = envDuration("SWIPEFLOW_CAPTURE_TIMEOUT", c.Capture.Timeout)
	c.Capture.MinViews = envInt("SWIPEFLOW_CAPTURE_MIN_VIEWS", c.Capture.MinViews)
	c.Capture.MaxViews = envInt("SWIPEFLOW_CAPTURE_MAX_VIEWS", c.Capture.MaxViews)
	c.Capture.ChromePath = env("SWIPEFLOW_CHROME_PATH", c.Capture.ChromePath)
	c.Capture.Emitter = env("SWIPEFLOW_CAPTURE_EMITTER", c.Capture.Emitter)
	c.Capture.ThumbnailWidth = envInt("SWIPEFLOW_THUMBNAIL_WIDTH", c.Capture.ThumbnailWidth)

	c.Storage.Endpoint = env("MINIO_ENDPOINT", c.Storage.Endpoint)
	c.Storage.AccessKey = env("MINIO_ACCESS_KEY", c.Storage.AccessKey)
	c.Storage.SecretKey = env("MINIO_SECRET_KEY", c.Storage.SecretKey)
	c.Storage.Bucket = env("MINIO_BUCKET", c.Storage.Bucket)
	c.Storage.UseSSL = envBool("MINIO_USE_SSL", c.Storage.UseSSL)
	c.Storage.PublicBaseURL = env("MINIO_PUBLIC_BASE_URL", c.Storage.PublicBaseURL)

	c.Store.Driver = env("SWIPEFLOW_STORE_DRIVER", c.Store.Driver)
	c.Store.URL = env("SWIPEFLOW_STORE_URL", c.Store.URL)

	c.Auth.PublicKeyFile = env("SWIPEFLOW_AUTH_PUBLIC_KEY_FILE", c.Auth.PublicKeyFile)
	c.Auth.HMACSecret = env("SWIPEFLOW_AUTH_HMAC_SECRET", c.Auth.HMACSecret)
	c.Auth.Audience = env("SWIPEFLOW_AUTH_AUDIENCE", c.Auth.Audience)
	c.Auth.Issuer = env("SWIPEFLOW_AUTH_ISSUER", c.Auth.Issuer)
	if algs := env("SWIPEFLOW_AUTH_ALGORITHMS", ""); algs != "" {
		c.Auth.Algorithms = splitList(algs)
	}

	c.RateLimit.Enabled = envBool("SWIPEFLOW_RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.RedisURL = env("SWIPEFLOW_RATE_LIMIT_REDIS_URL", c.RateLimit.RedisURL)
	c.RateLimit.Limit = envInt("SWIPEFLOW_RATE_LIMIT", c.RateLimit.Limit)
	c.RateLimit.Window = envDuration("SWIPEFLOW_RATE_LIMIT_WINDOW", c.RateLimit.Window)

	c.Webhook.SigningSecret = env("SWIPEFLOW_WEBHOOK_SECRET", c.Webhook.SigningSecret)
	c.Webhook.MaxAttempts = envInt("SWIPEFLOW_WEBHOOK_MAX_ATTEMPTS", c.Webhook.MaxAttempts)

	c.Tracing.Exporter = env("SWIPEFLOW_TRACING_EXPORTER", c.Tracing.Exporter)
	c.Tracing.OTLPEndpoint = env("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.OTLPEndpoint)
	c.Tracing.OTLPInsecure = envBool("OTEL_EXPORTER_OTLP_INSECURE", c.Tracing.OTLPInsecure)
	c.Tracing.SampleRatio = envFloat("SWIPEFLOW_TRACING_SAMPLE_RATIO", c.Tracing.SampleRatio)

	c.Log.Level = env("SWIPEFLOW_LOG_LEVEL", c.Log.Level)
	c.Log.Format = env("SWIPEFLOW_LOG_FORMAT", c.Log.Format)
	c.Log.Source = envBool("SWIPEFLOW_LOG_SOURCE", c.Log.Source)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Queue.BrokerURL) == "" {
		errs = append(errs, errors.New("queue.broker_url is required"))
	}
	if strings.TrimSpace(c.Queue.Name) == "" {
		errs = append(errs, errors.New("queue.name is required"))
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, errors.New("queue.max_retries must not be negative"))
	}
	if c.Queue.RetryDelay <= 0 {
		errs = append(errs, errors.New("queue.retry_delay must be positive"))
	}
	if c.Capture.Timeout <= 0 {
		errs = append(errs, errors.New("capture.timeout must be positive"))
	}
	if c.Capture.MinViews < 1 || c.Capture.MaxViews < c.Capture.MinViews {
		errs = append(errs, fmt.Errorf("capture views must satisfy 1 <= min (%d) <= max (%d)", c.Capture.MinViews, c.Capture.MaxViews))
	}
	switch c.Store.Driver {
	case "memory":
	case "redis", "postgres":
		if strings.TrimSpace(c.Store.URL) == "" {
			errs = append(errs, fmt.Errorf("store.url is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store driver: %s", c.Store.Driver))
	}
	switch c.Capture.Emitter {
	case "object_store", "local":
	default:
		errs = append(errs, fmt.Errorf("unsupported capture emitter: %s", c.Capture.Emitter))
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json", "":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format: %s", c.Log.Format))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("rate_limit.limit and rate_limit.window must be positive"))
	}
	return errors.Join(errs...)
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(in string) []string {
	parts := strings.Split(in, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
