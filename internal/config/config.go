package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const prefix = "CLIPFORGE_"

type Config struct {
	ListenAddr string
	// APIKeys maps each accepted API key to the user it identifies.
	APIKeys                map[string]string
	DBPath                 string
	Concurrency            int
	QueueSize              int
	RateLimitRPS           float64
	CORSOrigins            []string
	JobTTLHours            int
	CleanupIntervalMinutes int
	LogLevel               slog.Level

	PollInterval  time.Duration
	RetryBase     time.Duration
	RetryCap      time.Duration
	RetryJitter   float64
	MaxRetries    int
	MaxPollErrors int
	CallTimeout   time.Duration
	StageTimeout  time.Duration
	SettleDelay   time.Duration
	HistoryLimit  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PredictionTTL time.Duration

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioRegion    string
	MinioBucket    string
	URLExpiry      time.Duration
	MaxImageBytes  int64
	MaxVideoBytes  int64
	RestageOutputs bool

	ReplicateToken        string
	ReplicateBaseURL      string
	ReplicateModelVersion string
	// PublicURL is the externally reachable base URL the prediction webhook
	// is registered under. Empty disables the webhook.
	PublicURL     string
	VizardAPIKey  string
	VizardBaseURL string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first; variables already set take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var env loader
	cfg := &Config{
		ListenAddr:             env.str("LISTEN_ADDR", ":8080"),
		DBPath:                 env.str("DB_PATH", "clipforge.db"),
		Concurrency:            env.integer("CONCURRENCY", 8),
		QueueSize:              env.integer("QUEUE_SIZE", 1000),
		RateLimitRPS:           env.number("RATE_LIMIT_RPS", 0),
		CORSOrigins:            env.list("CORS_ORIGINS"),
		JobTTLHours:            env.integer("JOB_TTL_HOURS", 0),
		CleanupIntervalMinutes: env.integer("CLEANUP_INTERVAL_MINUTES", 60),
		LogLevel:               parseLevel(env.str("LOG_LEVEL", "info")),

		PollInterval:  env.duration("POLL_INTERVAL", 5*time.Second),
		RetryBase:     env.duration("RETRY_BASE", 5*time.Second),
		RetryCap:      env.duration("RETRY_CAP", 32*time.Second),
		RetryJitter:   env.number("RETRY_JITTER", 0.2),
		MaxRetries:    env.integer("MAX_RETRIES", 3),
		MaxPollErrors: env.integer("MAX_POLL_ERRORS", 5),
		CallTimeout:   env.duration("CALL_TIMEOUT", 30*time.Second),
		StageTimeout:  env.duration("STAGE_TIMEOUT", 10*time.Minute),
		SettleDelay:   env.duration("SETTLE_DELAY", 5*time.Second),
		HistoryLimit:  env.integer("HISTORY_LIMIT", 100),

		RedisAddr:     env.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword: env.str("REDIS_PASSWORD", ""),
		RedisDB:       env.integer("REDIS_DB", 0),
		PredictionTTL: env.duration("PREDICTION_TTL", 24*time.Hour),

		MinioEndpoint:  env.str("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: env.str("MINIO_ACCESS_KEY", "minio"),
		MinioSecretKey: env.str("MINIO_SECRET_KEY", "minio123"),
		MinioUseSSL:    env.flag("MINIO_USE_SSL", false),
		MinioRegion:    env.str("MINIO_REGION", ""),
		MinioBucket:    env.str("MINIO_BUCKET", "clipforge"),
		URLExpiry:      env.duration("URL_EXPIRY", 7*24*time.Hour),
		MaxImageBytes:  env.integer64("MAX_IMAGE_BYTES", 10<<20),
		MaxVideoBytes:  env.integer64("MAX_UPLOAD_BYTES", 7<<30),
		RestageOutputs: env.flag("RESTAGE_OUTPUTS", true),

		ReplicateToken:        env.str("REPLICATE_API_TOKEN", ""),
		ReplicateBaseURL:      env.str("REPLICATE_BASE_URL", ""),
		ReplicateModelVersion: env.str("REPLICATE_MODEL_VERSION", ""),
		PublicURL:             env.str("PUBLIC_URL", ""),
		VizardAPIKey:          env.str("VIZARD_API_KEY", ""),
		VizardBaseURL:         env.str("VIZARD_BASE_URL", ""),
	}
	cfg.APIKeys = env.apiKeys("API_KEYS")

	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Concurrency > 0, prefix+"CONCURRENCY must be > 0")
	check(c.QueueSize > 0, prefix+"QUEUE_SIZE must be > 0")
	check(c.RateLimitRPS >= 0, prefix+"RATE_LIMIT_RPS must be >= 0")
	check(c.JobTTLHours >= 0, prefix+"JOB_TTL_HOURS must be >= 0")
	check(c.CleanupIntervalMinutes > 0, prefix+"CLEANUP_INTERVAL_MINUTES must be > 0")
	check(c.PollInterval > 0, prefix+"POLL_INTERVAL must be > 0")
	check(c.RetryBase > 0, prefix+"RETRY_BASE must be > 0")
	check(c.RetryCap >= c.RetryBase, prefix+"RETRY_CAP must be >= RETRY_BASE")
	check(c.RetryJitter >= 0 && c.RetryJitter <= 1, prefix+"RETRY_JITTER must be within [0, 1]")
	check(c.MaxRetries >= 0, prefix+"MAX_RETRIES must be >= 0")
	check(c.CallTimeout > 0, prefix+"CALL_TIMEOUT must be > 0")
	check(c.StageTimeout > 0, prefix+"STAGE_TIMEOUT must be > 0")
	check(c.SettleDelay >= 0, prefix+"SETTLE_DELAY must be >= 0")
	check(c.HistoryLimit > 0 && c.HistoryLimit <= 100, prefix+"HISTORY_LIMIT must be within [1, 100]")
	check(c.MaxImageBytes > 0 && c.MaxVideoBytes > 0, prefix+"MAX_IMAGE_BYTES and MAX_UPLOAD_BYTES must be > 0")
	check(c.MinioBucket != "", prefix+"MINIO_BUCKET must not be empty")
	return errors.Join(errs...)
}

// loader reads prefixed variables and collects parse errors.
type loader struct {
	errs []error
}

func (l *loader) fail(key string, err error) {
	l.errs = append(l.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
}

func (l *loader) str(key, fallback string) string {
	return getEnv(prefix+key, fallback)
}

func (l *loader) integer(key string, fallback int) int {
	n, err := getEnvInt(prefix+key, fallback)
	if err != nil {
		l.fail(key, err)
	}
	return n
}

func (l *loader) integer64(key string, fallback int64) int64 {
	v := os.Getenv(prefix + key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		l.fail(key, fmt.Errorf("invalid integer %q", v))
		return fallback
	}
	return n
}

func (l *loader) number(key string, fallback float64) float64 {
	v := os.Getenv(prefix + key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.fail(key, fmt.Errorf("invalid number %q", v))
		return fallback
	}
	return f
}

func (l *loader) flag(key string, fallback bool) bool {
	v := os.Getenv(prefix + key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(key, fmt.Errorf("invalid boolean %q", v))
		return fallback
	}
	return b
}

func (l *loader) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(prefix + key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(key, fmt.Errorf("invalid duration %q", v))
		return fallback
	}
	return d
}

func (l *loader) list(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(prefix+key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// apiKeys parses comma-separated key:user pairs.
func (l *loader) apiKeys(key string) map[string]string {
	keys := make(map[string]string)
	for _, pair := range l.list(key) {
		k, user, ok := strings.Cut(pair, ":")
		k, user = strings.TrimSpace(k), strings.TrimSpace(user)
		if !ok || k == "" || user == "" {
			l.fail(key, fmt.Errorf("entry %q must be key:user", pair))
			continue
		}
		if _, dup := keys[k]; dup {
			l.fail(key, errors.New("duplicate key"))
			continue
		}
		keys[k] = user
	}
	if len(keys) == 0 && len(l.errs) == 0 {
		l.fail(key, errors.New("must not be empty"))
	}
	return keys
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
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
		return fallback, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}
