// Package config loads service settings from defaults, an optional .env
// file and PASTEBIN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Supported store drivers.
const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongodb"
	DriverDynamo   = "dynamodb"
)

const envPrefix = "PASTEBIN_"

// Config holds all configuration for the pastebin service.
type Config struct {
	Addr       string
	BaseURL    string
	TrustProxy bool

	MaxBytes int
	IDLength int

	StoreDriver string
	DataPath    string
	PostgresDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MongoURI      string
	MongoDatabase string

	DynamoTable    string
	DynamoRegion   string
	DynamoEndpoint string

	JanitorInterval time.Duration

	// TestMode enables the per-request x-test-now-ms clock override.
	TestMode bool

	LogLevel  slog.Level
	LogFormat string

	TracingEnabled bool
	OTLPEndpoint   string
	ServiceName    string

	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:     ":8080",
		MaxBytes: 1_048_576,
		IDLength: 10,

		StoreDriver: DriverBolt,
		DataPath:    "./pastebin.db",

		RedisAddr:     "localhost:6379",
		MongoURI:      "mongodb://localhost:27017",
		MongoDatabase: "pastebin",
		DynamoTable:   "pastebin",
		DynamoRegion:  "us-east-1",

		JanitorInterval: time.Minute,

		LogLevel:  slog.LevelInfo,
		LogFormat: "text",

		OTLPEndpoint: "127.0.0.1:4317",
		ServiceName:  "pastebin-lite",

		ShutdownTimeout:   10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Load reads .env (if present) and applies PASTEBIN_* overrides on top of
// the defaults. Malformed values are reported rather than ignored.
func Load() (Config, error) {
	_ = godotenv.Load(".env")
	cfg := Default()
	err := cfg.applyEnv(os.LookupEnv)
	return cfg, err
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("ADDR", &c.Addr)
	e.str("BASE_URL", &c.BaseURL)
	e.boolean("TRUST_PROXY", &c.TrustProxy)

	e.integer("MAX_BYTES", &c.MaxBytes)
	e.integer("ID_LENGTH", &c.IDLength)

	e.str("STORE", &c.StoreDriver)
	e.str("DATA_PATH", &c.DataPath)
	e.str("POSTGRES_DSN", &c.PostgresDSN)

	e.str("REDIS_ADDR", &c.RedisAddr)
	e.str("REDIS_PASSWORD", &c.RedisPassword)
	e.integer("REDIS_DB", &c.RedisDB)

	e.str("MONGO_URI", &c.MongoURI)
	e.str("MONGO_DATABASE", &c.MongoDatabase)

	e.str("DYNAMO_TABLE", &c.DynamoTable)
	e.str("DYNAMO_REGION", &c.DynamoRegion)
	e.str("DYNAMO_ENDPOINT", &c.DynamoEndpoint)

	e.duration("JANITOR_INTERVAL", &c.JanitorInterval)
	e.boolean("TEST_MODE", &c.TestMode)

	if v, ok := e.get("LOG_LEVEL"); ok {
		level, err := ParseLevel(v)
		if err != nil {
			e.errs = append(e.errs, err)
		} else {
			c.LogLevel = level
		}
	}
	e.str("LOG_FORMAT", &c.LogFormat)

	e.boolean("TRACING_ENABLED", &c.TracingEnabled)
	e.str("OTLP_ENDPOINT", &c.OTLPEndpoint)
	e.str("SERVICE_NAME", &c.ServiceName)

	e.duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	e.duration("READ_HEADER_TIMEOUT", &c.ReadHeaderTimeout)
	e.duration("READ_TIMEOUT", &c.ReadTimeout)
	e.duration("WRITE_TIMEOUT", &c.WriteTimeout)
	e.duration("IDLE_TIMEOUT", &c.IdleTimeout)

	return errors.Join(e.errs...)
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr cannot be empty"))
	}
	if c.MaxBytes <= 0 {
		errs = append(errs, errors.New("max bytes must be positive"))
	}
	if c.IDLength < 8 || c.IDLength > 32 {
		errs = append(errs, fmt.Errorf("id length must be between 8 and 32, got %d", c.IDLength))
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("base url %q must include scheme and host", c.BaseURL))
		}
	}

	switch c.StoreDriver {
	case DriverMemory:
	case DriverBolt, DriverSQLite:
		if c.DataPath == "" {
			errs = append(errs, errors.New("data path cannot be empty"))
		}
	case DriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres dsn cannot be empty"))
		}
	case DriverRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis addr cannot be empty"))
		}
	case DriverMongo:
		if c.MongoURI == "" || c.MongoDatabase == "" {
			errs = append(errs, errors.New("mongo uri and database are required"))
		}
	case DriverDynamo:
		if c.DynamoTable == "" {
			errs = append(errs, errors.New("dynamodb table cannot be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.LogFormat))
	}
	if c.TracingEnabled && c.OTLPEndpoint == "" {
		errs = append(errs, errors.New("otlp endpoint required when tracing is enabled"))
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"janitor interval", c.JanitorInterval},
		{"shutdown timeout", c.ShutdownTimeout},
		{"read header timeout", c.ReadHeaderTimeout},
		{"read timeout", c.ReadTimeout},
		{"write timeout", c.WriteTimeout},
		{"idle timeout", c.IdleTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(v string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", v)
	}
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(envPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return
	}
	*dst = n
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return
	}
	*dst = b
}

func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return
	}
	*dst = d
}
