package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "liveauction.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("LIVEAUCTION_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "LIVEAUCTION_PORT")
	setString(&cfg.Server.CORSOrigin, "LIVEAUCTION_CORS_ORIGIN")
	setList(&cfg.Server.OriginPatterns, "LIVEAUCTION_ORIGIN_PATTERNS")
	setInt64(&cfg.Server.ReadLimit, "LIVEAUCTION_READ_LIMIT")
	setInt(&cfg.Server.MaxConnections, "LIVEAUCTION_MAX_CONNECTIONS")
	setDuration(&cfg.Server.ShutdownTimeout, "LIVEAUCTION_SHUTDOWN_TIMEOUT")

	setString(&cfg.Source.Driver, "LIVEAUCTION_SOURCE")
	setBool(&cfg.Source.Dev, "LIVEAUCTION_SOURCE_DEV")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "LIVEAUCTION_NATS_STREAM")
	setBool(&cfg.NATS.EnsureStream, "LIVEAUCTION_NATS_ENSURE_STREAM")
	setDuration(&cfg.NATS.ConnectTimeout, "LIVEAUCTION_NATS_CONNECT_TIMEOUT")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "LIVEAUCTION_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "LIVEAUCTION_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "LIVEAUCTION_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "LIVEAUCTION_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "LIVEAUCTION_PG_HEALTH_CHECK")
	setString(&cfg.Postgres.AuctionsTable, "LIVEAUCTION_PG_AUCTIONS_TABLE")

	setInt(&cfg.Session.SendBuffer, "LIVEAUCTION_SEND_BUFFER")
	setDuration(&cfg.Session.WriteTimeout, "LIVEAUCTION_WRITE_TIMEOUT")
	setDuration(&cfg.Session.PingInterval, "LIVEAUCTION_PING_INTERVAL")
	setDuration(&cfg.Session.CloseGrace, "LIVEAUCTION_CLOSE_GRACE")

	setBool(&cfg.Registry.Shared, "LIVEAUCTION_SHARED_FEEDS")

	setString(&cfg.Feed.Mode, "LIVEAUCTION_FEED_MODE")
	setInt64(&cfg.Feed.TitleCacheMB, "LIVEAUCTION_TITLE_CACHE_MB")
	setDuration(&cfg.Feed.TitleTTL, "LIVEAUCTION_TITLE_TTL")
	setString(&cfg.Feed.TitleBucket, "LIVEAUCTION_TITLE_BUCKET")

	setString(&cfg.Logging.Level, "LIVEAUCTION_LOG_LEVEL")
	setString(&cfg.Logging.Service, "LIVEAUCTION_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "LIVEAUCTION_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "LIVEAUCTION_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "LIVEAUCTION_BREAKER_TIMEOUT")

	setFloat64(&cfg.Rate.RequestsPerSecond, "LIVEAUCTION_RATE_RPS")
	setInt(&cfg.Rate.Burst, "LIVEAUCTION_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "LIVEAUCTION_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "LIVEAUCTION_RATE_MAX_IDLE_TIME")

	setBool(&cfg.OTEL.Enabled, "LIVEAUCTION_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "LIVEAUCTION_OTEL_INSECURE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.ReadLimit < 1 {
		return errors.New("server.read_limit must be >= 1")
	}
	if cfg.Server.MaxConnections < 0 {
		return errors.New("server.max_connections must be >= 0")
	}
	switch cfg.Source.Driver {
	case "nats":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required")
		}
		if cfg.NATS.Stream == "" {
			return errors.New("nats.stream is required")
		}
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
	case "memory":
		if !cfg.Source.Dev {
			return errors.New("source.driver memory requires source.dev: nothing publishes to it in the service")
		}
	default:
		return fmt.Errorf("source.driver %q must be one of nats, postgres, memory", cfg.Source.Driver)
	}
	if cfg.Source.Driver != "memory" {
		for _, topic := range []string{"auctions", "bids", "feed", "chat"} {
			if cfg.Source.Topics[topic] == "" {
				return fmt.Errorf("source.topics.%s is required", topic)
			}
		}
	}
	switch cfg.Feed.Mode {
	case "upstream":
	case "join":
		if cfg.Postgres.DSN == "" {
			return errors.New("feed.mode join requires postgres.dsn")
		}
		if cfg.Postgres.AuctionsTable == "" {
			return errors.New("feed.mode join requires postgres.auctions_table")
		}
		if cfg.Feed.TitleBucket != "" && cfg.Source.Driver != "nats" {
			return errors.New("feed.title_bucket requires source.driver nats")
		}
	default:
		return fmt.Errorf("feed.mode %q must be upstream or join", cfg.Feed.Mode)
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Session.SendBuffer < 1 {
		return errors.New("session.send_buffer must be >= 1")
	}
	if cfg.Session.WriteTimeout <= 0 {
		return errors.New("session.write_timeout must be > 0")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
