// Package config assembles the configuration shared by the threads binaries.
// Values resolve in three layers: built-in defaults, an optional YAML file,
// and environment variables, each layer overriding the one before.
//
// Tuning fields left at zero inherit the defaults of the package that owns
// them, so the effective default for, say, the keep-alive interval lives in
// the stream package alone. The environment variable for each field is listed
// next to it; the binaries document the full table in their package docs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config holds the full configuration for the threads binaries.
	Config struct {
		// HTTP configures the API server.
		HTTP HTTP `yaml:"http"`
		// Redis configures the shared Redis connection.
		Redis Redis `yaml:"redis"`
		// Mongo configures the optional MongoDB thread store.
		Mongo Mongo `yaml:"mongo"`
		// Thread tunes the thread registry.
		Thread Thread `yaml:"thread"`
		// Run tunes run records and the execute policy.
		Run Run `yaml:"run"`
		// EventLog tunes event retention.
		EventLog EventLog `yaml:"eventlog"`
		// Stream tunes stream sessions.
		Stream Stream `yaml:"stream"`
		// Dispatch tunes the task dispatch channel.
		Dispatch Dispatch `yaml:"dispatch"`
		// Debug enables debug logging and the debug HTTP endpoints.
		// THREADS_DEBUG.
		Debug bool `yaml:"debug"`
	}

	// HTTP configures the API server.
	HTTP struct {
		// Addr is the listen address. THREADS_HTTP_ADDR.
		Addr string `yaml:"addr"`
	}

	// Redis configures the Redis connection backing the stores and the
	// dispatch stream.
	Redis struct {
		// Addr is the Redis address. REDIS_URL.
		Addr string `yaml:"addr"`
		// Password is the Redis password. REDIS_PASSWORD.
		Password string `yaml:"password"`
		// KeyPrefix namespaces every key this service writes so multiple
		// deployments can share a Redis. THREADS_KEY_PREFIX.
		KeyPrefix string `yaml:"key_prefix"`
	}

	// Mongo configures the MongoDB thread store. The store is used instead of
	// the Redis one when URL is set.
	Mongo struct {
		// URL is the MongoDB connection string. MONGO_URL.
		URL string `yaml:"url"`
		// Database is the database holding the threads collection.
		// MONGO_DATABASE.
		Database string `yaml:"database"`
	}

	// Thread tunes the thread registry.
	Thread struct {
		// TTL is the thread expiry window. THREADS_THREAD_TTL.
		TTL time.Duration `yaml:"ttl"`
	}

	// Run tunes run records and the execute policy.
	Run struct {
		// TTL bounds run record retention. THREADS_RUN_TTL.
		TTL time.Duration `yaml:"ttl"`
		// SingleActive rejects execute calls while the thread already has an
		// active run. THREADS_SINGLE_ACTIVE_RUN.
		SingleActive bool `yaml:"single_active"`
	}

	// EventLog tunes event retention.
	EventLog struct {
		// MaxLen caps the per-thread event stream length.
		// THREADS_EVENT_MAX_LEN.
		MaxLen int `yaml:"max_len"`
		// TTL bounds event retention. THREADS_EVENT_TTL.
		TTL time.Duration `yaml:"ttl"`
	}

	// Stream tunes stream sessions.
	Stream struct {
		// KeepAlive is the quiet interval before a keep-alive frame.
		// THREADS_KEEP_ALIVE.
		KeepAlive time.Duration `yaml:"keep_alive"`
		// IdleTimeout closes sessions with no business events.
		// THREADS_IDLE_TIMEOUT.
		IdleTimeout time.Duration `yaml:"idle_timeout"`
		// MaxDuration caps the total session lifetime. THREADS_MAX_SESSION.
		MaxDuration time.Duration `yaml:"max_duration"`
		// Buffer bounds undelivered events held per session.
		// THREADS_STREAM_BUFFER.
		Buffer int `yaml:"buffer"`
		// ReadBatch caps events fetched per log read. THREADS_READ_BATCH.
		ReadBatch int `yaml:"read_batch"`
		// ReadBlock bounds how long a live log read blocks.
		// THREADS_READ_BLOCK.
		ReadBlock time.Duration `yaml:"read_block"`
	}

	// Dispatch tunes the task dispatch channel.
	Dispatch struct {
		// Stream is the dispatch stream name. THREADS_DISPATCH_STREAM.
		Stream string `yaml:"stream"`
		// Sink is the worker consumer group name. THREADS_DISPATCH_SINK.
		Sink string `yaml:"sink"`
		// StreamMaxLen bounds the dispatch stream length.
		// THREADS_DISPATCH_MAX_LEN.
		StreamMaxLen int `yaml:"stream_max_len"`
		// PublishTimeout bounds a single publish. Zero means unbounded.
		// THREADS_PUBLISH_TIMEOUT.
		PublishTimeout time.Duration `yaml:"publish_timeout"`
		// PublishPerSec rate-limits publishes per process. Zero disables the
		// limiter. THREADS_PUBLISH_RPS.
		PublishPerSec float64 `yaml:"publish_per_sec"`
		// PublishBurst is the limiter burst. THREADS_PUBLISH_BURST.
		PublishBurst int `yaml:"publish_burst"`
	}
)

// Default returns the built-in defaults. Only binary-level values are set
// here; domain tuning stays zero and inherits the owning package's defaults.
func Default() Config {
	return Config{
		HTTP:  HTTP{Addr: ":8080"},
		Redis: Redis{Addr: "localhost:6379"},
		Mongo: Mongo{Database: "threads"},
	}
}

// Load builds the configuration: defaults first, then the YAML file at path,
// then environment variables. An empty path skips the file, and a missing
// file is not an error, so deployments can rely on the environment alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Environment-only deployment.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	return &cfg, nil
}

// applyEnv overrides cfg fields from environment variables. Unset or
// malformed values leave the current field untouched.
func applyEnv(cfg *Config) {
	cfg.HTTP.Addr = envOr("THREADS_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Redis.Addr = envOr("REDIS_URL", cfg.Redis.Addr)
	cfg.Redis.Password = envOr("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.KeyPrefix = envOr("THREADS_KEY_PREFIX", cfg.Redis.KeyPrefix)
	cfg.Mongo.URL = envOr("MONGO_URL", cfg.Mongo.URL)
	cfg.Mongo.Database = envOr("MONGO_DATABASE", cfg.Mongo.Database)
	cfg.Thread.TTL = envDurationOr("THREADS_THREAD_TTL", cfg.Thread.TTL)
	cfg.Run.TTL = envDurationOr("THREADS_RUN_TTL", cfg.Run.TTL)
	cfg.Run.SingleActive = envBoolOr("THREADS_SINGLE_ACTIVE_RUN", cfg.Run.SingleActive)
	cfg.EventLog.MaxLen = envIntOr("THREADS_EVENT_MAX_LEN", cfg.EventLog.MaxLen)
	cfg.EventLog.TTL = envDurationOr("THREADS_EVENT_TTL", cfg.EventLog.TTL)
	cfg.Stream.KeepAlive = envDurationOr("THREADS_KEEP_ALIVE", cfg.Stream.KeepAlive)
	cfg.Stream.IdleTimeout = envDurationOr("THREADS_IDLE_TIMEOUT", cfg.Stream.IdleTimeout)
	cfg.Stream.MaxDuration = envDurationOr("THREADS_MAX_SESSION", cfg.Stream.MaxDuration)
	cfg.Stream.Buffer = envIntOr("THREADS_STREAM_BUFFER", cfg.Stream.Buffer)
	cfg.Stream.ReadBatch = envIntOr("THREADS_READ_BATCH", cfg.Stream.ReadBatch)
	cfg.Stream.ReadBlock = envDurationOr("THREADS_READ_BLOCK", cfg.Stream.ReadBlock)
	cfg.Dispatch.Stream = envOr("THREADS_DISPATCH_STREAM", cfg.Dispatch.Stream)
	cfg.Dispatch.Sink = envOr("THREADS_DISPATCH_SINK", cfg.Dispatch.Sink)
	cfg.Dispatch.StreamMaxLen = envIntOr("THREADS_DISPATCH_MAX_LEN", cfg.Dispatch.StreamMaxLen)
	cfg.Dispatch.PublishTimeout = envDurationOr("THREADS_PUBLISH_TIMEOUT", cfg.Dispatch.PublishTimeout)
	cfg.Dispatch.PublishPerSec = envFloatOr("THREADS_PUBLISH_RPS", cfg.Dispatch.PublishPerSec)
	cfg.Dispatch.PublishBurst = envIntOr("THREADS_PUBLISH_BURST", cfg.Dispatch.PublishBurst)
	cfg.Debug = envBoolOr("THREADS_DEBUG", cfg.Debug)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envFloatOr returns the environment variable as float64 or a default.
func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
