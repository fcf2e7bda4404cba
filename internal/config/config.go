package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Channel drivers
const (
	ChannelMemory = "memory"
	ChannelRedis  = "redis"
	ChannelKafka  = "kafka"
)

// Lock drivers
const (
	LockNone     = "none"
	LockKeyed    = "keyed"
	LockPostgres = "postgres"
)

// Config is the orchestrator process configuration.
type Config struct {
	ServiceName string
	LogLevel    string
	HTTPAddr    string

	StoreDriver string
	DatabaseURL string
	TableName   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ChannelDriver string
	KafkaBrokers  []string
	SendAttempts  uint

	LockDriver string

	StepTimeout        time.Duration
	MaxConflictRetries uint
	SweepSchedule      string

	DefinitionsFile string
	TracingEnabled  bool
	ShutdownTimeout time.Duration
}

// Load reads the environment. envFiles are loaded first when they exist;
// variables already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	existing := make([]string, 0, len(envFiles))
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	}

	cfg := &Config{
		ServiceName: GetEnv("SERVICE_NAME", "saga-orchestrator"),
		LogLevel:    GetEnv("LOG_LEVEL", "info"),
		HTTPAddr:    GetEnv("HTTP_ADDR", ":8080"),

		StoreDriver: GetEnv("STORE_DRIVER", StoreMemory),
		DatabaseURL: GetEnv("DATABASE_URL", ""),
		TableName:   GetEnv("SAGA_TABLE", "saga_instances"),

		RedisAddr:     GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       GetEnvInt("REDIS_DB", 0),

		ChannelDriver: GetEnv("CHANNEL_DRIVER", ChannelMemory),
		KafkaBrokers:  GetEnvSlice("KAFKA_BROKERS", nil),
		SendAttempts:  uint(GetEnvInt("SEND_RETRY_ATTEMPTS", 5)),

		LockDriver: GetEnv("LOCK_DRIVER", LockNone),

		StepTimeout:        GetEnvDuration("STEP_TIMEOUT", 30*time.Second),
		MaxConflictRetries: uint(GetEnvInt("MAX_CONFLICT_RETRIES", 5)),
		SweepSchedule:      GetEnv("SWEEP_SCHEDULE", "@every 1s"),

		DefinitionsFile: GetEnv("SAGA_DEFINITIONS", ""),
		TracingEnabled:  GetEnvBool("TRACING_ENABLED", false),
		ShutdownTimeout: GetEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.ChannelDriver {
	case ChannelMemory, ChannelRedis:
	case ChannelKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka channel"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CHANNEL_DRIVER %q", c.ChannelDriver))
	}

	switch c.LockDriver {
	case LockNone, LockKeyed:
	case LockPostgres:
		if c.StoreDriver != StorePostgres {
			errs = append(errs, errors.New("LOCK_DRIVER=postgres requires STORE_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LOCK_DRIVER %q", c.LockDriver))
	}

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR must not be empty"))
	}
	if c.SendAttempts == 0 {
		errs = append(errs, errors.New("SEND_RETRY_ATTEMPTS must be positive"))
	}
	if c.StepTimeout == 0 {
		errs = append(errs, errors.New("STEP_TIMEOUT must not be zero; use a negative value to disable"))
	}
	return errors.Join(errs...)
}

// UsesRedis reports whether any component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.StoreDriver == StoreRedis || c.ChannelDriver == ChannelRedis
}
