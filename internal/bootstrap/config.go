// Package bootstrap wires the engine together from environment
// configuration: adapters, services, the background sweeper and graceful
// shutdown.
package bootstrap

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full engine configuration, loaded from the environment. A
// .env file in the working directory is read first when present; real
// environment variables win.
type Config struct {
	EnvName  string `env:"ENV_NAME"`
	LogLevel string `env:"LOG_LEVEL"`

	PostgresHost     string `env:"DB_HOST"`
	PostgresPort     string `env:"DB_PORT"`
	PostgresUser     string `env:"DB_USER"`
	PostgresPassword string `env:"DB_PASSWORD"`
	PostgresName     string `env:"DB_NAME"`
	PostgresSSLMode  string `env:"DB_SSLMODE"`

	// An empty RedisHost selects the in-memory accelerator; single-process
	// deployments only.
	RedisHost     string `env:"REDIS_HOST"`
	RedisPort     string `env:"REDIS_PORT"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`

	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE"`

	RabbitURI      string `env:"RABBITMQ_URI"`
	RabbitExchange string `env:"RABBITMQ_EXCHANGE"`

	SnapshotTTLSeconds    int `env:"BALANCE_SNAPSHOT_TTL_SECONDS"`
	SummaryTTLSeconds     int `env:"POOL_SUMMARY_TTL_SECONDS"`
	ReservationTTLSeconds int `env:"RESERVATION_TTL_SECONDS"`
	LockLeaseSeconds      int `env:"LOCK_LEASE_SECONDS"`
	LockTimeoutSeconds    int `env:"LOCK_ACQUIRE_TIMEOUT_SECONDS"`

	RetryAttempts      int `env:"CONFLICT_RETRY_ATTEMPTS"`
	RetryBackoffMillis int `env:"CONFLICT_RETRY_BACKOFF_MS"`

	SweepIntervalSeconds int `env:"RESERVATION_SWEEP_INTERVAL_SECONDS"`
}

// LoadConfig reads the configuration from a .env file (when present) and the
// process environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := setConfigFromEnvVars(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setConfigFromEnvVars fills the struct from the env tags on its fields.
func setConfigFromEnvVars(target any) error {
	value := reflect.ValueOf(target).Elem()
	meta := value.Type()

	for i := 0; i < meta.NumField(); i++ {
		key := meta.Field(i).Tag.Get("env")
		if key == "" {
			continue
		}

		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}

		field := value.Field(i)

		switch field.Kind() {
		case reflect.String:
			field.SetString(raw)
		case reflect.Int, reflect.Int64:
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}

			field.SetInt(parsed)
		case reflect.Bool:
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}

			field.SetBool(parsed)
		case reflect.Float64:
			parsed, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}

			field.SetFloat(parsed)
		}
	}

	return nil
}

// PostgresDSN assembles the connection string for the primary store.
func (c *Config) PostgresDSN() string {
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresName, sslMode)
}

// RedisAddr is the accelerator address, empty when running without Redis.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}

	port := c.RedisPort
	if port == "" {
		port = "6379"
	}

	return c.RedisHost + ":" + port
}

func (c *Config) secondsOr(value int, fallback time.Duration) time.Duration {
	if value > 0 {
		return time.Duration(value) * time.Second
	}

	return fallback
}
