package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`
	DatabaseURL string `envconfig:"DB_DSN"`

	RedisAddr        string `envconfig:"REDIS_ADDR"`
	RedisPassword    string `envconfig:"REDIS_PASSWORD"`
	RedisDB          int    `envconfig:"REDIS_DB" default:"0"`
	BroadcastChannel string `envconfig:"BROADCAST_CHANNEL" default:"ekklesia:broadcast"`

	AMQPURL      string `envconfig:"AMQP_URL"`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"ekklesia.tickets"`
	AMQPQueue    string `envconfig:"AMQP_QUEUE" default:"ekklesia.announcer"`

	JWTSecret string `envconfig:"JWT_SECRET"`
	Timezone  string `envconfig:"TIMEZONE" default:"America/Sao_Paulo"`

	OTLPEndpoint     string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure     bool    `envconfig:"OTEL_EXPORTER_OTLP_INSECURE"`
	TraceSampleRatio float64 `envconfig:"OTEL_TRACES_SAMPLER_RATIO" default:"1"`

	ResubscribeDelay    time.Duration `envconfig:"RESUBSCRIBE_DELAY" default:"2s"`
	LocalMutationWindow time.Duration `envconfig:"LOCAL_MUTATION_WINDOW" default:"500ms"`

	RateLimitPerMinute     int `envconfig:"RATE_LIMIT_PER_MIN" default:"120"`
	RateLimitBurst         int `envconfig:"RATE_LIMIT_BURST" default:"30"`
	UserRateLimitPerMinute int `envconfig:"USER_RATE_LIMIT_PER_MIN" default:"600"`
	UserRateLimitBurst     int `envconfig:"USER_RATE_LIMIT_BURST" default:"120"`
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Load reads the configuration and validates what the queue service needs.
func Load() (Config, error) {
	cfg, err := Read()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read loads an optional .env file and then the process environment without
// validating store settings.
func Read() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DB_DSN is required when STORE_DRIVER=postgres")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}
	return nil
}

func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
