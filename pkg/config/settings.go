package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Settings is the full dispatcher configuration, loaded from a YAML file and
// overridable through DISPATCHER_-prefixed environment variables.
type Settings struct {
	Database      DbSettings     `mapstructure:"database"`
	Broker        BrokerSettings `mapstructure:"broker"`
	Bus           BusSettings    `mapstructure:"bus"`
	Flags         FlagSettings   `mapstructure:"flags"`
	Observability Observability  `mapstructure:"observability"`

	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"required"`
	BatchSize       int           `mapstructure:"batch_size" validate:"gt=0"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"gt=0"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" validate:"required"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`

	// Topics maps logical event types to physical topic names. Types without
	// an entry are skipped by the external publish path.
	Topics map[string]string `mapstructure:"topics"`

	// DeletionEventType always publishes with AnchorDate as the message date.
	// RangeEventType is expanded into one message per calendar month.
	DeletionEventType string `mapstructure:"deletion_event_type" validate:"required"`
	RangeEventType    string `mapstructure:"range_event_type" validate:"required"`
	AnchorDate        string `mapstructure:"anchor_date" validate:"required,datetime=2006-01-02"`
}

// DbSettings selects and configures the outbox store backend.
type DbSettings struct {
	Type       string `mapstructure:"type" validate:"required,oneof=postgres spanner mongo"`
	DSN        string `mapstructure:"dsn"`
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// FlagSettings is the static feature-flag source. Each switch independently
// gates its publishing path.
type FlagSettings struct {
	DispatcherEnabled    bool `mapstructure:"dispatcher_enabled"`
	BrokerPublishEnabled bool `mapstructure:"broker_publish_enabled"`
	BusPublishEnabled    bool `mapstructure:"bus_publish_enabled"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// LoadFromFile reads dispatcher.yaml from the given path, merges an optional
// environment-specific overlay (dispatcher.<ENVIRONMENT>.yaml), applies env
// overrides, and validates the result.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("dispatcher")
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := mergeConfig(filePath, "dispatcher."+env); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to merge %s config: %w", env, err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("DISPATCHER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like DISPATCHER_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("database.type")
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.uri")
	viper.BindEnv("database.database")
	viper.BindEnv("database.collection")
	viper.BindEnv("broker.type")
	viper.BindEnv("broker.url")
	viper.BindEnv("broker.projectID")
	viper.BindEnv("broker.brokers")
	viper.BindEnv("bus.addr")
	viper.BindEnv("bus.password")
	viper.BindEnv("flags.dispatcher_enabled")
	viper.BindEnv("flags.broker_publish_enabled")
	viper.BindEnv("flags.bus_publish_enabled")
	viper.BindEnv("poll_interval")
	viper.BindEnv("batch_size")
	viper.BindEnv("max_retries")
	viper.BindEnv("retry_backoff")
	viper.BindEnv("dead_letter_topic")
	viper.BindEnv("deletion_event_type")
	viper.BindEnv("range_event_type")
	viper.BindEnv("anchor_date")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")
	viper.BindEnv("observability.admin_addr")
	viper.BindEnv("observability.log_level")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	return viper.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
