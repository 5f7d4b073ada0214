package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error fatal panic disabled"`

	// Sweep
	SessionTimeoutSeconds int           `envconfig:"SESSION_TIMEOUT" default:"600" validate:"gt=0"`
	BusinessPhoneID       string        `envconfig:"BUSINESS_PHONE_ID" validate:"required_unless=Notifier log"`
	SessionExpiryMessage  string        `envconfig:"SESSION_EXPIRY_MESSAGE"`
	SweepSchedule         string        `envconfig:"SWEEP_SCHEDULE" default:"@every 60s" validate:"required"`
	SweepPageSize         int           `envconfig:"SWEEP_PAGE_SIZE" default:"100" validate:"gt=0,lte=10000"`
	NotifyTimeout         time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"10s" validate:"gt=0"`
	StoreUpdateTimeout    time.Duration `envconfig:"STORE_UPDATE_TIMEOUT" default:"5s" validate:"gt=0"`

	// Session store
	StoreDriver            string `envconfig:"STORE_DRIVER" default:"sqlite" validate:"oneof=sqlite postgres mongo"`
	SQLitePath             string `envconfig:"SQLITE_PATH" default:"socialbank.db" validate:"required_if=StoreDriver sqlite"`
	PostgresDSN            string `envconfig:"POSTGRES_DSN" validate:"required_if=StoreDriver postgres"`
	MongoURL               string `envconfig:"MONGODB_URL" validate:"required_if=StoreDriver mongo"`
	MongoDatabase          string `envconfig:"MONGODB_DATABASE" default:"socialbank"`
	MongoSessionCollection string `envconfig:"MONGODB_SESSION_COLLECTION" default:"sessions"`

	// Notifier: whatsapp (Cloud API), amqp (outbound gateway queue) or log
	Notifier            string `envconfig:"NOTIFIER" default:"log" validate:"oneof=whatsapp amqp log"`
	WhatsAppAPIURL      string `envconfig:"WHATSAPP_API_URL" default:"https://graph.facebook.com/v19.0" validate:"omitempty,url"`
	WhatsAppAccessToken string `envconfig:"WHATSAPP_ACCESS_TOKEN" validate:"required_if=Notifier whatsapp"`
	AMQPURL             string `envconfig:"AMQP_URL" validate:"required_if=Notifier amqp"`
	AMQPExchange        string `envconfig:"AMQP_EXCHANGE" default:"outbound"`
	AMQPRoutingKey      string `envconfig:"AMQP_ROUTING_KEY" default:"whatsapp.text"`

	// Coordination (optional Redis for cross-replica lock and dedupe)
	RedisURL       string        `envconfig:"REDIS_URL"`
	LockTTL        time.Duration `envconfig:"LOCK_TTL" default:"5m" validate:"gt=0"`
	DedupeTTL      time.Duration `envconfig:"DEDUPE_TTL" default:"24h" validate:"gt=0"`
	DedupeCapacity int           `envconfig:"DEDUPE_CAPACITY" default:"10000" validate:"gt=0"`
	AuditRetention time.Duration `envconfig:"AUDIT_RETENTION" default:"720h"`

	// Management API
	MgmtListenAddr string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode   string `envconfig:"MGMT_AUTH_MODE" default:"api-key" validate:"oneof=api-key none"`
	MgmtAPIKey     string `envconfig:"MGMT_API_KEY" validate:"required_if=MgmtAuthMode api-key"`

	// Optional YAML overlay for the sweep section
	ConfigFile string `envconfig:"CONFIG_FILE"`
}

// SessionTimeout returns the idle timeout as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

// RedisEnabled returns true if a Redis URL is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Load reads configuration from a .env file (if present), environment
// variables and the optional CONFIG_FILE overlay, then validates it.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if cfg.ConfigFile != "" {
		fc, err := LoadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		fc.Apply(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their environment variable name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("envconfig"); name != "" {
			return name
		}
		return fld.Name
	})
	return v
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_if":
		return fmt.Sprintf("%s is required when %s", field, strings.Replace(fe.Param(), " ", "=", 1))
	case "required_unless":
		return fmt.Sprintf("%s is required unless %s", field, strings.Replace(fe.Param(), " ", "=", 1))
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed validation for %s", field, fe.Tag())
	}
}
