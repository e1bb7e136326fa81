// Package config loads the warehouse configuration from a YAML file and
// WAREHOUSE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

const EnvPrefix = "WAREHOUSE"

// Config holds all configuration for the warehouse service.
type Config struct {
	ServiceName string `mapstructure:"serviceName" validate:"required"`
	Production  bool   `mapstructure:"production"`

	Server struct {
		APIKey string `mapstructure:"apiKey"`
		Port   int    `mapstructure:"port" validate:"min=0,max=65535"`
		// JSONLimit accepts a byte count or a size such as "100kb" or "1mb".
		JSONLimit      string `mapstructure:"jsonLimit" validate:"required"`
		JSONLimitBytes int64  `mapstructure:"-"`
	} `mapstructure:"server"`

	AMQP struct {
		Connection              string        `mapstructure:"connection" validate:"required,url"`
		ConnectionTimeout       time.Duration `mapstructure:"connectionTimeout" validate:"gt=0"`
		OrderExchanges          string        `mapstructure:"orderExchanges" validate:"required"`
		UserActivitiesExchanges string        `mapstructure:"userActivitiesExchanges" validate:"required"`
		Prefetch                int           `mapstructure:"prefetch" validate:"min=1"`
		MaxDeliveries           int           `mapstructure:"maxDeliveries" validate:"min=1"`
	} `mapstructure:"amqp"`

	Database struct {
		URL      string `mapstructure:"url" validate:"required"`
		MaxConns int32  `mapstructure:"maxConns" validate:"min=1"`
	} `mapstructure:"database"`

	Log struct {
		Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	} `mapstructure:"log"`

	Shutdown struct {
		// Grace is the delay between a fatal startup failure and process exit.
		Grace time.Duration `mapstructure:"grace" validate:"gt=0,max=1s"`
	} `mapstructure:"shutdown"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serviceName", "warehouse-service")
	v.SetDefault("production", false)
	v.SetDefault("server.apiKey", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jsonLimit", "1mb")
	v.SetDefault("amqp.connection", "")
	v.SetDefault("amqp.connectionTimeout", 10*time.Second)
	v.SetDefault("amqp.orderExchanges", "")
	v.SetDefault("amqp.userActivitiesExchanges", "")
	v.SetDefault("amqp.prefetch", 10)
	v.SetDefault("amqp.maxDeliveries", 5)
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("shutdown.grace", time.Second)
}

// Load reads file (or config.yaml from . and ./config when file is empty),
// applies environment overrides and validates the result. A missing default
// config file is not an error.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", errors.Join(werr.ErrInvalidConfig, err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", errors.Join(werr.ErrInvalidConfig, err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field constraints and derives parsed values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", errors.Join(werr.ErrInvalidConfig, err))
	}

	n, err := ParseSize(c.Server.JSONLimit)
	if err != nil {
		return fmt.Errorf("server.jsonLimit: %w", errors.Join(werr.ErrInvalidConfig, err))
	}

	c.Server.JSONLimitBytes = n

	return nil
}

var sizeUnits = []struct {
	suffix string
	mult   int64
}{
	{"gb", 1 << 30},
	{"mb", 1 << 20},
	{"kb", 1 << 10},
	{"b", 1},
}

// ParseSize parses "512", "100kb", "1mb" or "1gb" (case-insensitive) into bytes.
func ParseSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	mult := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s, mult = strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), u.mult
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	return n * mult, nil
}
