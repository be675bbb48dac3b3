package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/charlesng35/collabd/pkg/validator"
)

// Config represents the runtime configuration of the collabd server.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	LogLevel        string        `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat       string        `mapstructure:"log_format" validate:"omitempty,oneof=json console"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// SessionsConfig tunes document sessions and their connections.
type SessionsConfig struct {
	// IdleTTL is how long a document may stay idle before it is released.
	IdleTTL time.Duration `mapstructure:"idle_ttl" validate:"gt=0"`
	// ReapSchedule is the cron specification of the idle document reaper.
	ReapSchedule   string `mapstructure:"reap_schedule" validate:"required"`
	MaxMessageSize int64  `mapstructure:"max_message_size" validate:"gte=0"`
	// MaxQueued bounds the outbound queue of a connection. A peer falling further behind is dropped.
	MaxQueued   int `mapstructure:"max_queued" validate:"gte=0"`
	EventBuffer int `mapstructure:"event_buffer" validate:"gte=0"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,startswith=/"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuthConfig captures connection authentication settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
	// Required rejects websocket connections and remote joins without a valid token.
	Required bool `mapstructure:"required"`
}

// JWTSettings configures connection tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"token_ttl"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("COLLABD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if err := validator.ValidateStruct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("sessions.idle_ttl", "10m")
	v.SetDefault("sessions.reap_schedule", "@every 1m")
	v.SetDefault("sessions.max_message_size", 1<<20)
	v.SetDefault("sessions.max_queued", 1<<16)
	v.SetDefault("sessions.event_buffer", 1024)

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)

	v.SetDefault("auth.jwt.secret", "")
	v.SetDefault("auth.jwt.issuer", "collabd")
	v.SetDefault("auth.jwt.token_ttl", "1h")
	v.SetDefault("auth.required", false)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
