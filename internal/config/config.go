package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"fleetwatch/gateway/internal/broadcast"
	"fleetwatch/gateway/internal/vehicle"
)

// EnvPrefix prefixes every environment override, e.g. GATEWAY_NATS_URL
const EnvPrefix = "GATEWAY"

// Config holds all configuration for the gateway
type Config struct {
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Decoder   DecoderConfig   `mapstructure:"decoder"`
	Session   SessionConfig   `mapstructure:"session"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Health    HealthConfig    `mapstructure:"health"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Projector ProjectorConfig `mapstructure:"projector"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	AMQP      AMQPConfig      `mapstructure:"amqp"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
}

// GatewayConfig identifies the gateway node and its device listener
type GatewayConfig struct {
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Listen  string `mapstructure:"listen"`
}

// HTTPConfig holds the management API settings
type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

// DecoderConfig bounds per-connection framing
type DecoderConfig struct {
	MaxFrameSize int `mapstructure:"max_frame_size"`
}

// SessionConfig holds session timeouts and the sweep interval
type SessionConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	StaleGrace       time.Duration `mapstructure:"stale_grace"`
	LoginTimeout     time.Duration `mapstructure:"login_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
}

// StatsConfig holds the rate window
type StatsConfig struct {
	Window time.Duration `mapstructure:"window"`
}

// HealthConfig holds the thresholds for degraded and unhealthy verdicts
type HealthConfig struct {
	MinSamples             int     `mapstructure:"min_samples"`
	DegradedErrorRate      float64 `mapstructure:"degraded_error_rate"`
	UnhealthyErrorRate     float64 `mapstructure:"unhealthy_error_rate"`
	DegradedConnectionDrop float64 `mapstructure:"degraded_connection_drop"`
}

// BroadcastConfig holds event fan-out settings
type BroadcastConfig struct {
	BufferSize           int    `mapstructure:"buffer_size"`
	Overflow             string `mapstructure:"overflow"`
	NotifyDuplicateFixes bool   `mapstructure:"notify_duplicate_fixes"`
}

// ProjectorConfig holds vehicle projection settings
type ProjectorConfig struct {
	MovingSpeedThreshold float64 `mapstructure:"moving_speed_threshold"`
}

// RedisConfig enables session presence and device shadows when URL is set.
// URL is either host:port or a redis:// URL.
type RedisConfig struct {
	URL        string        `mapstructure:"url"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	ShadowTTL  time.Duration `mapstructure:"shadow_ttl"`
}

// NATSConfig enables event publishing and the command downlink when URL is set
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// KafkaConfig enables the Kafka sink when Brokers (comma separated) is set
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// AMQPConfig enables the RabbitMQ sink when URL is set
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// LoggingConfig holds the log level and format (text or json)
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// FleetConfig lists known vehicles
type FleetConfig struct {
	Vehicles []vehicle.Profile `mapstructure:"vehicles"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.id", "node-01")
	v.SetDefault("gateway.name", "fleetwatch-gateway")
	v.SetDefault("gateway.version", "0.1.0")
	v.SetDefault("gateway.listen", ":8080")
	v.SetDefault("http.listen", ":8081")
	v.SetDefault("decoder.max_frame_size", 4096)
	v.SetDefault("session.heartbeat_timeout", 3*time.Minute)
	v.SetDefault("session.stale_grace", time.Minute)
	v.SetDefault("session.login_timeout", time.Minute)
	v.SetDefault("session.sweep_interval", 15*time.Second)
	v.SetDefault("session.write_timeout", 10*time.Second)
	v.SetDefault("stats.window", 60*time.Second)
	v.SetDefault("health.min_samples", 20)
	v.SetDefault("health.degraded_error_rate", 0.05)
	v.SetDefault("health.unhealthy_error_rate", 0.25)
	v.SetDefault("health.degraded_connection_drop", 0.5)
	v.SetDefault("broadcast.buffer_size", broadcast.DefaultBufferSize)
	v.SetDefault("broadcast.overflow", string(broadcast.DropOldest))
	v.SetDefault("broadcast.notify_duplicate_fixes", false)
	v.SetDefault("projector.moving_speed_threshold", vehicle.DefaultMovingThreshold)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.session_ttl", 5*time.Minute)
	v.SetDefault("redis.shadow_ttl", 24*time.Hour)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "fms")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "fleet-events")
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "fleet_events")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads configuration from defaults, an optional YAML file, a .env
// file, GATEWAY_* environment variables and command line flags, in
// increasing order of precedence.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	fs := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	configPath := fs.String("config", os.Getenv(EnvPrefix+"_CONFIG"), "path to a YAML config file")
	fs.String("listen", ":8080", "device TCP listen address")
	fs.String("http-listen", ":8081", "management HTTP listen address")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	for key, flag := range map[string]string{
		"gateway.listen": "listen",
		"http.listen":    "http-listen",
		"logging.level":  "log-level",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configPath != "" {
		v.SetConfigFile(*configPath)
	} else {
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
		v.SetConfigName("gateway")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if *configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the gateway cannot run with
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.Gateway.ID == "" {
		errs = append(errs, errors.New("gateway.id must not be empty"))
	}
	if c.Gateway.Listen == "" {
		errs = append(errs, errors.New("gateway.listen must not be empty"))
	}
	if c.Decoder.MaxFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("decoder.max_frame_size must be positive, got %d", c.Decoder.MaxFrameSize))
	}
	if c.Broadcast.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("broadcast.buffer_size must be positive, got %d", c.Broadcast.BufferSize))
	}
	if _, err := broadcast.ParsePolicy(c.Broadcast.Overflow); err != nil {
		errs = append(errs, fmt.Errorf("broadcast.overflow: %w", err))
	}
	positive("session.heartbeat_timeout", c.Session.HeartbeatTimeout)
	positive("session.sweep_interval", c.Session.SweepInterval)
	positive("session.write_timeout", c.Session.WriteTimeout)
	positive("stats.window", c.Stats.Window)
	if c.Session.StaleGrace < 0 {
		errs = append(errs, fmt.Errorf("session.stale_grace must not be negative, got %s", c.Session.StaleGrace))
	}
	if c.Session.LoginTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.login_timeout must not be negative, got %s", c.Session.LoginTimeout))
	}
	if h := c.Health; h.UnhealthyErrorRate < h.DegradedErrorRate {
		errs = append(errs, fmt.Errorf("health.unhealthy_error_rate %.2f below degraded_error_rate %.2f", h.UnhealthyErrorRate, h.DegradedErrorRate))
	}

	seen := make(map[string]bool, len(c.Fleet.Vehicles))
	for i, p := range c.Fleet.Vehicles {
		switch {
		case p.DeviceID == "":
			errs = append(errs, fmt.Errorf("fleet.vehicles[%d]: device_id is required", i))
		case seen[p.DeviceID]:
			errs = append(errs, fmt.Errorf("fleet.vehicles[%d]: duplicate device_id %q", i, p.DeviceID))
		}
		seen[p.DeviceID] = true
	}
	return errors.Join(errs...)
}
