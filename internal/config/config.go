// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"seismo-gateway/internal/logger"
	"seismo-gateway/internal/registry"
	"seismo-gateway/internal/storage"
)

type Config struct {
	Server struct {
		Port    int    `mapstructure:"port"`
		HostURL string `mapstructure:"host_url"`
	} `mapstructure:"server"`

	Storage struct {
		Backend  string `mapstructure:"backend"` // file, memory or redis
		Path     string `mapstructure:"path"`
		MaxBytes int64  `mapstructure:"max_bytes"`
		Redis    struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
			Key      string `mapstructure:"key"`
		} `mapstructure:"redis"`
	} `mapstructure:"storage"`

	Devices struct {
		Mode   string         `mapstructure:"mode"`
		Roster []RosterDevice `mapstructure:"roster"`
	} `mapstructure:"devices"`

	Heartbeat struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"heartbeat"`

	Consensus struct {
		Window time.Duration `mapstructure:"window"`
	} `mapstructure:"consensus"`

	Sensitivity Sensitivity `mapstructure:"sensitivity"`

	Firmware struct {
		Version string `mapstructure:"version"`
		URL     string `mapstructure:"url"`
	} `mapstructure:"firmware"`

	Notify struct {
		MQTT struct {
			Broker   string `mapstructure:"broker"`
			Topic    string `mapstructure:"topic"`
			ClientID string `mapstructure:"client_id"`
			Username string `mapstructure:"username"`
			Password string `mapstructure:"password"`
			QoS      byte   `mapstructure:"qos"`
		} `mapstructure:"mqtt"`
		Webhook struct {
			URL string `mapstructure:"url"`
		} `mapstructure:"webhook"`
	} `mapstructure:"notify"`

	Auth struct {
		JWTSecret     string   `mapstructure:"jwt_secret"`
		JWTExpiration int      `mapstructure:"jwt_expiration"` // minutes
		APIKeys       []string `mapstructure:"api_keys"`
		Users         []User   `mapstructure:"users"`
	} `mapstructure:"auth"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// RosterDevice is kept as a list entry rather than a map so ids keep their case.
type RosterDevice struct {
	ID    string `mapstructure:"id"`
	Alias string `mapstructure:"alias"`
}

// Sensitivity holds the deltaG thresholds handed to sensors at boot.
type Sensitivity struct {
	Minor    float64 `mapstructure:"minor" json:"minor"`
	Moderate float64 `mapstructure:"moderate" json:"moderate"`
	Severe   float64 `mapstructure:"severe" json:"severe"`
}

type User struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

// Load reads config.yaml from dir when present, then applies SEISMO_*
// environment overrides and the legacy PORT, LOG_FILE and MAX_LOG_BYTES
// variables. A missing file is not an error.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("SEISMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	for key, env := range map[string]string{
		"server.port":       "PORT",
		"storage.path":      "LOG_FILE",
		"storage.max_bytes": "MAX_LOG_BYTES",
	} {
		if err := v.BindEnv(key, "SEISMO_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.host_url", "")

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.path", "./events.txt")
	v.SetDefault("storage.max_bytes", storage.DefaultMaxBytes)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key", "seismo:events")

	v.SetDefault("devices.mode", string(registry.ModeDynamic))
	v.SetDefault("heartbeat.interval", 60*time.Second)
	v.SetDefault("consensus.window", 2*time.Second)

	v.SetDefault("sensitivity.minor", 0.035)
	v.SetDefault("sensitivity.moderate", 0.10)
	v.SetDefault("sensitivity.severe", 0.50)

	v.SetDefault("notify.mqtt.topic", "seismo/announce")
	v.SetDefault("notify.mqtt.client_id", "seismo-gateway")
	v.SetDefault("notify.mqtt.qos", 0)

	v.SetDefault("auth.jwt_expiration", 60)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Storage.Backend {
	case "file":
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the file backend")
		}
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.MaxBytes <= 0 {
		return fmt.Errorf("storage.max_bytes must be positive, got %d", c.Storage.MaxBytes)
	}
	if _, err := registry.ParseMode(c.Devices.Mode); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Devices.Roster))
	for _, d := range c.Devices.Roster {
		if d.ID == "" {
			return errors.New("devices.roster entry without id")
		}
		if seen[d.ID] {
			return fmt.Errorf("devices.roster lists %q twice", d.ID)
		}
		seen[d.ID] = true
	}
	if c.Heartbeat.Interval <= 0 {
		return errors.New("heartbeat.interval must be positive")
	}
	if c.Consensus.Window <= 0 {
		return errors.New("consensus.window must be positive")
	}
	s := c.Sensitivity
	if !(0 < s.Minor && s.Minor <= s.Moderate && s.Moderate <= s.Severe) {
		return fmt.Errorf("sensitivity thresholds must be positive and ascending, got %v/%v/%v", s.Minor, s.Moderate, s.Severe)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case logger.FormatJSON, logger.FormatConsole:
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// Aliases returns the configured roster as id → alias.
func (c *Config) Aliases() map[string]string {
	out := make(map[string]string, len(c.Devices.Roster))
	for _, d := range c.Devices.Roster {
		out[d.ID] = d.Alias
	}
	return out
}

// Mode is only meaningful after Validate has accepted the config.
func (c *Config) Mode() registry.Mode {
	m, _ := registry.ParseMode(c.Devices.Mode)
	return m
}
