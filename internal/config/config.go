package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all application configuration.
type Config struct {
	Device DeviceConfig `yaml:"device"`
	HTTP   HTTPConfig   `yaml:"http"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Log    LogConfig    `yaml:"log"`
}

// DeviceConfig holds the BeoNetRemote device address and timings.
type DeviceConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
	DeviceName  string `yaml:"device_name"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Device: DeviceConfig{
			Port:           8080,
			KeepAlive:      5 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr: ":8090",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "beoremote",
			DeviceID:    "beoplay_01",
			DeviceName:  "Beoplay",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports the first setting the daemon cannot run with.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Device.Host) == "":
		return fmt.Errorf("%w: device.host is required", ErrInvalid)
	case c.Device.Port < 1 || c.Device.Port > 65535:
		return fmt.Errorf("%w: device.port %d out of range", ErrInvalid, c.Device.Port)
	case c.Device.KeepAlive <= 0:
		return fmt.Errorf("%w: device.keep_alive must be positive", ErrInvalid)
	case c.MQTT.Enabled && c.MQTT.Broker == "":
		return fmt.Errorf("%w: mqtt.broker is required when mqtt is enabled", ErrInvalid)
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("BEOREMOTE_DEVICE_HOST"); v != "" {
		cfg.Device.Host = v
	}
	if v := os.Getenv("BEOREMOTE_DEVICE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: BEOREMOTE_DEVICE_PORT: %w", err)
		}
		cfg.Device.Port = port
	}
	if v := os.Getenv("BEOREMOTE_KEEP_ALIVE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: BEOREMOTE_KEEP_ALIVE: %w", err)
		}
		cfg.Device.KeepAlive = d
	}
	if v := os.Getenv("BEOREMOTE_CONNECT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: BEOREMOTE_CONNECT_TIMEOUT: %w", err)
		}
		cfg.Device.ConnectTimeout = d
	}
	if v := os.Getenv("BEOREMOTE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("BEOREMOTE_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("BEOREMOTE_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("BEOREMOTE_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("BEOREMOTE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("BEOREMOTE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("BEOREMOTE_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("BEOREMOTE_MQTT_DEVICE_ID"); v != "" {
		cfg.MQTT.DeviceID = v
	}
	if v := os.Getenv("BEOREMOTE_MQTT_DEVICE_NAME"); v != "" {
		cfg.MQTT.DeviceName = v
	}
	if v := os.Getenv("BEOREMOTE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BEOREMOTE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
