package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Account  AccountConfig  `yaml:"account"`
	Cloud    CloudConfig    `yaml:"cloud"`
	PubNub   PubNubConfig   `yaml:"pubnub"`
	Commands CommandsConfig `yaml:"commands"`
	HTTP     HTTPConfig     `yaml:"http"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Log      LogConfig      `yaml:"log"`
}

// AccountConfig holds the user's vendor account credentials.
type AccountConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// CloudConfig holds the identity provider and vendor REST endpoints.
type CloudConfig struct {
	IdentityURL  string        `yaml:"identity_url"`
	ClientID     string        `yaml:"client_id"`
	AuthorizeURL string        `yaml:"authorize_url"`
	DevicesURL   string        `yaml:"devices_url"`
	BabiesURL    string        `yaml:"babies_url"`
	Timeout      time.Duration `yaml:"timeout"`
	DeviceTTL    time.Duration `yaml:"device_ttl"`
}

// PubNubConfig holds real-time transport configuration.
type PubNubConfig struct {
	Origin       string `yaml:"origin"`
	SubscribeKey string `yaml:"subscribe_key"`
	PublishKey   string `yaml:"publish_key"`
}

// CommandsConfig holds per-device command throttling.
type CommandsConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
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
		Cloud: CloudConfig{
			IdentityURL:  "https://cognito-idp.us-east-1.amazonaws.com/",
			ClientID:     "6kqofhc8hm394ielqdkvli0oea",
			AuthorizeURL: "https://api-us-east-1-prod.happiestbaby.com/us/me/v10/pubnub/authorize",
			DevicesURL:   "https://api-us-east-1-prod.happiestbaby.com/hds/me/v11/devices",
			BabiesURL:    "https://api-us-east-1-prod.happiestbaby.com/us/me/v10/babies/",
			Timeout:      15 * time.Second,
			DeviceTTL:    10 * time.Minute,
		},
		PubNub: PubNubConfig{
			Origin:       "happiestbaby.pubnubapi.com",
			SubscribeKey: "sub-c-97bade2a-483d-11e6-8b3b-02ee2ddab7fe",
			PublishKey:   "pub-c-699074b0-7664-4be2-abf8-dcbb9b6cd2bf",
		},
		Commands: CommandsConfig{
			RatePerSecond: 2,
			Burst:         4,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "snoo",
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

	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

// Validate reports configuration that cannot work at all.
func (c Config) Validate() error {
	if c.Account.Email == "" || c.Account.Password == "" {
		return fmt.Errorf("config: account email and password are required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt.broker is required when mqtt is enabled")
	}
	if c.Commands.RatePerSecond <= 0 || c.Commands.Burst <= 0 {
		return fmt.Errorf("config: commands rate and burst must be positive")
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SNOO_EMAIL"); v != "" {
		cfg.Account.Email = v
	}
	if v := os.Getenv("SNOO_PASSWORD"); v != "" {
		cfg.Account.Password = v
	}
	if v := os.Getenv("SNOO_CLIENT_ID"); v != "" {
		cfg.Cloud.ClientID = v
	}
	if v := os.Getenv("SNOO_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("SNOO_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("SNOO_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("SNOO_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("SNOO_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("SNOO_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("SNOO_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("SNOO_COMMAND_RATE"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			cfg.Commands.RatePerSecond = f
		}
	}
	if v := os.Getenv("SNOO_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SNOO_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
