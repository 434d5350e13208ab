// Package config loads the service configuration: an optional YAML file, then environment overrides.
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

type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"`

	Images       Images       `yaml:"images"`
	MQTT         MQTT         `yaml:"mqtt"`
	Kafka        Kafka        `yaml:"kafka"`
	Guardianlite Guardianlite `yaml:"guardianlite"`
	Popups       Popups       `yaml:"popups"`
	Map          Map          `yaml:"map"`
}

type Images struct {
	Endpoint      string        `yaml:"endpoint"`
	AccessKey     string        `yaml:"access_key"`
	SecretKey     string        `yaml:"secret_key"`
	UseTLS        bool          `yaml:"use_tls"`
	Bucket        string        `yaml:"bucket"`
	BaseURL       string        `yaml:"base_url"`
	PresignExpiry time.Duration `yaml:"presign_expiry"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

type MQTT struct {
	BrokerURL string   `yaml:"broker_url"`
	ClientID  string   `yaml:"client_id"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	Prefix    string   `yaml:"prefix"`
	Topics    []string `yaml:"topics"`
	QoS       byte     `yaml:"qos"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
	Topics  []string `yaml:"topics"`
	Prefix  string   `yaml:"prefix"`
}

type Guardianlite struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Community    string        `yaml:"community"`
	Version      string        `yaml:"version"`
	Port         uint16        `yaml:"port"`
	Timeout      time.Duration `yaml:"timeout"`
	LabelOID     string        `yaml:"label_oid"`
	StateOID     string        `yaml:"state_oid"`
}

type Popups struct {
	AutoDismiss        time.Duration `yaml:"auto_dismiss"`
	AutoDismissSources []string      `yaml:"auto_dismiss_sources"`
}

type Map struct {
	MinimapWidth float64 `yaml:"minimap_width"`
}

func Default() Config {
	return Config{
		HTTPAddr: ":8081",
		LogLevel: "info",
		Images: Images{
			PresignExpiry: 15 * time.Minute,
			ProbeTimeout:  10 * time.Second,
		},
		Guardianlite: Guardianlite{PollInterval: 5 * time.Second},
		Popups:       Popups{AutoDismiss: 20 * time.Second, AutoDismissSources: []string{"acs"}},
		Map:          Map{MinimapWidth: 200},
	}
}

// Load reads path (when non-empty) over the defaults and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = envOr("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.DatabaseURL = envOr("DATABASE_URL", c.DatabaseURL)

	c.Images.Endpoint = envOr("IMAGES_ENDPOINT", c.Images.Endpoint)
	c.Images.AccessKey = envOr("IMAGES_ACCESS_KEY", c.Images.AccessKey)
	c.Images.SecretKey = envOr("IMAGES_SECRET_KEY", c.Images.SecretKey)
	c.Images.Bucket = envOr("IMAGES_BUCKET", c.Images.Bucket)
	c.Images.BaseURL = envOr("IMAGES_BASE_URL", c.Images.BaseURL)

	c.MQTT.BrokerURL = envOr("MQTT_BROKER_URL", c.MQTT.BrokerURL)
	c.MQTT.Username = envOr("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = envOr("MQTT_PASSWORD", c.MQTT.Password)
	c.MQTT.Topics = envList("MQTT_TOPICS", c.MQTT.Topics)

	c.Kafka.Brokers = envList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.Topics = envList("KAFKA_TOPICS", c.Kafka.Topics)
	c.Kafka.GroupID = envOr("KAFKA_GROUP_ID", c.Kafka.GroupID)

	c.Guardianlite.Community = envOr("GUARDIANLITE_SNMP_COMMUNITY", c.Guardianlite.Community)

	var err error
	if c.Images.UseTLS, err = envBool("IMAGES_USE_TLS", c.Images.UseTLS); err != nil {
		return err
	}
	if c.Guardianlite.Enabled, err = envBool("GUARDIANLITE_ENABLED", c.Guardianlite.Enabled); err != nil {
		return err
	}
	if c.Guardianlite.PollInterval, err = envDuration("GUARDIANLITE_POLL_INTERVAL", c.Guardianlite.PollInterval); err != nil {
		return err
	}
	if c.Popups.AutoDismiss, err = envDuration("POPUP_AUTO_DISMISS", c.Popups.AutoDismiss); err != nil {
		return err
	}
	return nil
}

// Validate rejects combinations that cannot start.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.Images.Endpoint != "" && c.Images.Bucket == "" {
		errs = append(errs, errors.New("images.bucket is required when images.endpoint is set"))
	}
	if c.MQTT.BrokerURL != "" && len(c.MQTT.Topics) == 0 {
		errs = append(errs, errors.New("mqtt.topics is required when mqtt.broker_url is set"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if len(c.Kafka.Brokers) > 0 && len(c.Kafka.Topics) == 0 {
		errs = append(errs, errors.New("kafka.topics is required when kafka.brokers is set"))
	}
	if c.Popups.AutoDismiss < 0 {
		errs = append(errs, errors.New("popups.auto_dismiss must not be negative"))
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envList(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
