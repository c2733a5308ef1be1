package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models tramiteline.yml. It is built once at start and treated as read-only.
type Config struct {
	Verification  VerificationConfig  `yaml:"verification"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Mail          MailConfig          `yaml:"mail"`
	Webhooks      []WebhookConfig     `yaml:"webhooks"`
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
}

type VerificationConfig struct {
	CodeExpirationMinutes int `yaml:"code_expiration_minutes"`
	MaxAttempts           int `yaml:"max_attempts"`
	LockoutMinutes        int `yaml:"lockout_minutes"`
}

// CodeTTL is the lifetime of an issued code.
func (v VerificationConfig) CodeTTL() time.Duration {
	return time.Duration(v.CodeExpirationMinutes) * time.Minute
}

// LockoutDuration is how long a user stays locked out after exhausting attempts.
func (v VerificationConfig) LockoutDuration() time.Duration {
	return time.Duration(v.LockoutMinutes) * time.Minute
}

type NotificationsConfig struct {
	Sinks          []string    `yaml:"sinks"`
	TimeoutSeconds int         `yaml:"timeout_seconds"`
	Redis          RedisConfig `yaml:"redis"`
	Kafka          KafkaConfig `yaml:"kafka"`
}

// Timeout bounds a single publish across all sinks.
func (n NotificationsConfig) Timeout() time.Duration {
	if n.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(n.TimeoutSeconds) * time.Second
}

type RedisConfig struct {
	URL           string `yaml:"url"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type MailConfig struct {
	Driver         string     `yaml:"driver"`
	TimeoutSeconds int        `yaml:"timeout_seconds"`
	SMTP           SMTPConfig `yaml:"smtp"`
}

// Timeout bounds one delivery attempt.
func (m MailConfig) Timeout() time.Duration {
	if m.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(m.TimeoutSeconds) * time.Second
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var knownSinks = map[string]bool{"store": true, "log": true, "redis": true, "kafka": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	v := c.Verification
	if v.CodeExpirationMinutes <= 0 {
		return fmt.Errorf("config.verification.code_expiration_minutes must be positive")
	}
	if v.MaxAttempts <= 0 {
		return fmt.Errorf("config.verification.max_attempts must be positive")
	}
	if v.LockoutMinutes <= 0 {
		return fmt.Errorf("config.verification.lockout_minutes must be positive")
	}
	for _, s := range c.Notifications.Sinks {
		if !knownSinks[s] {
			return fmt.Errorf("config.notifications.sinks has unknown sink %q", s)
		}
		if s == "redis" && strings.TrimSpace(c.Notifications.Redis.URL) == "" {
			return fmt.Errorf("config.notifications.redis.url is required for the redis sink")
		}
		if s == "kafka" && len(c.Notifications.Kafka.Brokers) == 0 {
			return fmt.Errorf("config.notifications.kafka.brokers is required for the kafka sink")
		}
	}
	switch c.Mail.Driver {
	case "log":
	case "smtp":
		if c.Mail.SMTP.Host == "" || c.Mail.SMTP.From == "" {
			return fmt.Errorf("config.mail.smtp.host and from are required for the smtp driver")
		}
	default:
		return fmt.Errorf("config.mail.driver must be 'log' or 'smtp'")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.log.format must be 'console' or 'json'")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tramiteline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with tl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML bytes on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `verification:
  code_expiration_minutes: 5
  max_attempts: 5
  lockout_minutes: 15

notifications:
  sinks: [store, log]
  timeout_seconds: 5
  redis:
    url: ""
    channel_prefix: "tramiteline:notificaciones"
  kafka:
    brokers: []
    topic: "tramiteline.notificaciones"

mail:
  driver: log
  timeout_seconds: 10
  smtp:
    host: ""
    port: 587
    from: ""
    from_name: "Sistema de Trámites"

server:
  addr: "127.0.0.1:8080"
  base_path: "/v1"

log:
  level: info
  format: console
`
