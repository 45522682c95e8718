package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

const (
	ResolveRetrigger  = "retrigger"
	ResolveIdempotent = "idempotent"
)

// Config models powerline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret           string `yaml:"jwt_secret"`
		TokenTTLHours       int    `yaml:"token_ttl_hours"`
		AllowEmployeeSignup bool   `yaml:"allow_employee_signup"`
	} `yaml:"auth"`
	SMS           SMS           `yaml:"sms"`
	Notifications Notifications `yaml:"notifications"`
	Outages       struct {
		DefaultDurationHours int    `yaml:"default_duration_hours"`
		ResolvePolicy        string `yaml:"resolve_policy"`
	} `yaml:"outages"`
	Logging  Logging         `yaml:"logging"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// SMS configures the bulk-SMS provider.
type SMS struct {
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Route          string `yaml:"route"`
	Flash          string `yaml:"flash"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-request provider timeout.
func (s SMS) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

type Notifications struct {
	Async           bool   `yaml:"async"`
	Concurrency     int    `yaml:"concurrency"`
	DisplayTimezone string `yaml:"display_timezone"`
}

// Location resolves the display timezone, falling back to UTC.
func (n Notifications) Location() *time.Location {
	if n.DisplayTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(n.DisplayTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with powerline config init", path)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	if c.Auth.TokenTTLHours < 0 {
		return fmt.Errorf("auth.token_ttl_hours must not be negative")
	}
	if c.SMS.TimeoutSeconds < 0 {
		return fmt.Errorf("sms.timeout_seconds must not be negative")
	}
	if c.Notifications.Concurrency < 0 {
		return fmt.Errorf("notifications.concurrency must not be negative")
	}
	if tz := c.Notifications.DisplayTimezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("notifications.display_timezone %q: %w", tz, err)
		}
	}
	if c.Outages.DefaultDurationHours < 0 {
		return fmt.Errorf("outages.default_duration_hours must not be negative")
	}
	switch c.Outages.ResolvePolicy {
	case "", ResolveRetrigger, ResolveIdempotent:
	default:
		return fmt.Errorf("outages.resolve_policy must be %s or %s", ResolveRetrigger, ResolveIdempotent)
	}
	switch c.Logging.Output {
	case "", "stderr", "stdout":
	case "file":
		if c.Logging.FilePath == "" {
			return fmt.Errorf("logging.file_path is required when logging.output is file")
		}
	default:
		return fmt.Errorf("logging.output must be stderr, stdout or file")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "powerline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields keep their defaults.
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /api

auth:
  # set POWERLINE_AUTH_JWT_SECRET instead of committing a secret
  jwt_secret: ""
  token_ttl_hours: 720
  allow_employee_signup: false

sms:
  endpoint: https://www.fast2sms.com/dev/bulkV2
  # set POWERLINE_SMS_API_KEY; without it notifications are skipped with a warning
  api_key: ""
  route: dlt
  flash: "0"
  timeout_seconds: 10

notifications:
  async: false
  concurrency: 4
  display_timezone: UTC

outages:
  default_duration_hours: 2
  # retrigger: resolving again re-sends "restored"; idempotent: second resolve is a no-op
  resolve_policy: retrigger

logging:
  level: info
  format: text
  output: stderr
  file_path: ""
  max_size_mb: 100
  max_backups: 3
  max_age_days: 7
  compress: true

webhooks: []
`
