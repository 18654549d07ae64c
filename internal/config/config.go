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

// Config models allo.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`
	Claims struct {
		MaxActive int `yaml:"max_active"`
	} `yaml:"claims"`
	Reservation Reservation `yaml:"reservation"`
	Log         struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Reservation describes the standing slot reservation applied when a task of
// Theme is first published.
type Reservation struct {
	Enabled  bool   `yaml:"enabled"`
	Theme    string `yaml:"theme"`
	Name     string `yaml:"name"`
	Phone    string `yaml:"phone"`
	Building string `yaml:"building"`
	Room     string `yaml:"room"`
}

var reservationThemes = map[string]bool{
	"FOOD": true, "POLE": true, "TRANSPORT": true, "FUN": true, "DEMONIAQUE": true, "OTHER": true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Claims.MaxActive <= 0 {
		return fmt.Errorf("config.claims.max_active must be positive")
	}
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("config.auth.token_ttl must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	if c.Reservation.Enabled {
		if strings.TrimSpace(c.Reservation.Phone) == "" {
			return fmt.Errorf("config.reservation.phone is required when reservation is enabled")
		}
		if strings.TrimSpace(c.Reservation.Name) == "" {
			return fmt.Errorf("config.reservation.name is required when reservation is enabled")
		}
		if !reservationThemes[strings.ToUpper(c.Reservation.Theme)] {
			return fmt.Errorf("config.reservation.theme %q is not a known theme", c.Reservation.Theme)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "allo.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// Load reads allo.yml from the workspace, falling back to defaults when the
// file is absent.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config over the defaults and validates the result.
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
  base_path: /v1

auth:
  jwt_secret: ""
  token_ttl: 24h

claims:
  max_active: 4

# Set name and phone before enabling.
reservation:
  enabled: false
  theme: FOOD
  name: ""
  phone: ""
  building: ""
  room: ""

log:
  level: info
  format: text
`
