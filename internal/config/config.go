package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskgate.yml.
type Config struct {
	Service struct {
		Addr              string `yaml:"addr"`
		Workspace         string `yaml:"workspace"`
		MaxMessageSize    int    `yaml:"max_message_size"`
		CompressThreshold int    `yaml:"compress_threshold"`
	} `yaml:"service"`
	Pool struct {
		Size           int           `yaml:"size"`
		DialTimeout    time.Duration `yaml:"dial_timeout"`
		KeepAlive      time.Duration `yaml:"keep_alive"`
		ReadBufferSize int           `yaml:"read_buffer_size"`
		LowLatency     bool          `yaml:"low_latency"`
	} `yaml:"pool"`
	Gateway struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"gateway"`
	Queue struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"queue"`
	Agent struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"agent"`
	Routes  map[string]string `yaml:"routes"`
	Logging struct {
		Development bool `yaml:"development"`
	} `yaml:"logging"`
}

// Load reads config from the workspace, falling back to defaults when
// the file does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskgate.yml")
}

// FromYAML parses and validates config from raw YAML bytes. Omitted
// sections keep their defaults.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Addr == "" {
		return fmt.Errorf("config.service.addr is required")
	}
	if c.Service.MaxMessageSize < 0 {
		return fmt.Errorf("config.service.max_message_size must not be negative")
	}
	if c.Pool.Size < 1 {
		return fmt.Errorf("config.pool.size must be at least 1")
	}
	for domain, pattern := range c.Routes {
		if domain == "" {
			return fmt.Errorf("config.routes contains empty target domain")
		}
		switch pattern {
		case "datastore", "rpc", "queue", "agent":
		default:
			return fmt.Errorf("route %s has unknown dispatch pattern %q", domain, pattern)
		}
	}
	return nil
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Service.Addr = "127.0.0.1:7420"
	cfg.Service.Workspace = "."
	cfg.Service.MaxMessageSize = 8 << 20
	cfg.Service.CompressThreshold = 5 << 10
	cfg.Pool.Size = 4
	cfg.Pool.DialTimeout = 5 * time.Second
	cfg.Pool.KeepAlive = 30 * time.Second
	cfg.Pool.ReadBufferSize = 256 << 10
	cfg.Pool.LowLatency = true
	cfg.Gateway.Addr = ":8080"
	cfg.Gateway.BasePath = "/v0"
	cfg.Queue.URL = "nats://127.0.0.1:4222"
	cfg.Queue.SubjectPrefix = "taskgate"
	cfg.Agent.Timeout = 60 * time.Second
	cfg.Routes = map[string]string{
		"records": "datastore",
		"tasks":   "rpc",
		"notify":  "queue",
		"jobs":    "queue",
		"agent":   "agent",
	}
	cfg.Logging.Development = true
	return &cfg
}
