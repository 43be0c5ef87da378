package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	JWT        JWTConfig        `yaml:"jwt"`
	CORS       CORSConfig       `yaml:"cors"`
	Session    SessionConfig    `yaml:"session"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Logging    LoggingConfig    `yaml:"logging"`
	Stdio      StdioConfig      `yaml:"stdio"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`

	// Upstreams is the declarative server catalogue. Entries here are synced
	// into the registry at startup and on config reload; servers created via
	// the admin API live in the database instead.
	Upstreams []UpstreamConfig `yaml:"upstreams"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

type StdioConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	GracePeriod   time.Duration `yaml:"grace_period"`
}

type KubernetesConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Namespace    string        `yaml:"namespace"`
	Kubeconfig   string        `yaml:"kubeconfig"`
	ReadyWait    time.Duration `yaml:"ready_wait"`
	IdleTTL      time.Duration `yaml:"idle_ttl"`
	MaxLifetime  time.Duration `yaml:"max_lifetime"`
	GCInterval   time.Duration `yaml:"gc_interval"`
	MaxInstances int           `yaml:"max_instances"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	ExposeHeaders  []string `yaml:"expose_headers"`
}

type SessionConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type EncryptionConfig struct {
	Key string `yaml:"key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// UpstreamConfig declares one MCP server to register at startup. Transport
// is inferred from command vs url when omitted.
type UpstreamConfig struct {
	Name         string            `yaml:"name"`
	Transport    string            `yaml:"transport"`
	URL          string            `yaml:"url"`
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args"`
	Dir          string            `yaml:"dir"`
	Env          map[string]string `yaml:"env"`
	Headers      map[string]string `yaml:"headers"`
	AuthToken    string            `yaml:"auth_token"`
	AuthHeader   string            `yaml:"auth_header"`
	Format       string            `yaml:"format"`
	ForceJSONRPC bool              `yaml:"force_jsonrpc"`
	StreamURL    string            `yaml:"stream_url"`
	Timeout      time.Duration     `yaml:"timeout"`
	MaxRetries   int               `yaml:"max_retries"`
	Enabled      *bool             `yaml:"enabled"`
	Discover     *bool             `yaml:"discover"`
	Expose       *ExposeConfig     `yaml:"expose"`
}

// ExposeConfig declares which of an upstream's capabilities become tools.
type ExposeConfig struct {
	Allow   []string      `yaml:"allow"`
	Deny    []string      `yaml:"deny"`
	Prefix  string        `yaml:"prefix"`
	Sources []string      `yaml:"sources"`
	Mode    string        `yaml:"mode"`
	Stream  *StreamConfig `yaml:"stream"`
}

// StreamConfig declares the aggregation policy for stream-mode tools.
type StreamConfig struct {
	Aggregate string `yaml:"aggregate"`
	N         int    `yaml:"n"`
}

// Load reads the config file and expands environment variables
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables in format ${VAR_NAME}
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with the value of the environment variable
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Session.Timeout == 0 {
		cfg.Session.Timeout = 30 * time.Minute
	}
	if cfg.Session.CleanupInterval == 0 {
		cfg.Session.CleanupInterval = 5 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Stdio.IdleTTL == 0 {
		cfg.Stdio.IdleTTL = 30 * time.Minute
	}
	if cfg.Stdio.SweepInterval == 0 {
		cfg.Stdio.SweepInterval = 1 * time.Minute
	}
	if cfg.Stdio.GracePeriod == 0 {
		cfg.Stdio.GracePeriod = 5 * time.Second
	}
	if cfg.Kubernetes.Namespace == "" {
		cfg.Kubernetes.Namespace = "halyard"
	}
	if cfg.Kubernetes.ReadyWait == 0 {
		cfg.Kubernetes.ReadyWait = 2 * time.Minute
	}
	if cfg.Kubernetes.IdleTTL == 0 {
		cfg.Kubernetes.IdleTTL = 15 * time.Minute
	}
	if cfg.Kubernetes.MaxLifetime == 0 {
		cfg.Kubernetes.MaxLifetime = 4 * time.Hour
	}
	if cfg.Kubernetes.GCInterval == 0 {
		cfg.Kubernetes.GCInterval = time.Minute
	}
	if cfg.Kubernetes.MaxInstances == 0 {
		cfg.Kubernetes.MaxInstances = 20
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "halyard"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
}

// Validate rejects configurations that would only fail later at runtime.
func (c *Config) Validate() error {
	if c.Encryption.Key != "" && len(c.Encryption.Key) != 32 {
		return fmt.Errorf("encryption.key must be exactly 32 bytes, got %d", len(c.Encryption.Key))
	}
	seen := make(map[string]bool, len(c.Upstreams))
	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if u.Name == "" {
			return fmt.Errorf("upstreams[%d]: name is required", i)
		}
		if seen[u.Name] {
			return fmt.Errorf("upstreams[%d]: duplicate name %q", i, u.Name)
		}
		seen[u.Name] = true
		if u.URL == "" && u.Command == "" {
			return fmt.Errorf("upstream %q: either url or command is required", u.Name)
		}
		switch u.Format {
		case "", "auto", "jsonrpc", "rest":
		default:
			return fmt.Errorf("upstream %q: unknown format %q", u.Name, u.Format)
		}
		if u.Expose == nil {
			continue
		}
		switch u.Expose.Mode {
		case "", "auto", "call", "stream":
		default:
			return fmt.Errorf("upstream %q: unknown expose mode %q", u.Name, u.Expose.Mode)
		}
		for _, src := range u.Expose.Sources {
			if src != "resources" && src != "tools" {
				return fmt.Errorf("upstream %q: unknown expose source %q", u.Name, src)
			}
		}
		if s := u.Expose.Stream; s != nil {
			switch s.Aggregate {
			case "", "last", "concat":
			case "first_n":
				if s.N < 1 {
					return fmt.Errorf("upstream %q: first_n requires n >= 1", u.Name)
				}
			default:
				return fmt.Errorf("upstream %q: unknown aggregation %q", u.Name, s.Aggregate)
			}
		}
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}
