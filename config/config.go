package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/forechoandlook/stepflow/log"
)

type (
	// Config holds every setting of the stepflow service
	Config struct {
		Server   ServerConfig   `mapstructure:"server"`
		Log      LogConfig      `mapstructure:"log"`
		Sessions SessionsConfig `mapstructure:"sessions"`
		Flows    FlowsConfig    `mapstructure:"flows"`
		Nodes    NodesConfig    `mapstructure:"nodes"`
		KV       KVConfig       `mapstructure:"kv"`
		Archive  ArchiveConfig  `mapstructure:"archive"`
		LLM      LLMConfig      `mapstructure:"llm"`
		MCP      MCPConfig      `mapstructure:"mcp"`
	}

	ServerConfig struct {
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		NodeTimeout     time.Duration `mapstructure:"node_timeout"`
		CORSOrigins     []string      `mapstructure:"cors_origins"`
	}

	LogConfig struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	}

	SessionsConfig struct {
		Retention    time.Duration `mapstructure:"retention"`
		IdleTTL      time.Duration `mapstructure:"idle_ttl"`
		ReapInterval time.Duration `mapstructure:"reap_interval"`
	}

	FlowsConfig struct {
		Dir string `mapstructure:"dir"`
	}

	// NodesConfig switches optional node types on
	NodesConfig struct {
		EnableShell bool `mapstructure:"enable_shell"`
	}

	KVConfig struct {
		Backend  string        `mapstructure:"backend"`
		Path     string        `mapstructure:"path"`
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		Prefix   string        `mapstructure:"prefix"`
		TTL      time.Duration `mapstructure:"ttl"`
	}

	ArchiveConfig struct {
		URL    string `mapstructure:"url"`
		Prefix string `mapstructure:"prefix"`
	}

	// LLMConfig supplies server-side defaults for model-call credentials.
	// Request credentials always take precedence.
	LLMConfig struct {
		Provider string `mapstructure:"provider"`
		APIKey   string `mapstructure:"api_key"`
		BaseURL  string `mapstructure:"base_url"`
		Model    string `mapstructure:"model"`
	}

	MCPConfig struct {
		Enabled bool   `mapstructure:"enabled"`
		BaseURL string `mapstructure:"base_url"`
	}
)

// KV backends
const (
	KVMemory = "memory"
	KVFile   = "file"
	KVRedis  = "redis"
)

const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8080
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRetention       = 30 * time.Minute
	DefaultIdleTTL         = 24 * time.Hour
	DefaultReapInterval    = time.Minute
	DefaultRedisAddr       = "localhost:6379"
	DefaultRedisPrefix     = "stepflow"
	DefaultArchivePrefix   = "sessions/"
	MaxTCPPort             = 65535

	envPrefix = "STEPFLOW"
)

var (
	ErrInvalidPort      = errors.New("invalid server port")
	ErrInvalidRetention = errors.New("session retention must be positive")
	ErrInvalidKVBackend = errors.New("invalid kv backend")
	ErrInvalidLogLevel  = errors.New("invalid log level")
	ErrInvalidLogFormat = errors.New("invalid log format")
)

// NewDefaultConfig returns the configuration used when nothing is set
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ShutdownTimeout: DefaultShutdownTimeout,
			CORSOrigins:     []string{"*"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Sessions: SessionsConfig{
			Retention:    DefaultRetention,
			IdleTTL:      DefaultIdleTTL,
			ReapInterval: DefaultReapInterval,
		},
		KV: KVConfig{
			Backend: KVMemory,
			Addr:    DefaultRedisAddr,
			Prefix:  DefaultRedisPrefix,
		},
		Archive: ArchiveConfig{
			Prefix: DefaultArchivePrefix,
		},
		MCP: MCPConfig{
			Enabled: true,
		},
	}
}

// Load reads defaults, then the optional YAML file at path, then
// STEPFLOW_* environment variables (STEPFLOW_SERVER_PORT and so on)
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, NewDefaultConfig())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// every key needs a default so AutomaticEnv can see it
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.node_timeout", d.Server.NodeTimeout)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("sessions.retention", d.Sessions.Retention)
	v.SetDefault("sessions.idle_ttl", d.Sessions.IdleTTL)
	v.SetDefault("sessions.reap_interval", d.Sessions.ReapInterval)
	v.SetDefault("flows.dir", d.Flows.Dir)
	v.SetDefault("nodes.enable_shell", d.Nodes.EnableShell)
	v.SetDefault("kv.backend", d.KV.Backend)
	v.SetDefault("kv.path", d.KV.Path)
	v.SetDefault("kv.addr", d.KV.Addr)
	v.SetDefault("kv.password", d.KV.Password)
	v.SetDefault("kv.db", d.KV.DB)
	v.SetDefault("kv.prefix", d.KV.Prefix)
	v.SetDefault("kv.ttl", d.KV.TTL)
	v.SetDefault("archive.url", d.Archive.URL)
	v.SetDefault("archive.prefix", d.Archive.Prefix)
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("mcp.enabled", d.MCP.Enabled)
	v.SetDefault("mcp.base_url", d.MCP.BaseURL)
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Server.Port)
	}
	if c.Sessions.Retention <= 0 || c.Sessions.IdleTTL <= 0 {
		return ErrInvalidRetention
	}
	switch c.KV.Backend {
	case KVMemory, KVRedis:
	case KVFile:
		if c.KV.Path == "" {
			return fmt.Errorf("%w: file backend needs kv.path",
				ErrInvalidKVBackend)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKVBackend, c.KV.Backend)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}
	return nil
}

// Addr is the listen address of the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
