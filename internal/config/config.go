package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/reportbridge/reportd/pkg/types"
)

// Config represents the complete configuration for the report server and client
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Client  ClientConfig  `json:"client" yaml:"client"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Engine  EngineConfig  `json:"engine" yaml:"engine"`
	Docker  DockerConfig  `json:"docker" yaml:"docker"`
}

// ServerConfig contains the report server endpoint configuration
type ServerConfig struct {
	SocketPath string `json:"socket_path" yaml:"socket_path"`
	// SocketMode is the octal permission string applied to the socket file
	SocketMode            string        `json:"socket_mode" yaml:"socket_mode"`
	RecreatePerConnection bool          `json:"recreate_per_connection" yaml:"recreate_per_connection"`
	MaxFrameSize          int           `json:"max_frame_size" yaml:"max_frame_size"`
	IOTimeout             time.Duration `json:"io_timeout" yaml:"io_timeout"`
	TransportBackoff      time.Duration `json:"transport_backoff" yaml:"transport_backoff"`
	ErrorBackoff          time.Duration `json:"error_backoff" yaml:"error_backoff"`
	ShutdownTimeout       time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ClientConfig contains the report client configuration
type ClientConfig struct {
	DialTimeout     time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	RetryInterval   time.Duration `json:"retry_interval" yaml:"retry_interval"`
	ResponseTimeout time.Duration `json:"response_timeout" yaml:"response_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// EngineConfig selects and configures the report engine collaborator
type EngineConfig struct {
	Type string `json:"type" yaml:"type"` // exec, docker
	// Timeout bounds a single report generation; zero means no deadline
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	Command string        `json:"command" yaml:"command"`
	Args    []string      `json:"args,omitempty" yaml:"args,omitempty"`
	WorkDir string        `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
}

// DockerConfig contains Docker client and renderer container configuration
type DockerConfig struct {
	Host        string        `json:"host" yaml:"host"`
	TLSCert     string        `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey      string        `json:"tls_key,omitempty" yaml:"tls_key,omitempty"`
	TLSCACert   string        `json:"tls_ca_cert,omitempty" yaml:"tls_ca_cert,omitempty"`
	APIVersion  string        `json:"api_version" yaml:"api_version"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	Image       string        `json:"image" yaml:"image"`
	Network     string        `json:"network" yaml:"network"`
	MemoryLimit int64         `json:"memory_limit" yaml:"memory_limit"`
	AutoRemove  bool          `json:"auto_remove" yaml:"auto_remove"`
}

// Default returns a configuration with every section at its default
func Default() *Config {
	return &Config{
		Server:  DefaultServerConfig(),
		Client:  DefaultClientConfig(),
		Logging: DefaultLoggingConfig(),
		Engine:  DefaultEngineConfig(),
		Docker:  DefaultDockerConfig(),
	}
}

// applyDefaults fills zero-valued fields, section by section, to handle partial configs
func applyDefaults(cfg *Config) {
	defaultServer := DefaultServerConfig()
	if cfg.Server.SocketPath == "" {
		cfg.Server.SocketPath = defaultServer.SocketPath
	}
	if cfg.Server.SocketMode == "" {
		cfg.Server.SocketMode = defaultServer.SocketMode
	}
	if cfg.Server.MaxFrameSize == 0 {
		cfg.Server.MaxFrameSize = defaultServer.MaxFrameSize
	}
	if cfg.Server.IOTimeout == 0 {
		cfg.Server.IOTimeout = defaultServer.IOTimeout
	}
	if cfg.Server.TransportBackoff == 0 {
		cfg.Server.TransportBackoff = defaultServer.TransportBackoff
	}
	if cfg.Server.ErrorBackoff == 0 {
		cfg.Server.ErrorBackoff = defaultServer.ErrorBackoff
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultServer.ShutdownTimeout
	}

	defaultClient := DefaultClientConfig()
	if cfg.Client.DialTimeout == 0 {
		cfg.Client.DialTimeout = defaultClient.DialTimeout
	}
	if cfg.Client.RetryInterval == 0 {
		cfg.Client.RetryInterval = defaultClient.RetryInterval
	}

	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	defaultEngine := DefaultEngineConfig()
	if cfg.Engine.Type == "" {
		cfg.Engine.Type = defaultEngine.Type
	}
	if cfg.Engine.Command == "" {
		cfg.Engine.Command = defaultEngine.Command
	}

	defaultDocker := DefaultDockerConfig()
	if cfg.Docker.Host == "" {
		cfg.Docker.Host = defaultDocker.Host
	}
	if cfg.Docker.APIVersion == "" {
		cfg.Docker.APIVersion = defaultDocker.APIVersion
	}
	if cfg.Docker.Timeout == 0 {
		cfg.Docker.Timeout = defaultDocker.Timeout
	}
	if cfg.Docker.Image == "" {
		cfg.Docker.Image = defaultDocker.Image
	}
	if cfg.Docker.Network == "" {
		cfg.Docker.Network = defaultDocker.Network
	}
}

// applyEnvOverrides overrides configuration values from the environment
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvSocketPath); v != "" {
		cfg.Server.SocketPath = v
	}
	if v := os.Getenv(EnvRecreatePerConn); v != "" {
		cfg.Server.RecreatePerConnection = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv(EnvIOTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvIOTimeout, err)
		}
		cfg.Server.IOTimeout = d
	}
	if v := os.Getenv(EnvMaxFrameSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvMaxFrameSize, err)
		}
		cfg.Server.MaxFrameSize = n
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvEngineType); v != "" {
		cfg.Engine.Type = v
	}
	if v := os.Getenv(EnvEngineCommand); v != "" {
		cfg.Engine.Command = v
	}
	if v := os.Getenv(EnvEngineTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvEngineTimeout, err)
		}
		cfg.Engine.Timeout = d
	}

	if v := os.Getenv(EnvDockerHost); v != "" {
		cfg.Docker.Host = v
	}
	if v := os.Getenv(EnvDockerImage); v != "" {
		cfg.Docker.Image = v
	}

	return nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	// Validate Server configuration
	if c.Server.SocketPath == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "server socket path cannot be empty")
	}
	if _, err := c.Server.FileMode(); err != nil {
		return err
	}
	if c.Server.MaxFrameSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "server max frame size must be positive")
	}
	if c.Server.IOTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "server io timeout cannot be negative")
	}
	if c.Server.TransportBackoff <= 0 || c.Server.ErrorBackoff <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "server backoff durations must be positive")
	}

	// Validate Client configuration
	if c.Client.DialTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client dial timeout must be positive")
	}
	if c.Client.RetryInterval <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client retry interval must be positive")
	}
	if c.Client.ResponseTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client response timeout cannot be negative")
	}

	// Validate Logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	// Validate Engine configuration
	switch c.Engine.Type {
	case EngineTypeExec:
		if c.Engine.Command == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "exec engine requires a command")
		}
	case EngineTypeDocker:
		if c.Docker.Image == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "docker engine requires an image")
		}
		if c.Docker.Host == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "docker host cannot be empty")
		}
		if c.Docker.Timeout <= 0 {
			return types.NewError(types.ErrCodeInvalidArgument, "docker timeout must be positive")
		}
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid engine type: %s (must be %s or %s)", c.Engine.Type, EngineTypeExec, EngineTypeDocker))
	}
	if c.Engine.Timeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "engine timeout cannot be negative")
	}

	return nil
}

// FileMode parses SocketMode as an octal permission
func (c ServerConfig) FileMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(strings.TrimPrefix(c.SocketMode, "0o"), 8, 32)
	if err != nil || mode > 0o777 {
		return 0, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid socket mode %q (must be octal, e.g. 0600)", c.SocketMode))
	}
	return os.FileMode(mode), nil
}

// ApplyOverrides applies CLI flag-style overrides to the configuration.
// This is used by the commands to apply flag values after loading from
// defaults, YAML file, and environment variables.
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.SocketPath != "" {
		c.Server.SocketPath = opts.SocketPath
	}
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}
	if opts.EngineType != "" {
		c.Engine.Type = opts.EngineType
	}
	if opts.EngineTimeout > 0 {
		c.Engine.Timeout = opts.EngineTimeout
	}
}

// OverrideOptions contains override options typically set via CLI flags
type OverrideOptions struct {
	SocketPath string

	LogLevel  string
	LogFormat string
	LogOutput string

	EngineType    string
	EngineTimeout time.Duration
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Server: %s, Client: %s, Logging: %s, Engine: %s, Docker: %s}",
		c.Server.String(), c.Client.String(), c.Logging.String(), c.Engine.String(), c.Docker.String())
}

func (c ServerConfig) String() string {
	return fmt.Sprintf("ServerConfig{SocketPath: %s, RecreatePerConnection: %v, IOTimeout: %s}",
		c.SocketPath, c.RecreatePerConnection, c.IOTimeout)
}

func (c ClientConfig) String() string {
	return fmt.Sprintf("ClientConfig{DialTimeout: %s, ResponseTimeout: %s}",
		c.DialTimeout, c.ResponseTimeout)
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}",
		c.Level, c.Format, c.Output)
}

func (c EngineConfig) String() string {
	return fmt.Sprintf("EngineConfig{Type: %s, Command: %s, Timeout: %s}",
		c.Type, c.Command, c.Timeout)
}

func (c DockerConfig) String() string {
	return fmt.Sprintf("DockerConfig{Host: %s, Image: %s, APIVersion: %s}",
		c.Host, c.Image, c.APIVersion)
}
