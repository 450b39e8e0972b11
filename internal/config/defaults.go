package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
// If set, GetDefaultConfigPath will return this value instead of the standard path
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the reportd configuration directory
// Uses ~/.config/reportd/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "reportd"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// DefaultSocketPath returns the well-known endpoint shared by server and clients
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, DefaultSocketName)
	}
	return filepath.Join(os.TempDir(), DefaultSocketName)
}

const (
	// Environment variable names
	EnvSocketPath      = "REPORTD_SOCKET_PATH"
	EnvRecreatePerConn = "REPORTD_RECREATE_PER_CONNECTION"
	EnvIOTimeout       = "REPORTD_IO_TIMEOUT"
	EnvMaxFrameSize    = "REPORTD_MAX_FRAME_SIZE"
	EnvLogLevel        = "REPORTD_LOG_LEVEL"
	EnvLogFormat       = "REPORTD_LOG_FORMAT"
	EnvLogOutput       = "REPORTD_LOG_OUTPUT"
	EnvEngineType      = "REPORTD_ENGINE_TYPE"
	EnvEngineCommand   = "REPORTD_ENGINE_COMMAND"
	EnvEngineTimeout   = "REPORTD_ENGINE_TIMEOUT"
	EnvDockerHost      = "DOCKER_HOST"
	EnvDockerImage     = "REPORTD_DOCKER_IMAGE"
)

const (
	// EngineTypeExec runs a renderer executable on the host
	EngineTypeExec = "exec"
	// EngineTypeDocker runs the renderer in a container
	EngineTypeDocker = "docker"
)

const (
	// Default Server settings
	DefaultSocketName       = "reportd.sock"
	DefaultSocketMode       = "0600"
	DefaultMaxFrameSize     = 16 << 20
	DefaultIOTimeout        = 30 * time.Second
	DefaultTransportBackoff = 100 * time.Millisecond
	DefaultErrorBackoff     = 1 * time.Second
	DefaultShutdownTimeout  = 30 * time.Second

	// Default Client settings
	DefaultDialTimeout   = 30 * time.Second
	DefaultRetryInterval = 100 * time.Millisecond

	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// Default Engine settings
	DefaultEngineType    = EngineTypeExec
	DefaultEngineCommand = "report-renderer"

	// Default Docker settings
	DefaultDockerHost  = "unix:///var/run/docker.sock"
	DefaultDockerImage = "reportbridge/renderer:latest"
)

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:            DefaultSocketPath(),
		SocketMode:            DefaultSocketMode,
		RecreatePerConnection: false,
		MaxFrameSize:          DefaultMaxFrameSize,
		IOTimeout:             DefaultIOTimeout,
		TransportBackoff:      DefaultTransportBackoff,
		ErrorBackoff:          DefaultErrorBackoff,
		ShutdownTimeout:       DefaultShutdownTimeout,
	}
}

// DefaultClientConfig returns the default client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:     DefaultDialTimeout,
		RetryInterval:   DefaultRetryInterval,
		ResponseTimeout: 0, // reports may run for minutes
	}
}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: "stdout",
	}
}

// DefaultEngineConfig returns the default engine configuration
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Type:    DefaultEngineType,
		Timeout: 0,
		Command: DefaultEngineCommand,
	}
}

// DefaultDockerConfig returns the default Docker configuration
func DefaultDockerConfig() DockerConfig {
	return DockerConfig{
		Host:       DefaultDockerHost,
		APIVersion: "1.44",
		Timeout:    30 * time.Second,
		Image:      DefaultDockerImage,
		Network:    "none",
		AutoRemove: false,
	}
}
