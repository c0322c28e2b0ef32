package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. RUNBOX_SANDBOX_TIMEOUT_SEC.
const EnvPrefix = "RUNBOX"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Docker    DockerConfig        `mapstructure:"docker"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Metrics   MetricsConfig       `mapstructure:"metrics"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	WorkspaceRoot     string `mapstructure:"workspace_root"`
	HostWorkspaceRoot string `mapstructure:"host_workspace_root"`
	TemplatesDir      string `mapstructure:"templates_dir"`
	ImagePrefix       string `mapstructure:"image_prefix"`
	ContainerPrefix   string `mapstructure:"container_prefix"`
	TimeoutSec        int    `mapstructure:"timeout_sec"`
	BuildTimeoutSec   int    `mapstructure:"build_timeout_sec"`
	MemoryMB          int    `mapstructure:"memory_mb"`
	CPUShares         int    `mapstructure:"cpu_shares"`
	PidsLimit         int    `mapstructure:"pids_limit"`
	NetworkMode       string `mapstructure:"network_mode"`
	User              string `mapstructure:"user"`
	ReadonlyRootfs    bool   `mapstructure:"readonly_rootfs"`
	MaxOutputKB       int    `mapstructure:"max_output_kb"`
	MaxFiles          int    `mapstructure:"max_files"`
	MaxFileKB         int    `mapstructure:"max_file_kb"`
	MaxTotalKB        int    `mapstructure:"max_total_kb"`
}

// DockerConfig holds Docker daemon connection settings
type DockerConfig struct {
	// Host overrides DOCKER_HOST when set, e.g. unix:///run/podman/podman.sock.
	Host string `mapstructure:"host"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Language holds language-specific configuration
type Language struct {
	// Environment entries are KEY=VALUE. A list keeps the variable names'
	// case, which viper would fold for map keys.
	Environment []string `mapstructure:"environment"`
}

// Env returns the environment entries as a map.
func (l Language) Env() map[string]string {
	env := make(map[string]string, len(l.Environment))
	for _, kv := range l.Environment {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}

// New loads and validates the application configuration from config.yaml in
// the working directory or ./config, falling back to defaults.
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or searches the default locations when
// path is empty. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("sandbox.workspace_root", "/tmp/executions")
	v.SetDefault("sandbox.host_workspace_root", "")
	v.SetDefault("sandbox.templates_dir", "templates")
	v.SetDefault("sandbox.image_prefix", "runbox")
	v.SetDefault("sandbox.container_prefix", "exec")
	v.SetDefault("sandbox.timeout_sec", 30)
	v.SetDefault("sandbox.build_timeout_sec", 600)
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.cpu_shares", 512)
	v.SetDefault("sandbox.pids_limit", 256)
	v.SetDefault("sandbox.network_mode", "none")
	v.SetDefault("sandbox.user", "1000:1000")
	v.SetDefault("sandbox.readonly_rootfs", false)
	v.SetDefault("sandbox.max_output_kb", 1024)
	v.SetDefault("sandbox.max_files", 256)
	v.SetDefault("sandbox.max_file_kb", 1024)
	v.SetDefault("sandbox.max_total_kb", 8192)

	v.SetDefault("docker.host", "")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if err := c.Sandbox.validate(); err != nil {
		return err
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	for name, lang := range c.Languages {
		for _, kv := range lang.Environment {
			if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
				return fmt.Errorf("invalid languages.%s.environment entry %q, must be KEY=VALUE", name, kv)
			}
		}
	}

	return nil
}

func (s *SandboxConfig) validate() error {
	if !filepath.IsAbs(s.WorkspaceRoot) {
		return fmt.Errorf("sandbox.workspace_root must be an absolute path, got: %q", s.WorkspaceRoot)
	}

	if s.HostWorkspaceRoot != "" && !filepath.IsAbs(s.HostWorkspaceRoot) {
		return fmt.Errorf("sandbox.host_workspace_root must be an absolute path, got: %q", s.HostWorkspaceRoot)
	}

	if s.TemplatesDir == "" {
		return fmt.Errorf("sandbox.templates_dir is required")
	}

	if s.ImagePrefix == "" || s.ContainerPrefix == "" {
		return fmt.Errorf("sandbox.image_prefix and sandbox.container_prefix are required")
	}

	if s.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", s.TimeoutSec)
	}

	if s.BuildTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.build_timeout_sec must be positive, got: %d", s.BuildTimeoutSec)
	}

	if s.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", s.MemoryMB)
	}

	if s.CPUShares < 0 {
		return fmt.Errorf("sandbox.cpu_shares must not be negative, got: %d", s.CPUShares)
	}

	if s.PidsLimit < 0 {
		return fmt.Errorf("sandbox.pids_limit must not be negative, got: %d", s.PidsLimit)
	}

	if s.MaxOutputKB < 0 || s.MaxFiles < 0 || s.MaxFileKB < 0 || s.MaxTotalKB < 0 {
		return fmt.Errorf("sandbox size limits must not be negative")
	}

	switch {
	case s.NetworkMode == "":
		return fmt.Errorf("sandbox.network_mode is required")
	case s.NetworkMode == "host", strings.HasPrefix(s.NetworkMode, "container:"):
		return fmt.Errorf("sandbox.network_mode %q shares a foreign network namespace", s.NetworkMode)
	}

	if s.User == "" || s.User == "root" || s.User == "0" || strings.HasPrefix(s.User, "0:") {
		return fmt.Errorf("sandbox.user must be a non-root user, got: %q", s.User)
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetBuildTimeout returns the image build timeout as a duration
func (c *Config) GetBuildTimeout() time.Duration {
	return time.Duration(c.Sandbox.BuildTimeoutSec) * time.Second
}
