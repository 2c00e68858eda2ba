package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config models the sitesh settings file. Zero values mean "use the default".
type Config struct {
	Registry              string   `yaml:"registry,omitempty" split_words:"true"`
	Transport             string   `yaml:"transport,omitempty" split_words:"true"`
	SSHBinary             string   `yaml:"sshBinary,omitempty" split_words:"true"`
	SCPBinary             string   `yaml:"scpBinary,omitempty" split_words:"true"`
	Port                  int      `yaml:"port,omitempty" split_words:"true"`
	UserTemplate          string   `yaml:"userTemplate,omitempty" split_words:"true"`
	HostTemplate          string   `yaml:"hostTemplate,omitempty" split_words:"true"`
	InitialDir            string   `yaml:"initialDir,omitempty" split_words:"true"`
	RemoteHome            string   `yaml:"remoteHome,omitempty" split_words:"true"`
	CacheDir              string   `yaml:"cacheDir,omitempty" split_words:"true"`
	ConnectTimeoutSeconds int      `yaml:"connectTimeoutSeconds,omitempty" split_words:"true"`
	Editor                string   `yaml:"editor,omitempty" split_words:"true"`
	Editors               []string `yaml:"editors,omitempty" split_words:"true"`
	HistoryDir            string   `yaml:"historyDir,omitempty" split_words:"true"`
	RecoveryDir           string   `yaml:"recoveryDir,omitempty" split_words:"true"`
	LogLevel              string   `yaml:"logLevel,omitempty" split_words:"true"`
	KnownHosts            string   `yaml:"knownHosts,omitempty" split_words:"true"`
	IdentityFiles         []string `yaml:"identityFiles,omitempty" split_words:"true"`
	InsecureIgnoreHostKey bool     `yaml:"insecureIgnoreHostKey,omitempty" split_words:"true"`
}

const (
	TransportOpenSSH = "openssh"
	TransportNative  = "native"
)

// EnvPrefix is the prefix for environment overrides (SITESH_TRANSPORT, ...).
const EnvPrefix = "SITESH"

var defaultEditors = []string{"nvim", "vim", "vi", "nano", "emacs"}

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o700); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

// Resolve loads the file at path (if any), applies SITESH_* environment
// overrides on top of it, then fills defaults. Flag overrides are applied by
// the caller afterwards via Merge.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Merge copies non-zero fields of override into c.
func (c *Config) Merge(override Config) {
	if v := strings.TrimSpace(override.Registry); v != "" {
		c.Registry = v
	}
	if v := strings.TrimSpace(override.Transport); v != "" {
		c.Transport = v
	}
	if override.Port > 0 {
		c.Port = override.Port
	}
	if override.ConnectTimeoutSeconds > 0 {
		c.ConnectTimeoutSeconds = override.ConnectTimeoutSeconds
	}
	if v := strings.TrimSpace(override.LogLevel); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Registry) == "" {
		c.Registry = DefaultRegistryPath()
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = TransportOpenSSH
	}
	if c.SSHBinary == "" {
		c.SSHBinary = "ssh"
	}
	if c.SCPBinary == "" {
		c.SCPBinary = "scp"
	}
	if c.Port <= 0 {
		c.Port = 2222
	}
	if c.UserTemplate == "" {
		c.UserTemplate = "{env}.{id}"
	}
	if c.HostTemplate == "" {
		c.HostTemplate = "appserver.{env}.{id}.drush.in"
	}
	if c.InitialDir == "" {
		c.InitialDir = "/code"
	}
	if c.RemoteHome == "" {
		c.RemoteHome = "/tmp"
	}
	if c.CacheDir == "" {
		c.CacheDir = "{home}/.cache"
	}
	if c.ConnectTimeoutSeconds <= 0 {
		c.ConnectTimeoutSeconds = 10
	}
	if len(c.Editors) == 0 {
		c.Editors = append([]string(nil), defaultEditors...)
	}
	if c.HistoryDir == "" {
		c.HistoryDir = DefaultHistoryDir()
	}
	if c.RecoveryDir == "" {
		c.RecoveryDir = DefaultRecoveryDir()
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
}

// Validate reports settings that cannot work regardless of the target site.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportOpenSSH, TransportNative:
	default:
		return fmt.Errorf("invalid transport %q (use %s|%s)", c.Transport, TransportOpenSSH, TransportNative)
	}
	if c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !strings.HasPrefix(c.InitialDir, "/") {
		return fmt.Errorf("initialDir must be absolute, got %q", c.InitialDir)
	}
	return nil
}

// ConnectTimeout returns the connect timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// Target is the expanded remote endpoint for one site/environment pair.
type Target struct {
	User string
	Host string
	Port int
}

// Target expands the user/host templates for a site.
func (c *Config) Target(site, env, id string) Target {
	r := strings.NewReplacer("{site}", site, "{env}", env, "{id}", id)
	return Target{
		User: r.Replace(c.UserTemplate),
		Host: r.Replace(c.HostTemplate),
		Port: c.Port,
	}
}

// RemoteCacheDir expands {home} in CacheDir against RemoteHome.
func (c *Config) RemoteCacheDir() string {
	return strings.ReplaceAll(c.CacheDir, "{home}", strings.TrimRight(c.RemoteHome, "/"))
}

// ExpandPath resolves ~ and relative paths the same way Load does.
func ExpandPath(path string) (string, error) {
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
