// Package config loads and resolves the runner's TOML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// TokenEnv is the environment variable consulted for the scheduler bearer
// token when the config file omits one.
const TokenEnv = "CHICON_TOKEN"

const (
	globalConfigPath = "/etc/chicon/runner.toml"
	localConfigPath  = "./runner.toml"
)

// WorkspaceConfig controls the on-disk scratch area.
type WorkspaceConfig struct {
	Path string `toml:"path"`
	// CacheLimit is kept as a string, matching the TOML sample in the
	// external config schema ("200"), and parsed on demand through
	// CacheLimitBytes.
	CacheLimit  string `toml:"cache_limit"`
	SSHCloneKey string `toml:"ssh_clone_key"`
}

// CacheLimitBytes parses the configured megabyte limit into bytes.
func (w WorkspaceConfig) CacheLimitBytes() (uint64, error) {
	limitMB, err := strconv.ParseUint(strings.TrimSpace(w.CacheLimit), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("workspace.cache_limit %q is not a valid number of megabytes: %w", w.CacheLimit, err)
	}
	return limitMB * 1_000_000, nil
}

// SchedulerConfig controls the control-plane connection and HTTP client.
type SchedulerConfig struct {
	BaseURL          string  `toml:"base_url"`
	Token            string  `toml:"token"`
	RetryPeriod      uint64  `toml:"retry_period"`
	RetryScaleFactor float64 `toml:"retry_scale_factor"`
	RetryScaleLimit  uint64  `toml:"retry_scale_limit"`
}

// ContainerConfig controls the container tool invocation.
type ContainerConfig struct {
	Namespace string `toml:"namespace"`
}

// Config is the fully-resolved runner configuration.
type Config struct {
	Workspace WorkspaceConfig `toml:"workspace"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Container ContainerConfig `toml:"container"`

	// MetricsAddr, when non-empty, is the address the /metrics and
	// /healthz endpoints are served on. Empty (the default) disables
	// metrics serving entirely.
	MetricsAddr string `toml:"metrics_addr"`
}

// defaultConfig returns the built-in defaults. Note that CacheLimit
// defaults to "200" megabytes here - unlike the source runner this port is
// based on, whose `ConfigWorkspace.cache_limit` field was wired to the
// *path* default function instead of the cache-limit one. That wiring bug
// is not reproduced.
func defaultConfig() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Path:       "chicon-workspace",
			CacheLimit: "200",
		},
		Scheduler: SchedulerConfig{
			BaseURL:          "localhost:3000",
			Token:            os.Getenv(TokenEnv),
			RetryPeriod:      5,
			RetryScaleFactor: 1.25,
			RetryScaleLimit:  30,
		},
		Container: ContainerConfig{
			Namespace: "kb",
		},
	}
}

// Load reads and parses the TOML file at path, returning a Config seeded
// with defaults for anything the file does not set. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// ResolvePath implements the config resolution order: an explicit path (if
// given, it must exist), else the global path, else the local path, else
// empty (the caller falls back to defaults and should warn).
func ResolvePath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("runner configuration path %s not reachable: %w", explicit, err)
		}
		return explicit, nil
	}

	if _, err := os.Stat(globalConfigPath); err == nil {
		return globalConfigPath, nil
	}
	if _, err := os.Stat(localConfigPath); err == nil {
		return localConfigPath, nil
	}
	return "", nil
}

// SetWorkspacePath overrides the configured workspace path, used to apply
// the `run --workspace` CLI flag over whatever the config file set.
func (c *Config) SetWorkspacePath(path string) {
	if path != "" {
		c.Workspace.Path = path
	}
}

// SetContainerNamespace overrides the configured container namespace, used
// to apply the `--namespace` CLI flag over whatever the config file set.
func (c *Config) SetContainerNamespace(namespace string) {
	if namespace != "" {
		c.Container.Namespace = namespace
	}
}
