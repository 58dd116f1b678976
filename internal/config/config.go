package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the full daemon configuration, read once at process start.
// Workers receive an immutable snapshot; changing the file has no effect
// until the next restart.
type Config struct {
	// Host is the bind address for the primary listener.
	Host string `yaml:"host"`

	// Port is the primary listener port. TLS or plaintext depending on SSL.
	Port int `yaml:"port"`

	// HTTP configures the optional secondary plaintext listener used for
	// ACME challenges and redirect-to-secure.
	HTTP HTTPConfig `yaml:"http"`

	// SSL holds TLS credentials. TLS is active only when both Key and
	// Cert are set.
	SSL SSLConfig `yaml:"ssl"`

	// Static configures the static asset handler on the primary listener.
	Static StaticConfig `yaml:"static"`

	// Timeout is the forced-exit budget in seconds. Zero disables the
	// forced-exit timer.
	Timeout int `yaml:"timeout"`

	// Threads is the number of worker processes. Zero means one per
	// logical CPU.
	Threads int `yaml:"threads"`
}

// HTTPConfig configures the secondary plaintext listener.
type HTTPConfig struct {
	// Port for the plaintext listener. Zero disables it.
	Port int `yaml:"port"`

	// Timeout is the per-request response timeout in seconds, applied to
	// both listeners. Zero disables it.
	Timeout int `yaml:"timeout"`

	// Webroot is the directory ACME HTTP-01 challenge files are served
	// from.
	Webroot string `yaml:"webroot"`
}

// SSLConfig holds TLS credentials. Each value is either inline PEM text
// (with escaped newlines) or a filesystem path.
type SSLConfig struct {
	Key  string `yaml:"key"`
	Cert string `yaml:"cert"`
	CA   string `yaml:"ca"`
}

// Enabled reports whether TLS should be used. Both key and certificate
// must be present; absence of either selects plaintext.
func (s SSLConfig) Enabled() bool {
	return s.Key != "" && s.Cert != ""
}

// StaticConfig configures static file serving.
type StaticConfig struct {
	// Dir is the directory served under /static. Empty disables it.
	Dir string `yaml:"dir"`

	// Expires is the Cache-Control max-age in seconds.
	Expires int `yaml:"expires"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:    "0.0.0.0",
		Port:    8080,
		Timeout: 30,
	}
}

// Load reads the configuration file at path, merged over defaults, with
// environment overrides applied last. A missing file is not an error;
// defaults are used.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("WARDEN_THREADS"); v != "" {
		if threads, err := strconv.Atoi(v); err == nil {
			cfg.Threads = threads
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: http.port %d out of range", ErrInvalidConfig, c.HTTP.Port)
	}
	if c.HTTP.Port != 0 && c.HTTP.Port == c.Port {
		return fmt.Errorf("%w: http.port must differ from port", ErrInvalidConfig)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	if c.HTTP.Timeout < 0 {
		return fmt.Errorf("%w: http.timeout must not be negative", ErrInvalidConfig)
	}
	if c.Threads < 0 {
		return fmt.Errorf("%w: threads must not be negative", ErrInvalidConfig)
	}
	return nil
}

// WorkerCount resolves the number of worker processes to fork.
func (c Config) WorkerCount() int {
	if c.Threads > 0 {
		return c.Threads
	}
	return runtime.NumCPU()
}

// ForceTimeout returns the forced-exit budget as a duration.
func (c Config) ForceTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// RequestTimeout returns the per-request response timeout as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.Timeout) * time.Second
}

// ResolveConfigPath returns the configuration file to load: the explicit
// path if given, otherwise WARDEN_CONFIG, otherwise the instance default.
func ResolveConfigPath(explicit, instanceName string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("WARDEN_CONFIG"); env != "" {
		return env
	}
	return GetInstancePaths(instanceName).Config
}
