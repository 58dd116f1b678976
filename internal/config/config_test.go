package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != 8080 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SSL.Enabled() {
		t.Fatal("TLS should be off by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
host: 127.0.0.1
port: 8443
http:
  port: 8081
  timeout: 10
  webroot: /var/www/acme
ssl:
  key: /etc/warden/tls/server.key
  cert: /etc/warden/tls/server.crt
  ca: /etc/warden/tls/ca.crt
static:
  dir: /srv/static
  expires: 3600
timeout: 15
threads: 4
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Host != "127.0.0.1" || cfg.Port != 8443 {
		t.Fatalf("unexpected host/port: %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.HTTP.Port != 8081 || cfg.HTTP.Webroot != "/var/www/acme" {
		t.Fatalf("unexpected http config: %+v", cfg.HTTP)
	}
	if !cfg.SSL.Enabled() {
		t.Fatal("TLS should be enabled when key and cert are set")
	}
	if cfg.WorkerCount() != 4 {
		t.Fatalf("expected 4 workers, got %d", cfg.WorkerCount())
	}
	if cfg.ForceTimeout() != 15*time.Second {
		t.Fatalf("unexpected force timeout: %s", cfg.ForceTimeout())
	}
	if cfg.RequestTimeout() != 10*time.Second {
		t.Fatalf("unexpected request timeout: %s", cfg.RequestTimeout())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9001")
	t.Setenv("WARDEN_THREADS", "2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9001 {
		t.Fatalf("PORT override ignored, got %d", cfg.Port)
	}
	if cfg.Threads != 2 {
		t.Fatalf("WARDEN_THREADS override ignored, got %d", cfg.Threads)
	}
}

func TestSSLEnabledRequiresBoth(t *testing.T) {
	if (SSLConfig{Key: "key.pem"}).Enabled() {
		t.Fatal("key without cert must not enable TLS")
	}
	if (SSLConfig{Cert: "cert.pem"}).Enabled() {
		t.Fatal("cert without key must not enable TLS")
	}
	if !(SSLConfig{Key: "key.pem", Cert: "cert.pem"}).Enabled() {
		t.Fatal("key and cert together must enable TLS")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"port too low", func(c *Config) { c.Port = 0 }, "port 0 out of range"},
		{"port too high", func(c *Config) { c.Port = 70000 }, "out of range"},
		{"http port clash", func(c *Config) { c.HTTP.Port = c.Port }, "must differ"},
		{"negative timeout", func(c *Config) { c.Timeout = -1 }, "timeout"},
		{"negative threads", func(c *Config) { c.Threads = -1 }, "threads"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := ResolveConfigPath("/explicit.yaml", ""); got != "/explicit.yaml" {
		t.Fatalf("explicit path not honoured: %s", got)
	}

	t.Setenv("WARDEN_CONFIG", "/from-env.yaml")
	if got := ResolveConfigPath("", ""); got != "/from-env.yaml" {
		t.Fatalf("WARDEN_CONFIG not honoured: %s", got)
	}

	t.Setenv("WARDEN_CONFIG", "")
	got := ResolveConfigPath("", "prod")
	if !strings.Contains(got, filepath.Join("instances", "prod", "config.yaml")) {
		t.Fatalf("unexpected instance default: %s", got)
	}
}
