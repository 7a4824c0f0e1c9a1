package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap/zapcore"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if cfg.HTTP.Address != ":8080" || cfg.HTTP.GinMode != "release" {
		t.Errorf("unexpected http config %+v", cfg.HTTP)
	}
	if cfg.RPC.Address != "127.0.0.1:9090" || cfg.RPC.ShutdownTimeout != 5*time.Second {
		t.Errorf("unexpected rpc config %+v", cfg.RPC)
	}
	if cfg.Service.Style != "reactive" {
		t.Errorf("expect reactive style by default, got %q", cfg.Service.Style)
	}
	if cfg.Client.Retries != 0 {
		t.Errorf("expect no retries by default, got %d", cfg.Client.Retries)
	}
	if cfg.Client.Timeout != 3*time.Second || cfg.Client.PoolSize != 4 {
		t.Errorf("unexpected client config %+v", cfg.Client)
	}
	if cfg.Registry.Kind != "static" || cfg.Registry.TTL != 10 {
		t.Errorf("unexpected registry config %+v", cfg.Registry)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
http:
  address: ":9999"
service:
  style: blocking
client:
  serialization: msgpack
  timeout: 750ms
registry:
  kind: etcd
  endpoints:
    - 127.0.0.1:2379
log:
  level: debug
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PINGD_RPC_ADDRESS", "127.0.0.1:7070")
	t.Setenv("PINGD_SERVICE_STYLE", "reactive")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Address != ":9999" {
		t.Errorf("file value not applied: %q", cfg.HTTP.Address)
	}
	if cfg.Client.Serialization != "msgpack" || cfg.Client.Timeout != 750*time.Millisecond {
		t.Errorf("unexpected client config %+v", cfg.Client)
	}
	if len(cfg.Registry.Endpoints) != 1 || cfg.Registry.Endpoints[0] != "127.0.0.1:2379" {
		t.Errorf("unexpected endpoints %v", cfg.Registry.Endpoints)
	}
	if cfg.RPC.Address != "127.0.0.1:7070" {
		t.Errorf("env override not applied: %q", cfg.RPC.Address)
	}
	if cfg.Service.Style != "reactive" {
		t.Errorf("env should win over file, got %q", cfg.Service.Style)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service:\n  style: lazy\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); !errors.IsNotValid(err) {
		t.Fatalf("expect NotValid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		cfg, err := Load(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"style", func(c *Config) { c.Service.Style = "eventual" }},
		{"codec", func(c *Config) { c.Client.Codec = "xml" }},
		{"serialization", func(c *Config) { c.Client.Serialization = "thrift" }},
		{"balancer", func(c *Config) { c.Client.Balancer = "random" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"gin mode", func(c *Config) { c.HTTP.GinMode = "production" }},
		{"network", func(c *Config) { c.RPC.Network = "udp" }},
		{"pool size", func(c *Config) { c.Client.PoolSize = 0 }},
		{"retries", func(c *Config) { c.Client.Retries = -1 }},
		{"registry kind", func(c *Config) { c.Registry.Kind = "zookeeper" }},
		{"consul without endpoints", func(c *Config) { c.Registry.Kind = "consul" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.IsNotValid(err) {
				t.Fatalf("expect NotValid, got %v", err)
			}
		})
	}

	if err := valid(t).Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadRejectsUnknownGinMode(t *testing.T) {
	t.Setenv("PINGD_HTTP_GINMODE", "production")
	if _, err := Load(t.TempDir()); !errors.IsNotValid(err) {
		t.Fatalf("expect NotValid for gin mode, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		cfg := &Config{Log: LogConfig{Level: "warn", Format: format}}
		logger, err := cfg.NewLogger()
		if err != nil {
			t.Fatal(err)
		}
		if logger.Core().Enabled(zapcore.DebugLevel) {
			t.Errorf("%s: debug should be disabled at warn level", format)
		}
		if !logger.Core().Enabled(zapcore.WarnLevel) {
			t.Errorf("%s: warn should be enabled", format)
		}
	}
}
