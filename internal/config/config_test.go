package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/perdiem/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigFile, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := domain.DefaultConfig()
	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if cfg.Server.Port != want.Server.Port {
		t.Errorf("expected port %d, got %d", want.Server.Port, cfg.Server.Port)
	}
	if cfg.Repository.Driver != "sqlite" || cfg.Repository.SQLitePath != want.Repository.SQLitePath {
		t.Errorf("unexpected repository config: %+v", cfg.Repository)
	}
	if cfg.Cache.LocalMaxSize != want.Cache.LocalMaxSize {
		t.Errorf("expected cache size %d, got %d", want.Cache.LocalMaxSize, cfg.Cache.LocalMaxSize)
	}
	if cfg.Scoring != want.Scoring {
		t.Errorf("expected scoring %+v, got %+v", want.Scoring, cfg.Scoring)
	}
	if cfg.Retention.Schedule != want.Retention.Schedule {
		t.Errorf("expected schedule %q, got %q", want.Retention.Schedule, cfg.Retention.Schedule)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv("PERDIEM_SERVER_PORT", "9090")
	t.Setenv("PERDIEM_MODELS_SOURCE", "s3://artifacts/perdiem")
	t.Setenv("PERDIEM_DEBUG", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Models.Source != "s3://artifacts/perdiem" {
		t.Errorf("expected models source override, got %q", cfg.Models.Source)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug logging, got %q", cfg.Logging.Level)
	}
}

func TestLoadProTier(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv("PERDIEM_TIER", "pro")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Tier != domain.TierPro {
		t.Errorf("expected pro tier, got %s", cfg.Tier)
	}
	if cfg.Repository.Driver != "postgres" || cfg.Cache.Type != "redis" || cfg.EventBus.Type != "nats" {
		t.Errorf("expected pro backends, got %s/%s/%s", cfg.Repository.Driver, cfg.Cache.Type, cfg.EventBus.Type)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvConfigFile, "")

	path := filepath.Join(t.TempDir(), "perdiem.yaml")
	data := []byte(`
server:
  port: 7070
policy:
  path: /etc/perdiem/policy.yaml
  watch: true
retention:
  days: 30
cache:
  localttl: 60
tracing:
  enabled: true
  servicename: perdiem-edge
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Run("FileValues", func(t *testing.T) {
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.Port != 7070 {
			t.Errorf("expected port 7070, got %d", cfg.Server.Port)
		}
		if cfg.Policy.Path != "/etc/perdiem/policy.yaml" || !cfg.Policy.Watch {
			t.Errorf("unexpected policy config: %+v", cfg.Policy)
		}
		if cfg.Retention.Days != 30 {
			t.Errorf("expected 30 retention days, got %d", cfg.Retention.Days)
		}
		if cfg.Server.Host != "0.0.0.0" {
			t.Errorf("expected default host to survive, got %q", cfg.Server.Host)
		}
		if cfg.Cache.LocalTTL != 60 {
			t.Errorf("expected local TTL of 60 seconds, got %d", cfg.Cache.LocalTTL)
		}
		if !cfg.Tracing.Enabled || cfg.Tracing.ServiceName != "perdiem-edge" {
			t.Errorf("unexpected tracing config: %+v", cfg.Tracing)
		}
	})

	t.Run("EnvBeatsFile", func(t *testing.T) {
		t.Setenv("PERDIEM_SERVER_PORT", "6060")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.Port != 6060 {
			t.Errorf("expected port 6060, got %d", cfg.Server.Port)
		}
	})

	t.Run("FromEnvPath", func(t *testing.T) {
		t.Setenv(EnvConfigFile, path)
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.Port != 7070 {
			t.Errorf("expected port 7070, got %d", cfg.Server.Port)
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Config)
	}{
		{"unknown tier", func(c *domain.Config) { c.Tier = "gold" }},
		{"bad port", func(c *domain.Config) { c.Server.Port = 0 }},
		{"bad driver", func(c *domain.Config) { c.Repository.Driver = "mysql" }},
		{"bad cache", func(c *domain.Config) { c.Cache.Type = "memcached" }},
		{"bad bus", func(c *domain.Config) { c.EventBus.Type = "kafka" }},
		{"bad retention", func(c *domain.Config) { c.Retention.Days = 0 }},
	}

	if err := Validate(domain.DefaultConfig()); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
