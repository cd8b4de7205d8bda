package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 9090

redis:
  addr: redis.internal:6379

docker:
  image: projectdiscovery/nuclei:v3.3.0

pipeline:
  enabled: true
  validation_target: http://vulnerable.internal:8080
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Redis.Addr = %s, want redis.internal:6379", cfg.Redis.Addr)
	}
	if cfg.Docker.Image != "projectdiscovery/nuclei:v3.3.0" {
		t.Errorf("Docker.Image = %s, want projectdiscovery/nuclei:v3.3.0", cfg.Docker.Image)
	}

	// Verify defaults were applied
	if cfg.Scanner.TemplateMountPath != "/templates" {
		t.Errorf("Scanner.TemplateMountPath = %s, want /templates", cfg.Scanner.TemplateMountPath)
	}
	if cfg.Queues.ScanWorkers != 2 {
		t.Errorf("Queues.ScanWorkers = %d, want 2", cfg.Queues.ScanWorkers)
	}
	if cfg.Queues.GenerateWorkers != 4 {
		t.Errorf("Queues.GenerateWorkers = %d, want 4", cfg.Queues.GenerateWorkers)
	}
	if cfg.Server.Auth.Type != "none" {
		t.Errorf("Server.Auth.Type = %s, want none", cfg.Server.Auth.Type)
	}
	if cfg.CVEFeed.PerPage != 200 {
		t.Errorf("CVEFeed.PerPage = %d, want 200", cfg.CVEFeed.PerPage)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	os.Setenv("TEST_API_TOKEN", "my-secret-token")
	defer os.Unsetenv("TEST_API_TOKEN")

	configPath := writeConfig(t, `
server:
  auth:
    type: bearer
    secret: ${TEST_API_TOKEN}
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Auth.Secret != "my-secret-token" {
		t.Errorf("Auth.Secret = %s, want my-secret-token", cfg.Server.Auth.Secret)
	}
}

func TestLoad_MissingValidationTarget(t *testing.T) {
	configPath := writeConfig(t, `
pipeline:
  enabled: true
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Load() should fail when pipeline is enabled without a validation target")
	}
}

func TestLoad_InvalidAuthType(t *testing.T) {
	configPath := writeConfig(t, `
server:
  auth:
    type: basic
    secret: whatever
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Load() should fail for unknown auth type")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
scanner:
  scan_timeout: soon
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Load() should fail for unparseable durations")
	}
}

func TestInjectSecretsIntoConfig(t *testing.T) {
	secretsDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(secretsDir, "redis-password"), []byte("s3cret\n"), 0600); err != nil {
		t.Fatalf("Failed to write secret: %v", err)
	}

	secrets, err := LoadSecretsFromFiles(secretsDir)
	if err != nil {
		t.Fatalf("LoadSecretsFromFiles() failed: %v", err)
	}

	cfg := &Config{}
	cfg.Redis.Password = "${FILE:redis-password}"
	InjectSecretsIntoConfig(cfg, secrets)

	if cfg.Redis.Password != "s3cret" {
		t.Errorf("Redis.Password = %s, want s3cret", cfg.Redis.Password)
	}
}
