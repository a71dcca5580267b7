package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jameslbarnes/dshield/internal/config"
)

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		old, had := os.LookupEnv(k)
		os.Setenv(k, v)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestLoadFromEnvDefaults(t *testing.T) {
	withEnv(t, map[string]string{"DSHIELD_CONFIG_FILE": filepath.Join(t.TempDir(), "missing.yaml")})
	cfg := config.LoadFromEnv()

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("expected default listen addr :8080, got %s", cfg.ListenAddr)
	}
	if cfg.SandboxTimeoutSeconds != 30 {
		t.Fatalf("expected default sandbox timeout 30, got %d", cfg.SandboxTimeoutSeconds)
	}
	if cfg.LoadFileErr != nil {
		t.Fatalf("expected no error for a missing config file, got %v", cfg.LoadFileErr)
	}
}

func TestLoadFromEnvOverridesFileDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dshield.yaml")
	yamlContent := "listenAddr: \":9090\"\nsandboxTimeoutSeconds: 45\nkafkaBrokers:\n  - \"broker-a:9092\"\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	withEnv(t, map[string]string{"DSHIELD_CONFIG_FILE": path})
	cfg := config.LoadFromEnv()

	if cfg.ListenAddr != ":9090" {
		t.Fatalf("expected file-sourced listen addr :9090, got %s", cfg.ListenAddr)
	}
	if cfg.SandboxTimeoutSeconds != 45 {
		t.Fatalf("expected file-sourced sandbox timeout 45, got %d", cfg.SandboxTimeoutSeconds)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "broker-a:9092" {
		t.Fatalf("expected file-sourced kafka brokers, got %v", cfg.KafkaBrokers)
	}

	withEnv(t, map[string]string{
		"DSHIELD_CONFIG_FILE":     path,
		"LISTEN_ADDR":             ":7070",
		"SANDBOX_TIMEOUT_SECONDS": "60",
		"KAFKA_BROKERS":           "broker-b:9092,broker-c:9092",
	})
	cfg = config.LoadFromEnv()

	if cfg.ListenAddr != ":7070" {
		t.Fatalf("expected env to override file listen addr, got %s", cfg.ListenAddr)
	}
	if cfg.SandboxTimeoutSeconds != 60 {
		t.Fatalf("expected env to override file sandbox timeout, got %d", cfg.SandboxTimeoutSeconds)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "broker-b:9092" {
		t.Fatalf("expected env to override file kafka brokers, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadFromEnvMalformedFileReportsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dshield.yaml")
	if err := os.WriteFile(path, []byte("listenAddr: [this is not valid"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	withEnv(t, map[string]string{"DSHIELD_CONFIG_FILE": path})
	cfg := config.LoadFromEnv()

	if cfg.LoadFileErr == nil {
		t.Fatalf("expected a parse error for malformed YAML")
	}
}

func TestLoadFromEnvBoolAndRequireMTLS(t *testing.T) {
	withEnv(t, map[string]string{
		"DSHIELD_CONFIG_FILE": filepath.Join(t.TempDir(), "missing.yaml"),
		"REQUIRE_MTLS":        "true",
	})
	cfg := config.LoadFromEnv()
	if !cfg.RequireMTLS {
		t.Fatalf("expected REQUIRE_MTLS=true to set RequireMTLS")
	}
}
