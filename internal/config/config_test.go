package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadMergeAndOverrides(t *testing.T) {
	tempDir := t.TempDir()
	defaultPath := filepath.Join(tempDir, "default.yaml")
	globalPath := filepath.Join(tempDir, "global.yaml")
	projectDir := filepath.Join(tempDir, "project")
	projectPath := filepath.Join(projectDir, ".cotloop.yaml")

	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatalf("mkdir project: %v", err)
	}

	writeFile(t, defaultPath, "defaults:\n  iterations: 5\n  backend: ollama\nlogging:\n  level: info\n")
	writeFile(t, globalPath, "defaults:\n  iterations: 7\nlogging:\n  level: warn\n")
	writeFile(t, projectPath, "defaults:\n  iterations: 9\n")

	t.Setenv("COTLOOP_DEFAULT_CONFIG", defaultPath)
	t.Setenv("COTLOOP_GLOBAL_CONFIG", globalPath)
	t.Setenv("COTLOOP_PROJECT_CONFIG_NAME", ".cotloop.yaml")
	t.Setenv("OLLAMA_HOST", "")
	t.Setenv("COTLOOP_MODEL", "")

	cfg, err := Load(projectDir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if got := cfg.Int("defaults.iterations", 0); got != 9 {
		t.Fatalf("expected iterations 9, got %d", got)
	}
	if got := cfg.String("defaults.backend", ""); got != "ollama" {
		t.Fatalf("expected backend ollama, got %q", got)
	}
	if got := cfg.String("logging.level", ""); got != "warn" {
		t.Fatalf("expected logging.level warn, got %q", got)
	}

	t.Setenv("COTLOOP_DEFAULTS_ITERATIONS", "3")
	if got := cfg.Int("defaults.iterations", 0); got != 3 {
		t.Fatalf("expected env override 3, got %d", got)
	}

	t.Setenv("OLLAMA_HOST", "http://gpu-box:11434")
	if got := cfg.String("ollama.base_url", ""); got != "http://gpu-box:11434" {
		t.Fatalf("expected legacy override, got %q", got)
	}
}

func TestLoadBuiltInDefaults(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("COTLOOP_DEFAULT_CONFIG", filepath.Join(tempDir, "missing.yaml"))
	t.Setenv("COTLOOP_GLOBAL_CONFIG", filepath.Join(tempDir, "missing-global.yaml"))
	t.Setenv("OLLAMA_HOST", "")
	t.Setenv("COTLOOP_MODEL", "")

	cfg, err := Load(tempDir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if got := cfg.Int("defaults.iterations", 0); got != 5 {
		t.Fatalf("expected default iterations 5, got %d", got)
	}
	if got := cfg.String("defaults.model", ""); got != "llama3.2" {
		t.Fatalf("expected default model llama3.2, got %q", got)
	}
	if got := cfg.Float("defaults.temperature", 0); got != 0.7 {
		t.Fatalf("expected default temperature 0.7, got %v", got)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("COTLOOP_DEFAULT_CONFIG", filepath.Join(tempDir, "missing.yaml"))
	t.Setenv("COTLOOP_GLOBAL_CONFIG", filepath.Join(tempDir, "missing-global.yaml"))
	t.Setenv("COTLOOP_MODEL", "")
	// godotenv does not override variables that are already set, so make
	// sure the variable starts out unset and is cleaned up afterwards.
	t.Setenv("COTLOOP_DEFAULTS_MAX_TOKENS", "")
	os.Unsetenv("COTLOOP_DEFAULTS_MAX_TOKENS")

	writeFile(t, filepath.Join(tempDir, ".env"), "COTLOOP_DEFAULTS_MAX_TOKENS=256\n")

	cfg, err := Load(tempDir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := cfg.Int("defaults.max_tokens", 0); got != 256 {
		t.Fatalf("expected max_tokens from .env, got %d", got)
	}
}

func TestSetGlobalWritesFile(t *testing.T) {
	tempDir := t.TempDir()
	globalPath := filepath.Join(tempDir, "config.yaml")

	t.Setenv("COTLOOP_CONFIG_DIR", tempDir)
	t.Setenv("COTLOOP_GLOBAL_CONFIG", globalPath)

	if err := SetGlobal(nil, "defaults.model", "qwen2.5"); err != nil {
		t.Fatalf("set config: %v", err)
	}

	v := viper.New()
	v.SetConfigFile(globalPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("read global config: %v", err)
	}

	if value := v.GetString("defaults.model"); value != "qwen2.5" {
		t.Fatalf("expected defaults.model qwen2.5, got %q", value)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
