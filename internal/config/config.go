package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Paths captures the config files used during Load.
type Paths struct {
	Default string
	Global  string
	Project string
	DotEnv  string
}

// Config is a merged, read-only view of the cotloop configuration. It is
// built once at startup and passed to whatever needs it.
type Config struct {
	v     *viper.Viper
	paths Paths
}

// Load merges configuration in priority order:
// default -> global -> project (highest), with COTLOOP_* env overrides.
// A .env file in projectDir is loaded into the process environment first.
func Load(projectDir string) (*Config, error) {
	paths := Paths{
		Default: defaultConfigPath(),
		Global:  globalConfigPath(),
		Project: projectConfigPath(projectDir),
		DotEnv:  dotEnvPath(projectDir),
	}

	if paths.DotEnv != "" {
		if err := godotenv.Load(paths.DotEnv); err != nil {
			return nil, fmt.Errorf("load %s: %w", paths.DotEnv, err)
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("COTLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := readConfigFile(v, paths.Default); err != nil {
		return nil, err
	}
	if err := mergeConfigFile(v, paths.Global); err != nil {
		return nil, err
	}
	if err := mergeConfigFile(v, paths.Project); err != nil {
		return nil, err
	}

	return &Config{v: v, paths: paths}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("defaults.backend", "ollama")
	v.SetDefault("defaults.model", "llama3.2")
	v.SetDefault("defaults.iterations", 5)
	v.SetDefault("defaults.temperature", 0.7)
	v.SetDefault("defaults.max_tokens", 1000)
	v.SetDefault("ollama.base_url", "http://localhost:11434")
	v.SetDefault("ollama.timeout_seconds", 120)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.retain_days", 7)
}

// Paths returns the files that were considered while loading.
func (c *Config) Paths() Paths {
	if c == nil {
		return Paths{}
	}
	return c.paths
}

// Get returns a config value as a string with env overrides applied.
func (c *Config) Get(key string) (string, bool) {
	if key == "" {
		return "", false
	}

	if legacyKey, ok := legacyEnvOverrides()[key]; ok {
		if value, found := os.LookupEnv(legacyKey); found && strings.TrimSpace(value) != "" {
			return value, true
		}
	}

	if c == nil || c.v == nil {
		return "", false
	}
	if !c.v.IsSet(key) {
		return "", false
	}

	return valueToString(c.v.Get(key)), true
}

// String returns the trimmed value for key or fallback when unset or blank.
func (c *Config) String(key, fallback string) string {
	if value, ok := c.Get(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

// Int returns the value for key parsed as an int, or fallback.
func (c *Config) Int(key string, fallback int) int {
	value, ok := c.Get(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

// Float returns the value for key parsed as a float64, or fallback.
func (c *Config) Float(key string, fallback float64) float64 {
	value, ok := c.Get(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// Bool returns the value for key parsed as a bool, or fallback.
func (c *Config) Bool(key string, fallback bool) bool {
	value, ok := c.Get(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

// List returns a flattened view of the current configuration.
func (c *Config) List() (map[string]string, error) {
	if c == nil || c.v == nil {
		return nil, errors.New("config not loaded")
	}

	flattened := map[string]string{}
	flattenSettings("", c.v.AllSettings(), flattened)
	return flattened, nil
}

// SetGlobal writes a configuration value to the global config file. When c is
// non-nil the in-memory view is updated as well.
func SetGlobal(c *Config, key, value string) error {
	if key == "" {
		return errors.New("config key is required")
	}

	globalPath := globalConfigPath()
	if globalPath == "" {
		return errors.New("global config path is not available")
	}

	if err := os.MkdirAll(filepath.Dir(globalPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(globalPath)
	if fileExists(globalPath) {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read global config: %w", err)
		}
	}

	v.Set(key, value)
	if err := v.WriteConfigAs(globalPath); err != nil {
		return fmt.Errorf("write global config: %w", err)
	}

	if c != nil && c.v != nil {
		c.v.Set(key, value)
	}

	return nil
}

func defaultConfigPath() string {
	if path, ok := os.LookupEnv("COTLOOP_DEFAULT_CONFIG"); ok && path != "" {
		return path
	}

	var candidates []string
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(exeDir, "config", "default.yaml"),
			filepath.Join(exeDir, "..", "config", "default.yaml"),
		)
	}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "cotloop", "default.yaml"))
	}

	for _, candidate := range candidates {
		if fileExists(candidate) {
			return candidate
		}
	}

	return ""
}

func globalConfigPath() string {
	if path, ok := os.LookupEnv("COTLOOP_GLOBAL_CONFIG"); ok && path != "" {
		return path
	}

	dir := Dir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, "config.yaml")
}

func projectConfigPath(projectDir string) string {
	if !dirExists(projectDir) {
		return ""
	}

	name := os.Getenv("COTLOOP_PROJECT_CONFIG_NAME")
	if name == "" {
		name = ".cotloop.yaml"
	}

	return filepath.Join(projectDir, name)
}

func dotEnvPath(projectDir string) string {
	if !dirExists(projectDir) {
		return ""
	}
	path := filepath.Join(projectDir, ".env")
	if !fileExists(path) {
		return ""
	}
	return path
}

// Dir returns the per-user cotloop directory.
func Dir() string {
	if path, ok := os.LookupEnv("COTLOOP_CONFIG_DIR"); ok && path != "" {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "cotloop")
}

func readConfigFile(v *viper.Viper, path string) error {
	if !fileExists(path) {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	return nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	if !fileExists(path) {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("merge config %s: %w", path, err)
	}

	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// legacyEnvOverrides maps keys to environment variables that predate the
// COTLOOP_ prefix. OLLAMA_HOST is what the ollama CLI itself reads.
func legacyEnvOverrides() map[string]string {
	return map[string]string{
		"ollama.base_url": "OLLAMA_HOST",
		"openai.api_key":  "OPENAI_API_KEY",
		"defaults.model":  "COTLOOP_MODEL",
	}
}

func valueToString(value interface{}) string {
	switch typed := value.(type) {
	case []string:
		return strings.Join(typed, ",")
	case []interface{}:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(value)
	}
}

func flattenSettings(prefix string, value interface{}, out map[string]string) {
	if value == nil {
		return
	}

	switch typed := value.(type) {
	case map[string]interface{}:
		for key, item := range typed {
			nextKey := key
			if prefix != "" {
				nextKey = prefix + "." + key
			}
			flattenSettings(nextKey, item, out)
		}
	default:
		if prefix == "" {
			return
		}
		out[prefix] = valueToString(value)
	}
}
