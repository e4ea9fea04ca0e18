package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SCREENCRAFT_SERVER_PORT.
const EnvPrefix = "SCREENCRAFT"

// Loader handles configuration loading
type Loader struct {
	configPath string
	envFiles   []string
}

// NewLoader creates a loader for configPath. An empty path means defaults
// plus environment only.
func NewLoader(configPath string, envFiles ...string) *Loader {
	return &Loader{
		configPath: configPath,
		envFiles:   envFiles,
	}
}

// Load reads .env files, defaults, the optional config file (JSON or YAML)
// and environment overrides, in increasing priority.
func (l *Loader) Load() (*Config, error) {
	if err := l.loadEnvFiles(); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if l.configPath != "" {
		if _, err := os.Stat(l.configPath); err == nil {
			v.SetConfigFile(l.configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// comma separated env values arrive as a single element
	if len(cfg.Server.AllowedOrigins) == 1 && strings.Contains(cfg.Server.AllowedOrigins[0], ",") {
		cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins[0])
	}

	cfg.ResolvePaths()
	return cfg, nil
}

func (l *Loader) loadEnvFiles() error {
	files := l.envFiles
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		// godotenv never overrides variables already set in the process
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// setDefaults registers every leaf of def so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, def *Config) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	flattenDefaults(v, "", tree)
	return nil
}

func flattenDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			flattenDefaults(v, full, nested)
			continue
		}
		v.SetDefault(full, value)
	}
}

// bindLegacyEnv accepts the variable names used by existing deployments.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"ai.openai_key":    {EnvPrefix + "_AI_OPENAI_KEY", "OPEN_AI_KEY", "OPENAI_API_KEY"},
		"ai.anthropic_key": {EnvPrefix + "_AI_ANTHROPIC_KEY", "ANTHROPIC_API_KEY"},
		"logging.level":    {EnvPrefix + "_LOGGING_LEVEL", "LOG_LEVEL"},
	}
	for key, names := range bindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

// ResolvePaths fills unset paths relative to DataDir.
func (c *Config) ResolvePaths() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Knowledge.DBPath == "" {
		c.Knowledge.DBPath = filepath.Join(c.DataDir, "knowledge.db")
	}
	if c.Knowledge.ScreensDir == "" {
		c.Knowledge.ScreensDir = filepath.Join(c.DataDir, "screens")
	}
	if c.Assets.EditedDir == "" {
		c.Assets.EditedDir = filepath.Join(c.DataDir, "edited")
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load is a convenience wrapper around NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}
