package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when neither a flag nor ConfigPathEnv names a file.
const DefaultConfigPath = "configs/connector.yaml"

// ConfigPathEnv names the environment variable consulted by ResolvePath.
const ConfigPathEnv = "CLOB_SYNC_CONFIG"

// ResolvePath picks the config file: the flag value, then $CLOB_SYNC_CONFIG,
// then DefaultConfigPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads a YAML config file and expands environment variables.
//
// ${VAR} and ${VAR:-default} are resolved from the process environment, then
// from a .env file next to the config file when one exists. The process
// environment always wins. Variables left unresolved expand to "" and are
// listed in Config.Unresolved.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	dotenv, err := readEnvFile(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil {
		return nil, err
	}

	expanded, missing := expandEnv(string(data), dotenv)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.Unresolved = missing

	return &cfg, nil
}

// readEnvFile returns the variables of an optional .env file.
func readEnvFile(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return vars, nil
}

func expandEnv(data string, dotenv map[string]string) (string, []string) {
	seen := make(map[string]bool)
	var missing []string

	out := os.Expand(data, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if v, ok := dotenv[name]; ok {
			return v
		}
		if hasDefault {
			return def
		}
		if !seen[name] {
			seen[name] = true
			missing = append(missing, name)
		}
		return ""
	})
	sort.Strings(missing)
	return out, missing
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
