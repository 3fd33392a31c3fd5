package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lespaceman/athena/internal/feed"
)

// Load reads and validates the YAML configuration at path. A missing file
// is not an error: Load returns the defaults for projectDir so `athena
// serve --project-dir x` works without a config file present.
func Load(path, projectDir string) (*Config, error) {
	cfg := Default(projectDir)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if projectDir != "" {
		cfg.ProjectDir = projectDir
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(parentDir(path), 0o700); err != nil {
		return fmt.Errorf("config: mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// LoadRules reads the persisted rule list from path. A missing file falls
// back to fallback (the config's inline Rules, typically), so a fresh
// project directory still boots with whatever rules athena.yaml shipped.
func LoadRules(path string, fallback []feed.HookRule) ([]feed.HookRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fallback, nil
		}
		return nil, fmt.Errorf("config: read rules %s: %w", path, err)
	}
	var rules []feed.HookRule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("config: parse rules %s: %w", path, err)
	}
	return rules, nil
}

// SaveRules persists the current rule list to path, so an operator's
// "always allow" choice (S2) survives a restart.
func SaveRules(path string, rules []feed.HookRule) error {
	data, err := yaml.Marshal(rules)
	if err != nil {
		return fmt.Errorf("config: marshal rules: %w", err)
	}
	if err := os.MkdirAll(parentDir(path), 0o700); err != nil {
		return fmt.Errorf("config: mkdir for rules: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write rules %s: %w", path, err)
	}
	return nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
