package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads and returns the typed configuration using its own viper
// instance, independent of the package singleton. It searches the same
// priority order as Init.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("SKYNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setViperDefaults(v)

	if envPath := os.Getenv("SKYNET_CONFIG_DIR"); envPath != "" {
		v.AddConfigPath(envPath)
	}
	if home := resolveHomeDir(); home != "" {
		v.AddConfigPath(filepath.Join(home, ".config", "skynet"))
	}
	v.AddConfigPath(".")

	err := v.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, fmt.Errorf("no config file found")
		}
		return nil, fmt.Errorf("failed to read config; %w", err)
	}

	return unmarshalConfig(v)
}

// LoadFromPath reads configuration from a specific file path.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("SKYNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setViperDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config from %s; %w", path, err)
	}

	return unmarshalConfig(v)
}

// LoadWithDefaults returns configuration using defaults and environment
// overrides only.
func LoadWithDefaults() *Config {
	cfg := NewDefaultConfig()
	return &cfg
}

func unmarshalConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config; %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	warnUnrecognizedKeys(v.AllKeys())

	return cfg, nil
}
