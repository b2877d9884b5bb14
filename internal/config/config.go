// Package config loads and holds the process-wide Skynet configuration:
// region, services path, server port, local IP, and the coordination-store
// / connection-pool settings every client view and server dispatcher share.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// configMu protects configFilePath and currentConfig.
var configMu sync.RWMutex

// configFilePath stores the path to the loaded config file.
var configFilePath string

// currentConfig stores the loaded typed configuration.
var currentConfig *Config

// Init initializes the configuration subsystem. It searches for
// configuration files in priority order:
//  1. Directory named by the SKYNET_CONFIG_DIR environment variable
//  2. ~/.config/skynet/
//  3. Current working directory (.)
//
// If no config file is found, sensible defaults plus environment overrides
// are used. If a config file exists but is invalid or unreadable, Init
// returns an error.
func Init() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("SKYNET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if envPath := os.Getenv("SKYNET_CONFIG_DIR"); envPath != "" {
		viper.AddConfigPath(envPath)
	}
	if home := resolveHomeDir(); home != "" {
		viper.AddConfigPath(filepath.Join(home, ".config", "skynet"))
	}
	viper.AddConfigPath(".")

	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			cfg := &Config{}
			if err := viper.Unmarshal(cfg); err != nil {
				return fmt.Errorf("failed to unmarshal config; %w", err)
			}
			configMu.Lock()
			configFilePath = ""
			currentConfig = cfg
			configMu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read config; %w", err)
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config; %w", err)
	}

	if err := Validate(cfg); err != nil {
		return fmt.Errorf("config validation failed; %w", err)
	}

	warnUnrecognizedKeys(viper.AllKeys())

	configMu.Lock()
	configFilePath = viper.ConfigFileUsed()
	currentConfig = cfg
	configMu.Unlock()

	slog.Debug("config initialized", "file", configFilePath)

	SetupSignalHandler()

	return nil
}

// InitWithDefaults initializes the configuration subsystem with defaults
// and environment overrides only, skipping config file discovery. Useful
// for tests and one-shot tools that should not depend on a config file
// being present.
func InitWithDefaults() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("SKYNET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	cfg := LoadWithDefaults()
	configMu.Lock()
	configFilePath = ""
	currentConfig = cfg
	configMu.Unlock()

	return nil
}

// ConfigFilePath returns the path to the loaded config file, or the empty
// string if running on defaults only.
func ConfigFilePath() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return configFilePath
}

// Reset clears the configuration state. Intended for tests.
func Reset() {
	viper.Reset()
	configMu.Lock()
	configFilePath = ""
	currentConfig = nil
	configMu.Unlock()
}

// Get returns the typed configuration, or nil if Init has not run.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return currentConfig
}

// MustGet returns the typed configuration. Panics if Init has not run.
func MustGet() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	if currentConfig == nil {
		panic("config: not initialized; call Init() first")
	}
	return currentConfig
}

// Reload re-reads the configuration from disk. On failure the previous
// configuration is retained and the error is returned; on success the new
// configuration replaces the old one atomically.
func Reload() error {
	currentSettings := viper.AllSettings()
	configMu.RLock()
	previousConfig := currentConfig
	configMu.RUnlock()

	err := viper.ReadInConfig()
	if err != nil {
		restoreSettings(currentSettings)
		slog.Error("config reload failed; retaining previous values", "error", err)
		return fmt.Errorf("failed to reload config; %w", err)
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		restoreSettings(currentSettings)
		configMu.Lock()
		currentConfig = previousConfig
		configMu.Unlock()
		slog.Error("config reload unmarshal failed; retaining previous values", "error", err)
		return fmt.Errorf("failed to unmarshal config; %w", err)
	}

	if err := Validate(cfg); err != nil {
		restoreSettings(currentSettings)
		configMu.Lock()
		currentConfig = previousConfig
		configMu.Unlock()
		slog.Error("config reload validation failed; retaining previous values", "error", err)
		return fmt.Errorf("config validation failed; %w", err)
	}

	warnUnrecognizedKeys(viper.AllKeys())

	configMu.Lock()
	currentConfig = cfg
	configMu.Unlock()

	slog.Info("config reloaded", "file", viper.ConfigFileUsed())
	return nil
}

func restoreSettings(settings map[string]any) {
	for key, value := range settings {
		viper.Set(key, value)
	}
}

func warnUnrecognizedKeys(keys []string) {
	for _, key := range keys {
		if !knownKeys[key] {
			slog.Warn("config: unrecognized key, ignoring", "key", key)
		}
	}
}

// ExpandPath expands a leading ~ to the user's home directory. Only "~" and
// "~/..." are expanded; "~user" forms are returned unchanged.
func ExpandPath(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	if len(path) > 1 && path[1] != '/' {
		return path
	}

	home := resolveHomeDir()
	if home == "" {
		return path
	}
	if len(path) == 1 {
		return home
	}
	return filepath.Join(home, path[2:])
}

func resolveHomeDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.HomeDir
}
