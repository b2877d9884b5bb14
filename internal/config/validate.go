package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError represents a single config validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation failures.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("config validation failed:\n")
	for _, err := range e {
		b.WriteString("  - ")
		b.WriteString(err.Error())
		b.WriteString("\n")
	}
	return b.String()
}

var validRegistryBackends = map[string]bool{
	"redis": true,
}

// Validate checks the configuration for errors. Unrecognized keys are not
// an error here; viper's AutomaticEnv and loose YAML tolerate them, and
// Init logs a warning for any found outside this struct's fields.
func Validate(cfg *Config) error {
	var errs ValidationErrors

	if cfg.ServerPort < 0 || cfg.ServerPort > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server_port",
			Message: fmt.Sprintf("must be between 0 and 65535, got %d", cfg.ServerPort),
		})
	}

	if cfg.LocalIP == "" {
		errs = append(errs, ValidationError{
			Field:   "local_ip",
			Message: "must not be empty",
		})
	}

	if cfg.Registry.Backend == "" {
		errs = append(errs, ValidationError{
			Field:   "registry.backend",
			Message: "must not be empty",
		})
	} else if !validRegistryBackends[cfg.Registry.Backend] {
		errs = append(errs, ValidationError{
			Field:   "registry.backend",
			Message: fmt.Sprintf("must be one of: redis; got %q", cfg.Registry.Backend),
		})
	}

	if len(cfg.Registry.Servers) == 0 {
		errs = append(errs, ValidationError{
			Field:   "registry.servers",
			Message: "must list at least one coordination-store endpoint",
		})
	}

	if cfg.Registry.ConnectTimeout < 1 {
		errs = append(errs, ValidationError{
			Field:   "registry.connect_timeout",
			Message: fmt.Sprintf("must be at least 1 second, got %d", cfg.Registry.ConnectTimeout),
		})
	}

	if cfg.Registry.Pool.Size < 1 {
		errs = append(errs, ValidationError{
			Field:   "registry.pool.size",
			Message: fmt.Sprintf("must be at least 1, got %d", cfg.Registry.Pool.Size),
		})
	}

	if cfg.Registry.Pool.BorrowTimeout < 1 {
		errs = append(errs, ValidationError{
			Field:   "registry.pool.borrow_timeout",
			Message: fmt.Sprintf("must be at least 1 millisecond, got %d", cfg.Registry.Pool.BorrowTimeout),
		})
	}

	if cfg.Registry.Pool.Warn < 0 {
		errs = append(errs, ValidationError{
			Field:   "registry.pool.warn",
			Message: fmt.Sprintf("must be non-negative, got %d", cfg.Registry.Pool.Warn),
		})
	}

	if cfg.Registry.Pool.Idle < 1 {
		errs = append(errs, ValidationError{
			Field:   "registry.pool.idle",
			Message: fmt.Sprintf("must be at least 1 second, got %d", cfg.Registry.Pool.Idle),
		})
	}

	if len(errs) > 0 {
		return errs
	}

	return nil
}

// IsValidationError reports whether err is (or wraps) a validation error.
func IsValidationError(err error) bool {
	var ve ValidationError
	var ves ValidationErrors
	return errors.As(err, &ve) || errors.As(err, &ves)
}
