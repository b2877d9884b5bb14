package config

import "testing"

func TestValidate_DefaultsPass(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate(default config) returned error: %v", err)
	}
}

func TestValidate_RejectsEmptyRegistryServers(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Registry.Servers = nil

	err := Validate(&cfg)
	if err == nil {
		t.Fatal("Validate() returned nil for empty registry.servers")
	}
	if !IsValidationError(err) {
		t.Errorf("Validate() error is not a ValidationErrors: %v", err)
	}
}

func TestValidate_RejectsUnknownBackend(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Registry.Backend = "zookeeper"

	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate() returned nil for an unrecognized registry backend")
	}
}

func TestValidate_RejectsPoolSizeZero(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Registry.Pool.Size = 0

	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate() returned nil for pool size 0")
	}
}

func TestValidationErrors_Error_MultipleMessages(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Message: "bad"},
		{Field: "b", Message: "also bad"},
	}
	msg := errs.Error()
	if msg == "" {
		t.Fatal("ValidationErrors.Error() returned empty string for non-empty slice")
	}
}
