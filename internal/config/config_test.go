package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		ContainerExecutionTimeout: time.Minute,
		EventTimeout:              2 * time.Minute,
		LockTTL:                   5 * time.Minute,
		WarmPoolMinSize:           2,
		WarmPoolMaxSize:           10,
		ContainerBackend:          "docker",
	}
}

func TestValidateAcceptsOrderedTimeouts(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsOutOfOrderTimeouts(t *testing.T) {
	cfg := validConfig()
	cfg.EventTimeout = cfg.LockTTL // violates event_timeout < lock_ttl
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for violated timeout hierarchy")
	}

	cfg2 := validConfig()
	cfg2.ContainerExecutionTimeout = cfg2.EventTimeout // violates strict <
	if err := cfg2.Validate(); err == nil {
		t.Error("Validate() = nil, want error when execution timeout equals event timeout")
	}
}

func TestValidateRejectsBadWarmPoolBounds(t *testing.T) {
	cfg := validConfig()
	cfg.WarmPoolMaxSize = 1
	cfg.WarmPoolMinSize = 2
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error when max < min")
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := validConfig()
	cfg.ContainerBackend = "kubernetes"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for unknown backend")
	}
}
