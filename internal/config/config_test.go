package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/acme/outbound-ivr-call/pkg/errors"
)

func validConfig() Config {
	return Config{
		HTTP:  HTTPConfig{Port: 3000},
		Voice: VoiceConfig{Provider: "enablex", Host: "api.enablex.io", AppID: "id", AppKey: "key"},
	}
}

func TestValidateRequiresCredentials(t *testing.T) {
	c := validConfig()
	c.Voice.AppKey = ""
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error without app key")
	}
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestValidateMockProviderNeedsNoCredentials(t *testing.T) {
	c := Config{HTTP: HTTPConfig{Port: 3000}, Voice: VoiceConfig{Provider: "mock"}}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateAppliesDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.IVR.PlayVoice != "female" {
		t.Fatalf("expected female default voice, got %q", c.IVR.PlayVoice)
	}
	if c.IVR.HangupDelay != 10*time.Second {
		t.Fatalf("expected 10s hangup delay, got %v", c.IVR.HangupDelay)
	}
	if c.Stream.PollInterval != 100*time.Millisecond {
		t.Fatalf("expected 100ms poll interval, got %v", c.Stream.PollInterval)
	}
	if c.Notifications.Backend != "memory" {
		t.Fatalf("expected memory backend, got %q", c.Notifications.Backend)
	}
}

func TestValidateRedisBackendsNeedAddress(t *testing.T) {
	c := validConfig()
	c.Notifications.Backend = "redis"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for redis backend without address")
	}

	c = validConfig()
	c.Lock.Enabled = true
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for lock without redis address")
	}
}

func TestEventURL(t *testing.T) {
	c := validConfig()
	c.HTTP.PublicURL = "https://hooks.example.io/"
	if got := c.EventURL(); got != "https://hooks.example.io/event" {
		t.Fatalf("unexpected event url %q", got)
	}
	c.Voice.EventURL = "https://other.example.io/cb"
	if got := c.EventURL(); got != "https://other.example.io/cb" {
		t.Fatalf("explicit event url should win, got %q", got)
	}
}

func TestLoadReadsFileAndLegacyEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("http:\n  port: 8443\nvoice:\n  provider: enablex\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ENABLEX_APP_ID", "app-id")
	t.Setenv("ENABLEX_APP_KEY", "app-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 8443 {
		t.Fatalf("expected port from file, got %d", cfg.HTTP.Port)
	}
	if cfg.Voice.AppID != "app-id" || cfg.Voice.AppKey != "app-key" {
		t.Fatalf("expected credentials from legacy env, got %q/%q", cfg.Voice.AppID, cfg.Voice.AppKey)
	}
	if cfg.Voice.BasePath != "/voice/v1/call" {
		t.Fatalf("expected default base path, got %q", cfg.Voice.BasePath)
	}
}
