package config

import (
	"strings"
	"testing"

	cherr "connhub/internal/errors"
)

// TestValidate_ErrorMessages verifies that Validate returns actionable
// error messages with hints.
func TestValidate_ErrorMessages(t *testing.T) {
	tests := []struct {
		name    string
		mut     func(c *Config)
		wantSub string
	}{
		{
			name:    "bad port has hint",
			mut:     func(c *Config) { c.Port = 0 },
			wantSub: "hint:",
		},
		{
			name:    "publish without remote port has hint",
			mut:     func(c *Config) { c.PublishEnabled = true; c.PublishHost = "gw" },
			wantSub: "hint:",
		},
		{
			name:    "remote port without publish",
			mut:     func(c *Config) { c.RemotePort = 9000 },
			wantSub: "only valid with -R",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mut(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantSub)
			}
			var ce *cherr.ConfigError
			if !cherr.As(err, &ce) {
				t.Errorf("error should be a *ConfigError, got %T", err)
			}
		})
	}
}

// TestParseGatewaySpec_EdgeCases covers additional gateway specs.
func TestParseGatewaySpec_EdgeCases(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"user@host.with.dots:22", false},
		{"user@host-with-dashes", false},
		{"host:0", true},
		{"host:65536", true},
		{"user@", false}, // regex treats "user@" as hostname
		{"", true},
		{":22", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, _, _, err := ParseGatewaySpec(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseGatewaySpec(%q) err = %v, wantErr = %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
