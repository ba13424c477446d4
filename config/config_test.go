package config

import (
	"testing"
	"time"
)

// ── ParseGatewaySpec ─────────────────────────────────────────────────

func TestParseGatewaySpec(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantUser string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"full", "admin@bastion.example.com:2222", "admin", "bastion.example.com", 2222, false},
		{"no port", "root@gateway", "root", "gateway", 22, false},
		{"no user", "jump-host:2200", "", "jump-host", 2200, false},
		{"host only", "gateway.local", "", "gateway.local", 22, false},
		{"bad port", "user@host:999999", "", "", 0, true},
		{"empty", "", "", "", 0, true},
		{"colon only", ":", "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, host, port, err := ParseGatewaySpec(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if user != tt.wantUser || host != tt.wantHost || port != tt.wantPort {
				t.Errorf("got (%q, %q, %d), want (%q, %q, %d)",
					user, host, port, tt.wantUser, tt.wantHost, tt.wantPort)
			}
		})
	}
}

func TestResolveGateways(t *testing.T) {
	cfg := New()
	cfg.TunnelSpec = "ops@bastion:2200"
	cfg.PublishSpec = "gw.example.com"

	if err := cfg.ResolveGateways(); err != nil {
		t.Fatal(err)
	}
	if !cfg.TunnelEnabled || cfg.TunnelUser != "ops" || cfg.TunnelHost != "bastion" || cfg.TunnelPort != 2200 {
		t.Errorf("tunnel fields = %+v", cfg)
	}
	if !cfg.PublishEnabled || cfg.PublishHost != "gw.example.com" || cfg.PublishPort != 22 {
		t.Errorf("publish fields = %+v", cfg)
	}

	bad := New()
	bad.PublishSpec = "u@h:0"
	if err := bad.ResolveGateways(); err == nil {
		t.Error("expected error for port 0")
	}
}

// ── Config.Validate ──────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	base := func(mut func(c *Config)) Config {
		c := New()
		mut(c)
		return *c
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", base(func(c *Config) {}), false},
		{"port zero", base(func(c *Config) { c.Port = 0 }), true},
		{"port too high", base(func(c *Config) { c.Port = 70000 }), true},
		{"frame too small", base(func(c *Config) { c.MaxFrameSize = 1024 }), true},
		{"frame too large", base(func(c *Config) { c.MaxFrameSize = 64 << 20 }), true},
		{"negative idle", base(func(c *Config) { c.IdleTimeout = -time.Second }), true},
		{"negative write", base(func(c *Config) { c.WriteTimeout = -time.Second }), true},
		{"write disabled", base(func(c *Config) { c.WriteTimeout = 0 }), false},
		{"ping under idle", base(func(c *Config) { c.IdleTimeout = time.Minute; c.PingInterval = 20 * time.Second }), false},
		{"ping over idle", base(func(c *Config) { c.IdleTimeout = time.Minute; c.PingInterval = 2 * time.Minute }), true},
		{"tunnel no host", base(func(c *Config) { c.TunnelEnabled = true }), true},
		{"valid publish", base(func(c *Config) { c.PublishEnabled = true; c.PublishHost = "gw"; c.RemotePort = 9000 }), false},
		{"publish no remote port", base(func(c *Config) { c.PublishEnabled = true; c.PublishHost = "gw" }), true},
		{"publish remote port range", base(func(c *Config) { c.PublishEnabled = true; c.PublishHost = "gw"; c.RemotePort = 70000 }), true},
		{"remote port without publish", base(func(c *Config) { c.RemotePort = 9000 }), true},
		{"password without gateway", base(func(c *Config) { c.SSHPassword = true }), true},
		{"password with tunnel", base(func(c *Config) { c.SSHPassword = true; c.TunnelEnabled = true; c.TunnelHost = "b" }), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestListenAddr(t *testing.T) {
	cfg := New()
	if got := cfg.ListenAddr(); got != ":7400" {
		t.Errorf("ListenAddr() = %q, want %q", got, ":7400")
	}
	cfg.Bind = "127.0.0.1"
	cfg.Port = 9000
	if got := cfg.ListenAddr(); got != "127.0.0.1:9000" {
		t.Errorf("ListenAddr() = %q", got)
	}
}
