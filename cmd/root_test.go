package cmd

import (
	"context"
	"errors"
	"strings"
	"testing"

	cherr "connhub/internal/errors"
)

// TestExecute_Version verifies --version prints a version string.
func TestExecute_Version(t *testing.T) {
	if err := Execute(context.Background(), []string{"--version"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestExecute_Help verifies --help returns without error.
func TestExecute_Help(t *testing.T) {
	for _, args := range [][]string{{"--help"}, {"-h"}} {
		t.Run(args[0], func(t *testing.T) {
			if err := Execute(context.Background(), args); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestExecute_DryRun verifies --dry-run validates and exits cleanly.
func TestExecute_DryRun(t *testing.T) {
	tests := [][]string{
		{"-p", "8080", "--dry-run"},
		{"--write-timeout", "2s", "--dry-run"},
		{"--token", "x", "--ping-interval", "10s", "--idle-timeout", "1m", "--dry-run"},
		{"--allow-target", "db:5432", "--allow-target", "cache:*", "--dry-run"},
		{"-R", "admin@edge:2222", "--remote-port", "7400", "--dry-run"},
		{"-T", "admin@bastion", "--metrics-addr", "127.0.0.1:9100", "--dry-run"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			if err := Execute(context.Background(), args); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestExecute_DryRunInvalid verifies --dry-run still catches bad configs.
func TestExecute_DryRunInvalid(t *testing.T) {
	tests := []struct {
		args  []string
		field string
	}{
		{[]string{"-p", "70000", "--dry-run"}, "port"},
		{[]string{"--max-frame", "10", "--dry-run"}, "max-frame"},
		{[]string{"--write-timeout", "-1s", "--dry-run"}, "write-timeout"},
		{[]string{"-R", "edge", "--dry-run"}, "remote-port"},
		{[]string{"--remote-port", "9000", "--dry-run"}, "remote-port"},
		{[]string{"--idle-timeout", "5s", "--ping-interval", "10s", "--dry-run"}, "ping-interval"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			err := Execute(context.Background(), tt.args)
			var ce *cherr.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
		})
	}
}

// TestExecute_InvalidFlags verifies unknown flags produce an error.
func TestExecute_InvalidFlags(t *testing.T) {
	if err := Execute(context.Background(), []string{"--nonexistent-flag"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

// TestExecute_StrayArgument verifies positional arguments are rejected.
func TestExecute_StrayArgument(t *testing.T) {
	err := Execute(context.Background(), []string{"localhost", "--dry-run"})
	if err == nil || !strings.Contains(err.Error(), "unexpected argument") {
		t.Fatalf("expected unexpected argument error, got %v", err)
	}
}

// TestExecute_BadGateway verifies a malformed -T spec is reported.
func TestExecute_BadGateway(t *testing.T) {
	err := Execute(context.Background(), []string{"-T", "host:notaport", "--dry-run"})
	if err == nil || !strings.Contains(err.Error(), "tunnel") {
		t.Fatalf("expected tunnel spec error, got %v", err)
	}
}
