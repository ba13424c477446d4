// Package cmd wires up the CLI flags and dispatches to the serve core.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"connhub/config"
	"connhub/internal/core"
	"connhub/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X connhub/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the server.
func Execute(ctx context.Context, args []string) error {
	cfg := config.New()
	config.LoadFromEnv(cfg)
	fs := flag.NewFlagSet("connhub", flag.ContinueOnError)

	// ── listener ─────────────────────────────────────────────────
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Listen port")
	fs.StringVarP(&cfg.Bind, "bind", "b", cfg.Bind, "Bind address (all interfaces if empty)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Drop endpoints silent for this long (0 = never)")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Drop endpoints that block a send this long (0 = never)")
	fs.IntVar(&cfg.MaxFrameSize, "max-frame", cfg.MaxFrameSize, "Largest accepted frame in bytes")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve /metrics and /stats on host:port")

	// ── sessions ─────────────────────────────────────────────────
	fs.StringVar(&cfg.ServerName, "server-name", cfg.ServerName, "Name announced in Hello")
	fs.StringVar(&cfg.AuthToken, "token", cfg.AuthToken, "Shared login token (any token accepted if empty)")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Ping endpoints this often (0 = off)")
	fs.StringSliceVar(&cfg.AllowedTargets, "allow-target", cfg.AllowedTargets, "Tunnel target endpoints may open, host:port or host:* (repeatable)")

	// ── SSH gateways ─────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "Dial tunnel targets via [user@]host[:port]")
	fs.StringVarP(&cfg.PublishSpec, "publish", "R", cfg.PublishSpec, "Publish the listener on [user@]host[:port]")
	fs.IntVar(&cfg.RemotePort, "remote-port", cfg.RemotePort, "Port the -R gateway exposes")
	fs.StringVar(&cfg.RemoteBindAddress, "remote-bind", cfg.RemoteBindAddress, "Address the -R gateway binds")
	fs.IntVar(&cfg.KeepAliveInterval, "keep-alive", cfg.KeepAliveInterval, "SSH keepalive for -R in seconds")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate and print the configuration, then exit")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(os.Stderr, fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp {
		printUsage(os.Stderr, fs)
		return nil
	}
	if showVersion {
		fmt.Printf("connhub %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument %q (use --help for usage)", fs.Arg(0))
	}

	// ── gateways + validate ──────────────────────────────────────
	if err := cfg.ResolveGateways(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.DryRun {
		printConfig(os.Stdout, cfg)
		return nil
	}

	// ── run ──────────────────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	mode, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	return mode.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

func printConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "listen      %s\n", cfg.ListenAddr())
	fmt.Fprintf(w, "server      %s\n", cfg.ServerName)
	fmt.Fprintf(w, "max-frame   %d\n", cfg.MaxFrameSize)
	fmt.Fprintf(w, "idle        %v\n", cfg.IdleTimeout)
	fmt.Fprintf(w, "write       %v\n", cfg.WriteTimeout)
	fmt.Fprintf(w, "ping        %v\n", cfg.PingInterval)
	fmt.Fprintf(w, "login       %s\n", onOff(cfg.AuthToken != "", "token", "open"))
	if len(cfg.AllowedTargets) > 0 {
		fmt.Fprintf(w, "targets     %s\n", strings.Join(cfg.AllowedTargets, ", "))
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(w, "metrics     http://%s/metrics\n", cfg.MetricsAddr)
	}
	if cfg.TunnelEnabled {
		fmt.Fprintf(w, "tunnel via  %s@%s:%d\n", cfg.TunnelUser, cfg.TunnelHost, cfg.TunnelPort)
	}
	if cfg.PublishEnabled {
		fmt.Fprintf(w, "publish on  %s@%s:%d -> remote port %d\n",
			cfg.PublishUser, cfg.PublishHost, cfg.PublishPort, cfg.RemotePort)
	}
}

func onOff(b bool, on, off string) string {
	if b {
		return on
	}
	return off
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `connhub – endpoint hub v%s

Accepts framed-message endpoints over TCP, tracks who logged in, and
relays tunnel streams to allowed targets.

Usage:
  connhub [options]

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  connhub -p 7400                                  Listen on 7400
  connhub --token s3cret --ping-interval 15s       Require login, ping idle endpoints
  connhub --allow-target 'db.internal:5432' \
          -T admin@bastion                         Tunnel to db via a bastion
  connhub -R admin@edge --remote-port 7400         Publish through an SSH gateway
  connhub --metrics-addr 127.0.0.1:9100 --dry-run  Check the configuration
`)
}
