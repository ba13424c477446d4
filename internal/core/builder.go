package core

import (
	"time"

	"connhub/config"
	"connhub/internal/coordinator"
	"connhub/internal/handler"
	"connhub/internal/metrics"
	"connhub/internal/router"
	"connhub/internal/transport"
	"connhub/tunnel"
	"connhub/util"
)

// Build constructs the serve mode for cfg.  cfg is expected to have
// been resolved and validated.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	if logger == nil {
		logger = util.NewLogger(cfg.Verbose)
	}
	collector := metrics.New()

	r := router.New(logger.Named("router"), collector)
	coord := coordinator.New(coordinator.Options{
		Bind:         cfg.Bind,
		IdleTimeout:  cfg.IdleTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxFrameSize: cfg.MaxFrameSize,
		Router:       r,
		Collector:    collector,
		Logger:       logger,
	})

	h := handler.New(coord, handler.Options{
		ServerName:     cfg.ServerName,
		Token:          cfg.AuthToken,
		PingInterval:   cfg.PingInterval,
		AllowedTargets: cfg.AllowedTargets,
		Dialer:         buildDialer(cfg, logger, collector),
		Logger:         logger.Named("handler"),
		Collector:      collector,
	})
	h.Install(r)

	return &ServeMode{
		Port:        uint16(cfg.Port),
		MetricsAddr: cfg.MetricsAddr,
		GracePeriod: config.DefaultGracePeriod,
		Coordinator: coord,
		Handler:     h,
		Publisher:   buildPublisher(cfg, logger, collector),
		Collector:   collector,
		Logger:      logger,
	}, nil
}

// ── component builders ───────────────────────────────────────────────

func sshConfig(cfg *config.Config, user, host string, port int) *tunnel.SSHConfig {
	return &tunnel.SSHConfig{
		User:          user,
		Host:          host,
		Port:          port,
		KeyPath:       cfg.SSHKeyPath,
		PromptPass:    cfg.SSHPassword,
		UseAgent:      cfg.UseSSHAgent,
		StrictHostKey: cfg.StrictHostKey,
		KnownHosts:    cfg.KnownHostsPath,
	}
}

// buildDialer returns the dialer tunnel streams use: straight TCP, or
// through the -T bastion, behind retry and per-target breakers.
// Tunnels are opt-in: with neither -T nor --allow-target it returns nil
// and every TunnelOpen is refused.
func buildDialer(cfg *config.Config, logger *util.Logger, collector *metrics.Collector) transport.Dialer {
	if !cfg.TunnelEnabled && len(cfg.AllowedTargets) == 0 {
		return nil
	}
	var next transport.Dialer = &transport.TCPDialer{Timeout: config.DefaultDialTimeout}
	if cfg.TunnelEnabled {
		next = transport.NewSSHDialer(
			sshConfig(cfg, cfg.TunnelUser, cfg.TunnelHost, cfg.TunnelPort),
			logger.Named("bastion"))
	}
	return transport.NewGuardedDialer(next, transport.GuardOptions{
		Attempts:  config.DefaultDialAttempts,
		Collector: collector,
		Logger:    logger.Named("dial"),
	})
}

// buildPublisher returns the -R publisher, or nil when not requested.
func buildPublisher(cfg *config.Config, logger *util.Logger, collector *metrics.Collector) *tunnel.Publisher {
	if !cfg.PublishEnabled {
		return nil
	}
	return tunnel.NewPublisher(&tunnel.PublishConfig{
		SSH:               sshConfig(cfg, cfg.PublishUser, cfg.PublishHost, cfg.PublishPort),
		RemoteBindAddress: cfg.RemoteBindAddress,
		RemotePort:        cfg.RemotePort,
		LocalAddress:      publishTarget(cfg.Bind),
		LocalPort:         cfg.Port,
		KeepAliveInterval: time.Duration(cfg.KeepAliveInterval) * time.Second,
	}, logger.Named("publish"), collector)
}

// publishTarget is the local address forwarded connections are sent
// to: the bind host, or loopback when binding every interface.
func publishTarget(bind string) string {
	switch bind {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return bind
}
