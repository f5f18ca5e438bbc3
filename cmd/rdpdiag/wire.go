package main

import (
	"go.uber.org/zap"

	"github.com/rcarmo/rdp-netdiag/internal/config"
	"github.com/rcarmo/rdp-netdiag/internal/diagnostics"
	"github.com/rcarmo/rdp-netdiag/internal/negotiation"
	"github.com/rcarmo/rdp-netdiag/internal/probe"
	"github.com/rcarmo/rdp-netdiag/internal/protocoldiag"
)

func capabilities(cfg *config.Config) diagnostics.Capabilities {
	return diagnostics.Capabilities{
		Network: true,
		ICMP:    cfg.Diagnostics.EnableICMP,
		Exec:    cfg.Diagnostics.EnableExec,
	}
}

func proberOptions(cfg *config.Config, log *zap.Logger) probe.Options {
	opts := probe.Options{
		Logger:        log.Named("probe"),
		Resolvers:     cfg.Diagnostics.Resolvers,
		GeoIPDatabase: cfg.Diagnostics.GeoIPDatabase,
		GeoAPIURL:     cfg.Diagnostics.GeoAPIURL,
		PublicIPURLs:  cfg.Diagnostics.PublicIPURLs,
	}
	return capabilities(cfg).Apply(opts)
}

func newProber(cfg *config.Config, log *zap.Logger) *probe.Prober {
	return probe.New(proberOptions(cfg, log))
}

func newDiagnoser(cfg *config.Config, log *zap.Logger) *protocoldiag.Diagnoser {
	return protocoldiag.New(protocoldiag.Options{
		StepTimeout: cfg.Diagnostics.StepTimeout,
		Logger:      log,
	})
}

func diagnosticsOptions(cfg *config.Config, log *zap.Logger) diagnostics.Options {
	opts := diagnostics.DefaultOptions()
	opts.Capabilities = capabilities(cfg)
	opts.InternetHost = cfg.Diagnostics.InternetHost
	opts.GatewayIP = cfg.Diagnostics.GatewayIP
	opts.PingSamples = cfg.Diagnostics.PingSamples
	opts.PingInterval = cfg.Diagnostics.PingInterval
	opts.TracerouteMaxHops = cfg.Diagnostics.TracerouteMaxHops
	opts.Logger = log.Named("diagnostics")
	return opts
}

func negotiationSettings(cfg *config.Config) negotiation.Settings {
	n := cfg.Negotiation
	s := negotiation.DefaultSettings()
	s.Strategy = negotiation.Strategy(n.Strategy)
	s.AutoDetect = n.AutoDetect
	s.Mode = negotiation.SecurityMode(n.Mode)
	s.EnableCredSSP = n.EnableCredSSP && cfg.Security.UseNLA
	s.MaxRetries = n.MaxRetries
	s.RetryDelay = n.RetryDelay
	s.PerModeRetries = n.PerModeRetries
	s.AttemptTimeout = n.AttemptTimeout
	s.CredSSPVersion = n.CredSSPVersion
	if v := cfg.Security.MinTLSVersion; v != "" {
		s.TLSMinVersion = v
	}
	return s
}
