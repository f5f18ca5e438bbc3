package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rcarmo/rdp-netdiag/internal/config"
	"github.com/rcarmo/rdp-netdiag/internal/diagnostics"
	"github.com/rcarmo/rdp-netdiag/internal/handler"
	"github.com/rcarmo/rdp-netdiag/internal/negotiation"
)

const shutdownTimeout = 10 * time.Second

type ServeCmd struct {
	Host string `help:"Listen host; overrides SERVER_HOST."`
	Port string `help:"Listen port; overrides SERVER_PORT."`
}

func (c *ServeCmd) Run(ctx context.Context, a *app) error {
	if c.Host != "" {
		a.cfg.Server.Host = c.Host
	}
	if c.Port != "" {
		a.cfg.Server.Port = c.Port
		if err := a.cfg.Validate(); err != nil {
			return err
		}
	}

	prober := newProber(a.cfg, a.log)
	defer prober.Close()

	h := handler.New(handler.Options{
		Diagnostics:    diagnostics.New(prober, newDiagnoser(a.cfg, a.log), diagnosticsOptions(a.cfg, a.log)),
		Protocol:       newDiagnoser(a.cfg, a.log),
		Negotiator:     negotiation.New(negotiation.Options{Logger: a.log.Named("negotiation")}),
		Settings:       negotiationSettings(a.cfg),
		AllowedOrigins: a.cfg.Security.AllowedOrigins,
		Logger:         a.log.Named("handler"),
	})

	server := createServer(a.cfg, h, a.log)
	a.log.Info("starting server",
		zap.String("addr", server.Addr),
		zap.Bool("tls", a.cfg.Security.EnableTLS))
	return runServer(ctx, server, a.cfg)
}

func createServer(cfg *config.Config, h *handler.Handler, log *zap.Logger) *http.Server {
	return &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:     handler.Secure(h.Routes(), cfg.Security.AllowedOrigins, log.Named("http")),
		ReadTimeout: cfg.Server.ReadTimeout,
		// Websocket diagnoses stream for longer than a request write.
		WriteTimeout: 0,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

// runServer serves until ctx ends, then shuts down gracefully.
func runServer(ctx context.Context, server *http.Server, cfg *config.Config) error {
	if server == nil {
		return fmt.Errorf("server is nil")
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.Security.EnableTLS {
			err = server.ListenAndServeTLS(cfg.Security.TLSCertFile, cfg.Security.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
