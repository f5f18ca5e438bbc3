package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/rcarmo/rdp-netdiag/internal/config"
	"github.com/rcarmo/rdp-netdiag/internal/logging"
)

const appName = "rdpdiag"

var Version = "dev"

// errChecksFailed makes the process exit 2 after printing a result whose
// checks did not all pass.
var errChecksFailed = errors.New("one or more checks failed")

type CLI struct {
	Config    string `help:"Configuration file (yaml, json or toml)." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFormat string `help:"Log format (text, json)."`
	Output    string `short:"o" enum:"pretty,json" default:"pretty" help:"Output format."`

	Serve     ServeCmd     `cmd:"" help:"Serve the HTTP and websocket API."`
	Diagnose  DiagnoseCmd  `cmd:"" help:"Run the full network diagnosis against a host."`
	Protocol  ProtocolCmd  `cmd:"" help:"Run the protocol deep diagnostic (ssh, http, https, rdp)."`
	Negotiate NegotiateCmd `cmd:"" help:"Negotiate the RDP security layer, falling back across modes."`
	Classify  ClassifyCmd  `cmd:"" help:"Classify a connection error message."`
	Version   VersionCmd   `cmd:"" help:"Print version."`
}

// app is the state shared by every command.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	output string
	out    io.Writer
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name(appName),
		kong.Description("Diagnose remote desktop and network connectivity problems."),
		kong.UsageOnError(),
	)

	a, err := newApp(cli, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = a.log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(a)
	stop()
	switch {
	case err == nil:
	case errors.Is(err, errChecksFailed):
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(cli CLI, out io.Writer) (*app, error) {
	cfg, err := config.LoadWithOverrides(config.LoadOptions{
		ConfigFile: cli.Config,
		LogLevel:   cli.LogLevel,
		LogFormat:  cli.LogFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.Configure(cfg.Logging.Format, cfg.Logging.Level)
	return &app{cfg: cfg, log: logger.Zap(), output: cli.Output, out: out}, nil
}

type VersionCmd struct{}

func (VersionCmd) Run(_ context.Context, a *app) error {
	_, err := fmt.Fprintf(a.out, "%s %s\n", appName, Version)
	return err
}
