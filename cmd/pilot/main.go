package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/forgeworks/pilot/pkg/config"
	"github.com/forgeworks/pilot/pkg/logger"
	"github.com/forgeworks/pilot/pkg/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type ServeCmd struct {
	Port    int    `help:"Override the server port." env:"SERVER_PORT"`
	LogFile string `help:"Write logs to a file instead of stderr." type:"path"`
}

type VersionCmd struct{}

var cli struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple" enum:"simple,verbose"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the assistant runtime server."`
	Version VersionCmd `cmd:"" help:"Print version information."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("pilot"),
		kong.Description("Tool-using coding-assistant runtime."),
		kong.UsageOnError(),
	)

	switch ctx.Command() {
	case "version":
		fmt.Printf("pilot %s (commit %s, built %s)\n", version, commit, date)
	default:
		if err := runServe(&cli.Serve); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func runServe(cmd *ServeCmd) error {
	level, _ := logger.ParseLevel(cli.LogLevel)

	output := os.Stderr
	if cmd.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cmd.LogFile)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	if err := config.LoadEnvFiles(); err != nil {
		return err
	}

	cfg := config.FromEnv()
	if cmd.Port > 0 {
		cfg.Server.Port = cmd.Port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
