// Command mcp-sessiond serves the greeter tools over the MCP streamable HTTP
// transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    serverName,
		Usage:   "MCP streamable HTTP session server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a TOML config file. Environment variables override its values.",
				Sources: cli.EnvVars("MCP_CONFIG_FILE"),
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output logs as JSON. Set to true if stderr is not a TTY.",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set the log level. One of: debug, info, warn, error.",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd.String("config"))
			if err != nil {
				return err
			}
			if cmd.IsSet("log-level") {
				cfg.LogLevel = cmd.String("log-level")
			}
			if cmd.Bool("json") {
				cfg.LogFormat = "json"
			}

			log, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(log)
			return run(ctx, cfg, log)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run serves until SIGINT or SIGTERM, then drains HTTP and terminates every
// session within the configured bounds.
func run(ctx context.Context, cfg Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(ctx, "http.listen",
			slog.String("addr", srv.Addr),
			slog.String("endpoint", cfg.PublicURL),
			slog.Bool("stateless", cfg.Stateless),
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.InfoContext(ctx, "shutdown.start")
		return a.shutdown(context.WithoutCancel(ctx), srv)
	})
	return g.Wait()
}

// shutdown drains HTTP and closes the registry concurrently. Long-lived GET
// streams only end once their session is terminated, so neither step can
// wait for the other.
func (a *app) shutdown(ctx context.Context, srv *http.Server) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()

	var httpErr, regErr error
	var g errgroup.Group
	g.Go(func() error {
		httpErr = srv.Shutdown(ctx)
		return nil
	})
	g.Go(func() error {
		regErr = a.reg.Close(ctx, a.cfg.SessionCloseTimeout)
		return nil
	})
	_ = g.Wait()

	var result *multierror.Error
	if httpErr != nil {
		result = multierror.Append(result, fmt.Errorf("http shutdown: %w", httpErr))
	}
	if regErr != nil {
		result = multierror.Append(result, fmt.Errorf("close sessions: %w", regErr))
	}
	if err := a.closeResources(); err != nil {
		result = multierror.Append(result, err)
	}

	a.log.InfoContext(ctx, "shutdown.done", slog.Duration("dur", time.Since(start)))
	return result.ErrorOrNil()
}
