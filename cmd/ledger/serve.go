package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/blossm-network/packages/pkg/api"
)

// runServe runs the HTTP API and the anchoring worker until SIGINT or
// SIGTERM.
func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	cmd.SetOutput(stderr)
	port := cmd.String("port", "", "Listen port (overrides PORT)")
	noWorker := cmd.Bool("no-worker", false, "Do not run the anchoring worker in this process")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, logger, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *port != "" {
		cfg.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	subs, err := buildSubsystems(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer subs.Close(context.Background())

	handler := subs.telemetry.HTTPMiddleware(api.NewServer(subs.engine, logger).Handler())
	if cfg.RateLimitRPS > 0 {
		handler = api.NewRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware(handler)
	}
	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.InfoContext(gctx, "ledger listening", "addr", srv.Addr,
			"network", cfg.Network, "domain", cfg.Domain, "service", cfg.Service,
			"public", cfg.Public, "publisher_key", subs.signer.PublicKey())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if !*noWorker {
		g.Go(func() error { return subs.worker().Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "ledger stopped")
	return 0
}
