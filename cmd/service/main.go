package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tunaaoguzhann/qr-login/core"
	"github.com/tunaaoguzhann/qr-login/internal/config"
	"github.com/tunaaoguzhann/qr-login/internal/logging"
)

func main() {
	cmd := &cli.Command{
		Name:  "qr-login",
		Usage: "scan-to-login token service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				Sources: cli.EnvVars("QRLOGIN_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API and the background cleanup loop",
				Action: runServe,
			},
			{
				Name:   "cleanup",
				Usage:  "delete tokens older than the retention window and exit",
				Action: runCleanup,
			},
		},
		DefaultCommand: "serve",
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	service *core.Service
	metrics *core.Metrics
	close   func()
}

func setup(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	backend, err := buildBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	metrics := core.NewMetrics()
	svc, err := core.NewService(core.ServiceConfig{
		Options:     cfg.ScanLoginOptions(),
		Store:       backend.store,
		RateLimiter: backend.limiter,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		backend.close()
		return nil, fmt.Errorf("init scan login: %w", err)
	}
	return &app{cfg: cfg, logger: logger, service: svc, metrics: metrics, close: backend.close}, nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.ScanLogin.SigningKey == "" {
		a.logger.Warn("scan urls are unsigned; set scan_login.signing_key in production")
	}
	if a.cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required to serve the mobile endpoints")
	}

	go runCleanupLoop(ctx, a.service, a.cfg.Cleanup.Interval, a.cfg.Cleanup.Retention, a.logger)

	srv := &http.Server{
		Addr:              a.cfg.Server.Address,
		Handler:           newRouter(a.service, a.metrics, a.logger, a.cfg.Auth, a.cfg.Server.TrustProxy),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening",
			slog.String("addr", srv.Addr),
			slog.String("storage", a.cfg.Storage.Backend),
			slog.Bool("enabled", a.cfg.ScanLogin.Enabled),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	a.logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func runCleanup(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	n, err := a.service.Cleanup(ctx, a.cfg.Cleanup.Retention)
	if err != nil {
		return err
	}
	a.logger.Info("cleanup finished", slog.Int64("deleted", n), slog.Duration("retention", a.cfg.Cleanup.Retention))
	return nil
}
