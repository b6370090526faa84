package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"castkeeper/internal/api"
	"castkeeper/internal/catalog"
	"castkeeper/internal/config"
	"castkeeper/internal/core"
	"castkeeper/internal/discovery"
	"castkeeper/internal/mediaserver"
	"castkeeper/internal/middleware"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

type App struct {
	logger   *slog.Logger
	cfg      *config.Config
	cat      *catalog.Catalog
	media    *mediaserver.Server
	ctrl     *core.Controller
	searcher *discovery.Searcher
	api      *api.Handler
}

func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg.Media.Host == "" {
		host, err := getLocalIP()
		if err != nil {
			return nil, fmt.Errorf("failed to determine local IP: %w", err)
		}
		cfg.Media.Host = host
		logger.Info("autodetected media host", "host", host)
	}

	cat, err := catalog.Open(cfg.Catalog.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	media := mediaserver.New(mediaserver.Options{
		Host:         cfg.Media.Host,
		Mode:         cfg.Media.Mode,
		BufferSize:   cfg.Media.BufferSize,
		MaxIO:        cfg.Media.MaxIO,
		DrainTimeout: cfg.Media.DrainTimeout,
	}, logger)

	ctrl := core.New(core.Options{
		MissThreshold:    cfg.Discovery.MissThreshold,
		SOAPTimeout:      cfg.SOAPTimeout,
		SupervisorTick:   cfg.Supervisor.Tick,
		StallTicks:       cfg.Supervisor.StallTicks,
		PreRestartMargin: cfg.Supervisor.PreRestartMargin,
		RetryBase:        cfg.Retry.Base,
		RetryCap:         cfg.Retry.Cap,
		RetryMaxAttempts: cfg.Retry.MaxAttempts,
	}, core.Deps{
		Media:   media,
		Library: cat,
		Sink:    core.FanoutSink{core.LogSink{Logger: logger}, core.MetricsSink{}},
		Profiles: func(server string) (string, string, bool) {
			p, ok := cfg.ProfileFor(server)
			return p.Profile, p.Flags, ok
		},
		Logger: logger,
	})

	searcher := discovery.NewSearcher(
		cfg.Discovery.SearchInterval,
		cfg.Discovery.DescriptionTimeout,
		logger,
	)

	return &App{
		logger:   logger,
		cfg:      cfg,
		cat:      cat,
		media:    media,
		ctrl:     ctrl,
		searcher: searcher,
		api:      api.NewHandler(ctrl, media, cat, logger),
	}, nil
}

func main() {
	stderr := os.Stderr

	cfg := config.DefaultConfig()
	if err := config.ParseArgs(cfg, os.Args[1:], stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Logger.Level})
	logger := slog.New(logHandler).With("app", "castkeeper")

	app, err := NewApp(cfg, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	if err := app.Run(context.Background()); err != nil {
		logger.Error("failed to run", "error", err)
		os.Exit(1)
	}
}

func (a *App) Run(rootCtx context.Context) error {
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, dir := range a.cfg.Catalog.ScanDirs {
		added, err := a.cat.ScanDir(ctx, dir)
		if err != nil {
			return fmt.Errorf("scan %s: %w", dir, err)
		}
		a.logger.Info("library scanned", "dir", dir, "added", added)
	}

	if err := a.media.Listen(a.cfg.Media.PortLow, a.cfg.Media.PortHigh); err != nil {
		return err
	}

	a.ctrl.Start(ctx)
	stored, err := a.cat.StartupAssignments()
	if err != nil {
		a.logger.Warn("load stored assignments", "error", err)
	} else {
		a.ctrl.RestoreAssignments(stored)
	}

	if err := a.searcher.Start(ctx); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}

	limiter := middleware.NewIPRateLimiter(ctx, a.cfg.Admin.RateLimit, a.cfg.Admin.RateBurst)

	mux := http.NewServeMux()
	// no middlewares for metrics!
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/api/", middleware.Chain(a.api.Routes(),
		limiter.Middleware,
		middleware.WithObservability(),
		middleware.WithLogging(a.logger),
	))

	admin := &http.Server{
		Handler:     mux,
		Addr:        a.cfg.Admin.Addr,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	a.logger.Info("starting",
		"admin", a.cfg.Admin.Addr,
		"media_port", a.media.Port(),
		"host", a.cfg.Media.Host,
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(a.media.Serve)

	g.Go(func() error {
		err := a.ctrl.Run(gCtx, a.searcher.Events())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server closed unexpectedly: %w", err)
		}
		return nil
	})

	// teardown in dependency order: stop discovering, stop driving
	// renderers, drain the media streams, then the admin surface and
	// the catalog
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down gracefully...")

		a.searcher.Stop()
		a.ctrl.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Media.DrainTimeout+5*time.Second)
		defer cancel()

		if err := a.media.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("media shutdown", "error", err)
		}
		if err := admin.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("admin shutdown", "error", err)
		}
		if err := a.cat.Close(); err != nil {
			a.logger.Warn("catalog close", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("server stopped")
	return nil
}

func getLocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("get local IP: %w", err)
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
