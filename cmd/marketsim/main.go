package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/efreitasn/marketsim/internal/config"
	"github.com/efreitasn/marketsim/internal/engine"
	"github.com/efreitasn/marketsim/internal/feed"
	"github.com/efreitasn/marketsim/internal/handler"
	"github.com/efreitasn/marketsim/internal/server"
	"github.com/efreitasn/marketsim/internal/service"
	"github.com/efreitasn/marketsim/internal/store"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:ADMIN_PORT/healthz, exit 0/1.
	if *healthcheck {
		os.Exit(checkHealth())
	}
	os.Exit(serve())
}

func checkHealth() int {
	port := os.Getenv("ADMIN_PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// serve loads the configuration and runs until shutdown, returning the
// process exit code. Deferred cleanup such as closing the log file runs
// before main exits.
func serve() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		return 1
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			LocalTime:  true,
		}
		defer rotating.Close()
		out = rotating
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("server stopped")
	return 0
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// run serves the market and the admin API until a signal arrives or either
// server fails.
func run(cfg *config.Config, logger *slog.Logger) error {
	// Market.
	history := store.NewHistoryStore()
	market := engine.NewMarketManager(engine.Options{
		SaleDuration: cfg.SaleDuration,
		AutoRotate:   cfg.AutoRotate,
		History:      history,
		Logger:       logger,
	})
	marketSvc := service.NewMarketService(market, cfg.InitialStock, cfg.ResetStockOnRegister)

	// Observer feed for the admin API.
	hub := feed.NewHub(logger)

	// Connection server (installs itself as the sale notifier).
	tcpSrv := server.New(server.Config{
		Addr:             fmt.Sprintf(":%d", cfg.Port),
		MaxConnections:   cfg.MaxConnections,
		HandshakeTimeout: cfg.HandshakeTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		MessageRate:      cfg.MessageRate,
		MessageBurst:     cfg.MessageBurst,
		Observer:         hub,
	}, marketSvc, logger)
	if err := tcpSrv.Listen(); err != nil {
		return err
	}

	// Admin API.
	adminAddr := fmt.Sprintf(":%d", cfg.AdminPort)
	adminSrv := &http.Server{
		Addr:    adminAddr,
		Handler: handler.NewRouter(marketSvc, tcpSrv, hub, logger),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return tcpSrv.Serve()
	})
	g.Go(func() error {
		logger.Info("admin server starting", slog.String("addr", adminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Graceful shutdown: stop the admin API, then drain sessions.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown error", slog.String("error", err.Error()))
		}
		if err := tcpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	return g.Wait()
}
