package main

import (
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/omni-media/omnistream/internal/config"
	"github.com/omni-media/omnistream/internal/control"
	"github.com/omni-media/omnistream/internal/engine"
	"github.com/omni-media/omnistream/internal/fetch"
)

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToUpper(level) {
	case "DEBUG":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "WARN", "WARNING":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "ERROR":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return cfg.Build()
}

func main() {
	fs := pflag.NewFlagSet("omnistream", pflag.ExitOnError)
	config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.NumThreads > 0 {
		runtime.GOMAXPROCS(cfg.NumThreads)
	}

	logger.Info("omnistream starting",
		zap.String("control", cfg.ControlAddr),
		zap.String("publish", cfg.PublishAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.Int("maxConnections", cfg.MaxConnections),
		zap.Int("defaultBufferSize", cfg.DefaultBufferSize),
	)

	driver := fetch.NewDriver(cfg.MaxConnections, logger)
	registry := engine.NewRegistry(driver, engine.Options{
		DefaultBufferSize: cfg.DefaultBufferSize,
	}, logger)

	server := control.NewServer(registry, logger)
	if err := server.Start(cfg.ControlAddr, cfg.PublishAddr); err != nil {
		logger.Fatal("control plane failed to start", zap.Error(err))
	}

	metricsSrv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      promhttp.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	server.Close()
	registry.Shutdown()
	driver.Stop()
	metricsSrv.Close()
}
