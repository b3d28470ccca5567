package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WendelHime/p2pshare/internal/config"
	"github.com/WendelHime/p2pshare/internal/registry"
	"github.com/WendelHime/p2pshare/internal/trackerd"
)

func main() {
	var addr string
	var httpAddr string
	var configPath string
	flag.StringVar(&addr, "addr", "127.0.0.1:1108", "Address the tracker listens on for peers")
	flag.StringVar(&httpAddr, "http", "", "Address of the read-only status API, disabled when empty")
	flag.StringVar(&configPath, "config", "", "Path to a JSON config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	if httpAddr != "" {
		status := &http.Server{
			Addr:              httpAddr,
			Handler:           trackerd.NewStatusHandler(reg, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status api started", slog.String("addr", httpAddr))
			if err := status.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status api failed", slog.Any("error", err))
			}
		}()
		defer status.Close()
	}

	server := trackerd.NewServer(trackerd.NewDispatcher(reg, logger), cfg.MessageSize, logger)
	if err := server.ListenAndServe(ctx, addr); err != nil {
		logger.Error("tracker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("tracker stopped")
}
