package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/WendelHime/p2pshare/internal/config"
	"github.com/WendelHime/p2pshare/internal/logic"
	"github.com/WendelHime/p2pshare/internal/shared/models"
)

func main() {
	var port int
	var files string
	var manifestPath string
	var writeManifest bool
	var peerName string
	var requestFiles string
	var trackerIP string
	var trackerPort int
	var peerIP string
	var configPath string
	flag.IntVar(&port, "port", 1109, "Port the file server listens on")
	flag.StringVar(&files, "files", "fileA1.txt,fileA2.txt,fileA3.txt", "Comma separated files to share from the storage dir")
	flag.StringVar(&manifestPath, "manifest", "", "Read the shared files from a bencoded manifest instead of -files")
	flag.BoolVar(&writeManifest, "write_manifest", false, "Store the shared files in the configured meta file")
	flag.StringVar(&peerName, "peer_name", "PEER", "Name shown in the logs")
	flag.StringVar(&requestFiles, "request_files", "", "Comma separated files to download after registering")
	flag.StringVar(&trackerIP, "tracker_ip", "127.0.0.1", "Tracker IP")
	flag.IntVar(&trackerPort, "tracker_port", 1108, "Tracker port")
	flag.StringVar(&peerIP, "peer_ip", "127.0.0.1", "IP advertised to other peers")
	flag.StringVar(&configPath, "config", "", "Path to a JSON config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	var shared []models.SharedFile
	if manifestPath != "" {
		shared, err = logic.LoadManifest(manifestPath)
	} else {
		shared, err = logic.LoadSharedFiles(cfg.StorageDir, splitList(files))
	}
	if err != nil {
		logger.Error("failed to load shared files", slog.Any("error", err))
		os.Exit(1)
	}
	if writeManifest {
		if err := logic.WriteManifest(cfg.MetaFilePath, shared, cfg.PieceSize); err != nil {
			logger.Error("failed to write manifest", slog.Any("error", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := logic.NewAgent(cfg, shared, logic.AgentOptions{
		Name:        peerName,
		PeerIP:      peerIP,
		Port:        port,
		TrackerAddr: net.JoinHostPort(trackerIP, strconv.Itoa(trackerPort)),
	}, logger)
	if err := agent.Start(ctx); err != nil {
		logger.Error("failed to start peer", slog.Any("error", err))
		os.Exit(1)
	}
	defer agent.Close()

	if names := splitList(requestFiles); len(names) > 0 {
		downloader := agent.Downloader(logic.WithProgressOutput(os.Stdout))
		if _, err := downloader.DownloadAll(ctx, names); err != nil {
			logger.Error("failed to download files", slog.Any("error", err))
		}
	}

	<-ctx.Done()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
