package logic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/WendelHime/p2pshare/internal/config"
	"github.com/WendelHime/p2pshare/internal/decoder"
	"github.com/WendelHime/p2pshare/internal/p2p"
	"github.com/WendelHime/p2pshare/internal/shared/models"
	"github.com/WendelHime/p2pshare/internal/tracker"
	"github.com/google/uuid"
)

var ErrAgentStarted = errors.New("agent already started")

type AgentOptions struct {
	// Name tags the agent's log lines. A random one is generated when empty.
	Name string
	// PeerIP is the address advertised to the tracker.
	PeerIP string
	// Port the file server listens on; 0 picks a free port.
	Port        int
	TrackerAddr string
}

// Agent is a peer: it serves its own files to other peers and keeps a control
// connection to the tracker for discovery and allocation.
type Agent struct {
	cfg   config.Config
	opts  AgentOptions
	files []models.SharedFile
	log   *slog.Logger

	mu      sync.Mutex
	self    models.Addr
	tracker tracker.Tracker
	cancel  context.CancelFunc
	done    chan error
}

func NewAgent(cfg config.Config, files []models.SharedFile, opts AgentOptions, logger *slog.Logger) *Agent {
	if opts.Name == "" {
		opts.Name = "peer-" + uuid.NewString()[:8]
	}
	if opts.PeerIP == "" {
		opts.PeerIP = "127.0.0.1"
	}
	return &Agent{
		cfg:   cfg,
		opts:  opts,
		files: files,
		log:   logger.With(slog.String("peer", opts.Name)),
	}
}

// Start brings up the file server, then connects to the tracker and registers
// the shared files. The file server runs until Close or until ctx is done.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return ErrAgentStarted
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(a.opts.Port)))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", a.opts.Port, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	self := models.Addr{IP: a.opts.PeerIP, Port: port}

	t, err := tracker.Dial(ctx, a.opts.TrackerAddr, self, a.cfg.DialTimeout, a.log)
	if err != nil {
		ln.Close()
		return err
	}
	if err := t.Register(ctx, a.files); err != nil {
		ln.Close()
		t.Close()
		return err
	}
	a.log.Info("peer started", slog.String("tracker", a.opts.TrackerAddr), slog.String("addr", self.String()), slog.Int("files", len(a.files)))

	server := p2p.NewServer(a.files, p2p.ServerOptions{
		StorageDir:  a.cfg.StorageDir,
		PieceSize:   a.cfg.PieceSize,
		BufferSize:  a.cfg.BufferSize,
		ReadTimeout: a.cfg.ReadTimeout,
	}, a.log)

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	done := make(chan error, 1)
	go func() {
		defer stop()
		done <- server.Serve(serveCtx, ln)
	}()

	a.self = self
	a.tracker = t
	a.cancel = cancel
	a.done = done
	return nil
}

func (a *Agent) Addr() models.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.self
}

func (a *Agent) Files() []models.SharedFile {
	return a.files
}

// Tracker returns the control connection, or nil before Start.
func (a *Agent) Tracker() tracker.Tracker {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tracker
}

func (a *Agent) GetIdlePeers(ctx context.Context, n int) ([]models.PeerInfo, error) {
	t := a.Tracker()
	if t == nil {
		return nil, net.ErrClosed
	}
	return t.GetIdlePeers(ctx, n)
}

func (a *Agent) GetFileIdlePeers(ctx context.Context, fileNames []string) ([]models.PeerInfo, error) {
	t := a.Tracker()
	if t == nil {
		return nil, net.ErrClosed
	}
	return t.GetFileIdlePeers(ctx, fileNames)
}

func (a *Agent) Downloader(opts ...DownloaderOption) Downloader {
	return NewDownloader(a.Tracker(), a.cfg, a.log, opts...)
}

// Close drops the tracker connection, which unregisters the peer, and stops
// the file server once the transfers in flight are done.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done == nil {
		return nil
	}

	err := a.tracker.Close()
	a.cancel()
	err = errors.Join(err, <-a.done)
	a.done = nil
	a.tracker = nil
	a.log.Info("peer stopped")
	return err
}

// LoadSharedFiles stats every name under storageDir. A missing file is an
// error: the peer would advertise something it cannot serve.
func LoadSharedFiles(storageDir string, names []string) ([]models.SharedFile, error) {
	files := make([]models.SharedFile, 0, len(names))
	for _, name := range names {
		if err := models.CheckFileName(name); err != nil {
			return nil, fmt.Errorf("%q: %w", name, err)
		}
		info, err := os.Stat(filepath.Join(storageDir, name))
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", name)
		}
		files = append(files, models.SharedFile{Name: name, Size: info.Size()})
	}
	return files, nil
}

// LoadManifest reads the shared file list from a bencoded manifest.
func LoadManifest(path string) ([]models.SharedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	manifest, err := decoder.NewDecoder().Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return manifest.SharedFiles(), nil
}

// WriteManifest stores files as a bencoded manifest at path.
func WriteManifest(path string, files []models.SharedFile, pieceSize int) error {
	manifest := models.Manifest{PieceLength: pieceSize}
	for _, f := range files {
		manifest.Files = append(manifest.Files, models.ManifestEntry{Name: f.Name, Length: f.Size})
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := decoder.EncodeManifest(f, manifest); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
