package logic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/WendelHime/p2pshare/internal/config"
	"github.com/WendelHime/p2pshare/internal/p2p"
	"github.com/WendelHime/p2pshare/internal/shared/models"
	"github.com/WendelHime/p2pshare/internal/tracker"
	"github.com/schollz/progressbar/v3"
)

type Downloader interface {
	// Download asks the tracker for an idle holder of fileName and fetches it.
	Download(ctx context.Context, fileName string) (string, error)
	// DownloadAll fetches every file in fileNames that has an idle holder.
	DownloadAll(ctx context.Context, fileNames []string) ([]string, error)
	// DownloadFrom fetches fileName from target, which the tracker must allocate.
	DownloadFrom(ctx context.Context, target models.Addr, fileName string, size int64) (string, error)
}

var ErrNoPeers = errors.New("no idle peer holds the file")

const completeTimeout = 5 * time.Second

type downloader struct {
	tracker   tracker.Tracker
	newClient func() p2p.P2PClient
	outputDir string
	progress  io.Writer
	log       *slog.Logger
}

type DownloaderOption func(*downloader)

// WithProgressOutput renders a progress bar per file on w.
func WithProgressOutput(w io.Writer) DownloaderOption {
	return func(d *downloader) { d.progress = w }
}

func NewDownloader(t tracker.Tracker, cfg config.Config, logger *slog.Logger, opts ...DownloaderOption) Downloader {
	d := &downloader{
		tracker: t,
		newClient: func() p2p.P2PClient {
			return p2p.NewClient(cfg.PieceSize, cfg.DialTimeout, cfg.ReadTimeout)
		},
		outputDir: cfg.DownloadDir,
		progress:  io.Discard,
		log:       logger.With(slog.String("component", "downloader")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *downloader) Download(ctx context.Context, fileName string) (string, error) {
	paths, err := d.DownloadAll(ctx, []string{fileName})
	if err != nil {
		return "", err
	}
	return paths[0], nil
}

func (d *downloader) DownloadAll(ctx context.Context, fileNames []string) ([]string, error) {
	d.log.Info("retrieving peers", slog.Any("files", fileNames))
	peers, err := d.tracker.GetFileIdlePeers(ctx, fileNames)
	if err != nil {
		return nil, err
	}

	holders := make(map[string]models.PeerInfo, len(peers))
	for _, p := range peers {
		if _, ok := holders[p.FileName]; !ok {
			holders[p.FileName] = p
		}
	}

	var errs []error
	paths := make([]string, 0, len(fileNames))
	for _, name := range fileNames {
		peer, ok := holders[name]
		if !ok {
			d.log.Warn("no idle peer holds the file", slog.String("file", name))
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrNoPeers))
			continue
		}

		path, err := d.DownloadFrom(ctx, peer.Addr(), name, peer.FileSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		paths = append(paths, path)
	}
	return paths, errors.Join(errs...)
}

func (d *downloader) DownloadFrom(ctx context.Context, target models.Addr, fileName string, size int64) (string, error) {
	log := d.log.With(slog.String("file", fileName), slog.String("peer", target.String()))

	contact, err := d.tracker.RequestFile(ctx, target, fileName)
	if errors.Is(err, tracker.ErrPeerBusy) {
		log.Warn("requested peer is busy or does not have the file")
		return "", err
	}
	if err != nil {
		return "", err
	}
	defer d.complete(ctx, log, contact)

	log.Info("contacting peer for file transfer", slog.String("contact", contact.String()))
	path, n, err := d.fetch(ctx, contact, fileName, size)
	if err != nil {
		log.Error("failed to download file", slog.Any("error", err))
		return "", err
	}

	if size > 0 && n != size {
		log.Warn("peer sent a different size than registered", slog.Int64("registered", size), slog.Int64("received", n))
	}
	log.Info("file downloaded", slog.String("path", path), slog.Int64("bytes", n))
	return path, nil
}

// fetch streams the file into a temporary file that is renamed into place
// only once every byte has arrived.
func (d *downloader) fetch(ctx context.Context, contact models.Addr, fileName string, size int64) (string, int64, error) {
	if err := createOutputDir(d.outputDir); err != nil {
		return "", 0, err
	}

	tmp, err := os.CreateTemp(d.outputDir, "."+filepath.Base(fileName)+".part-*")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	if size > 0 {
		bar := progressbar.NewOptions64(size,
			progressbar.OptionSetWriter(d.progress),
			progressbar.OptionSetDescription(fileName),
			progressbar.OptionShowBytes(true),
		)
		defer bar.Finish()
		w = io.MultiWriter(tmp, bar)
	}

	n, err := p2p.Fetch(ctx, d.newClient(), contact, fileName, w)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", n, err
	}

	path := filepath.Join(d.outputDir, filepath.Base(fileName))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", n, err
	}
	return path, n, nil
}

// complete releases the peer even when ctx is already done.
func (d *downloader) complete(ctx context.Context, log *slog.Logger, target models.Addr) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()

	if err := d.tracker.Complete(ctx, target); err != nil {
		log.Warn("failed to notify tracker of completion", slog.Any("error", err))
	}
}

func createOutputDir(outputDir string) error {
	if _, err := os.Stat(outputDir); os.IsNotExist(err) {
		err := os.MkdirAll(outputDir, 0755)
		if err != nil {
			return err
		}
	}
	return nil
}
