package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/WendelHime/p2pshare/internal/decoder"
	"github.com/WendelHime/p2pshare/internal/shared/models"
)

type ServerOptions struct {
	StorageDir  string
	PieceSize   int
	BufferSize  int
	ReadTimeout time.Duration
}

const requestIdle = 100 * time.Millisecond

// Server streams the peer's own files to other peers. The file list is fixed
// at construction and only read afterwards.
type Server struct {
	opts  ServerOptions
	files map[string]models.SharedFile
	log   *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(files []models.SharedFile, opts ServerOptions, logger *slog.Logger) *Server {
	held := make(map[string]models.SharedFile, len(files))
	for _, f := range files {
		held[f.Name] = f
	}
	return &Server{
		opts:  opts,
		files: held,
		log:   logger.With(slog.String("component", "file-server")),
		conns: make(map[net.Conn]struct{}),
	}
}

// Serve accepts transfers until ctx is cancelled and then waits for the
// transfers in flight.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening for peers", slog.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.log.Warn("failed to accept peer", slog.Any("error", err))
			continue
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	log := s.log.With(slog.String("remote", conn.RemoteAddr().String()))

	req, err := s.readRequest(conn, log)
	if err != nil {
		log.Warn("failed to read request", slog.Any("error", err))
		return
	}

	name, err := decodeRequest(req)
	if err != nil {
		log.Warn("dropping request", slog.String("request", string(req)), slog.Any("error", err))
		return
	}

	sent, err := s.sendFile(conn, name)
	switch {
	case errors.Is(err, ErrFileNotFound):
		log.Info("file not found on this peer", slog.String("file", name))
		if _, werr := conn.Write([]byte{statusNotFound}); werr != nil {
			log.Warn("failed to answer request", slog.Any("error", werr))
		}
	case err != nil:
		log.Warn("transfer failed", slog.String("file", name), slog.Int64("sent", sent), slog.Any("error", err))
	default:
		log.Info("file sent", slog.String("file", name), slog.Int64("bytes", sent))
	}
}

// readRequest reads until the buffer names a held file, the buffer is full or
// the peer stays quiet for requestIdle after its first bytes.
func (s *Server) readRequest(conn net.Conn, log *slog.Logger) ([]byte, error) {
	s.extendDeadline(conn)
	buf := make([]byte, s.opts.BufferSize)
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if s.holds(buf[:n]) {
			return buf[:n], nil
		}
		if err != nil {
			if n > 0 && (errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded)) {
				return buf[:n], nil
			}
			return nil, err
		}
		conn.SetReadDeadline(time.Now().Add(requestIdle))
	}

	log.Warn("request fills the buffer, file name may be truncated", slog.Int("buffer_size", len(buf)))
	// drain the rest so closing does not reset the connection before the
	// answer is read
	conn.SetReadDeadline(time.Now().Add(requestIdle))
	io.Copy(io.Discard, conn)
	return buf, nil
}

func (s *Server) holds(req []byte) bool {
	name, err := decodeRequest(req)
	if err != nil {
		return false
	}
	_, ok := s.files[name]
	return ok
}

func (s *Server) sendFile(conn net.Conn, name string) (int64, error) {
	if _, ok := s.files[name]; !ok || models.CheckFileName(name) != nil {
		return 0, ErrFileNotFound
	}

	f, err := os.Open(filepath.Join(s.opts.StorageDir, name))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFileNotFound, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFileNotFound, err)
	}
	size := info.Size()

	s.extendDeadline(conn)
	if _, err := conn.Write(encodeHeader(size)); err != nil {
		return 0, err
	}

	var sent int64
	pieceSize := int64(s.opts.PieceSize)
	for i := int64(0); i < models.PieceCount(size, pieceSize); i++ {
		piece, err := decoder.ReadBytes(f, int(models.PieceLength(size, pieceSize, i)))
		if err != nil {
			return sent, fmt.Errorf("read piece %d: %w", i, err)
		}

		s.extendDeadline(conn)
		n, err := conn.Write(piece)
		sent += int64(n)
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

func (s *Server) extendDeadline(conn net.Conn) {
	if s.opts.ReadTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.opts.ReadTimeout))
	}
}
