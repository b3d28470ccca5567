// Package trackerd implements the tracker: the control-connection server, the
// dispatcher that applies peer requests to the registry and a read-only HTTP
// status API.
package trackerd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/WendelHime/p2pshare/internal/shared/models"
	"github.com/google/uuid"
)

const maxLineSize = 1 << 20

type Server struct {
	dispatcher  *Dispatcher
	log         *slog.Logger
	messageSize int

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a tracker server. messageSize is the initial read buffer
// for control lines; longer lines grow the buffer up to 1 MiB.
func NewServer(d *Dispatcher, messageSize int, logger *slog.Logger) *Server {
	return &Server{
		dispatcher:  d,
		log:         logger.With(slog.String("component", "tracker")),
		messageSize: messageSize,
		conns:       make(map[net.Conn]struct{}),
	}
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts control connections until ctx is cancelled, then closes every
// open connection and waits for the sessions to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("tracker started", slog.String("addr", ln.Addr().String()))

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
			s.log.Warn("failed to accept connection", slog.Any("error", err))
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

	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	session := NewSession(uuid.NewString(), remoteIP)
	log := s.log.With(slog.String("session", session.ID), slog.String("remote", conn.RemoteAddr().String()))
	log.Info("peer connected")
	defer s.dispatcher.Close(session)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, s.messageSize), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		req, err := decodeRequest(line)
		if err != nil {
			log.Warn("dropping message", slog.String("message", string(line)), slog.Any("error", err))
			continue
		}

		resp := s.dispatcher.Dispatch(session, req)
		if resp == nil {
			continue
		}
		if err := writeResponse(conn, resp); err != nil {
			log.Warn("failed to write response", slog.Any("error", err))
			break
		}
	}

	if err := scanner.Err(); err != nil {
		log.Warn("peer connection failed", slog.Any("error", err))
	}
	log.Info("peer disconnected")
}

func decodeRequest(line []byte) (models.Request, error) {
	var msg models.ControlMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, errors.Join(models.ErrMalformedMessage, err)
	}
	return msg.Request()
}

func writeResponse(conn net.Conn, resp *models.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}
