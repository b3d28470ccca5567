package tracker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/WendelHime/p2pshare/internal/shared/models"
)

// Tracker is the peer side of the control connection. Calls are serialized:
// the response to one request is read before the next request is sent.
type Tracker interface {
	Register(ctx context.Context, files []models.SharedFile) error
	GetIdlePeers(ctx context.Context, n int) ([]models.PeerInfo, error)
	GetFileIdlePeers(ctx context.Context, fileNames []string) ([]models.PeerInfo, error)
	RequestFile(ctx context.Context, target models.Addr, fileName string) (models.Addr, error)
	Complete(ctx context.Context, target models.Addr) error
	Close() error
}

var ErrPeerBusy = errors.New("peer busy or missing the file")
var ErrUnexpectedResponse = errors.New("unexpected response")

type tracker struct {
	self models.Addr
	log  *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// Dial opens the control connection. self is the address this peer's file
// server is reachable on.
func Dial(ctx context.Context, address string, self models.Addr, timeout time.Duration, logger *slog.Logger) (Tracker, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connect to tracker %s: %w", address, err)
	}
	return NewTracker(conn, self, logger), nil
}

func NewTracker(conn net.Conn, self models.Addr, logger *slog.Logger) Tracker {
	return &tracker{
		self:   self,
		log:    logger.With(slog.String("component", "tracker-client")),
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (t *tracker) Register(ctx context.Context, files []models.SharedFile) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.send(ctx, models.RegisterRequest{Addr: t.self, Files: files})
	if err != nil {
		return err
	}
	t.log.Info("registered with tracker", slog.String("tracker", t.conn.RemoteAddr().String()), slog.Int("files", len(files)))
	return nil
}

func (t *tracker) GetIdlePeers(ctx context.Context, n int) ([]models.PeerInfo, error) {
	resp, err := t.exchange(ctx, models.GetIdlePeersRequest{Requester: t.self, Count: n})
	if err != nil {
		return nil, err
	}
	if resp.Type != models.MessageTypePeersAvailable {
		return nil, nil
	}
	return resp.Peers, nil
}

func (t *tracker) GetFileIdlePeers(ctx context.Context, fileNames []string) ([]models.PeerInfo, error) {
	resp, err := t.exchange(ctx, models.GetFileIdlePeersRequest{Requester: t.self, FileNames: fileNames})
	if err != nil {
		return nil, err
	}
	if resp.Type != models.MessageTypePeersAvailable {
		return nil, nil
	}

	// older trackers only report sizes in the parallel file_sizes array
	for i := range resp.Peers {
		if resp.Peers[i].FileSize == 0 && i < len(resp.FileSizes) {
			resp.Peers[i].FileSize = resp.FileSizes[i]
		}
	}
	return resp.Peers, nil
}

// RequestFile asks the tracker to allocate target for fileName and returns the
// address to contact. ErrPeerBusy means the tracker refused.
func (t *tracker) RequestFile(ctx context.Context, target models.Addr, fileName string) (models.Addr, error) {
	resp, err := t.exchange(ctx, models.RequestFileRequest{Target: target, FileName: fileName})
	if err != nil {
		return models.Addr{}, err
	}

	switch resp.Type {
	case models.MessageTypePeerContact:
		return models.Addr{IP: resp.PeerIP, Port: resp.PeerPort}, nil
	case models.MessageTypePeerBusy:
		return models.Addr{}, ErrPeerBusy
	default:
		return models.Addr{}, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Type)
	}
}

func (t *tracker) Complete(ctx context.Context, target models.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.send(ctx, models.CompleteRequest{Target: target})
}

func (t *tracker) Close() error {
	return t.conn.Close()
}

func (t *tracker) exchange(ctx context.Context, req models.Request) (models.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.send(ctx, req); err != nil {
		return models.Response{}, err
	}
	return t.read(ctx)
}

// send and read must be called with mu held.
func (t *tracker) send(ctx context.Context, req models.Request) error {
	data, err := json.Marshal(req.Message())
	if err != nil {
		return err
	}

	defer t.watch(ctx)()
	t.log.Debug("sending message to tracker", slog.String("message", string(data)))
	if _, err := t.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("send %s: %w", req.Kind(), contextError(ctx, err))
	}
	return nil
}

func (t *tracker) read(ctx context.Context) (models.Response, error) {
	defer t.watch(ctx)()

	line, err := t.reader.ReadBytes('\n')
	if err != nil {
		return models.Response{}, fmt.Errorf("read tracker response: %w", contextError(ctx, err))
	}
	t.log.Debug("received message from tracker", slog.String("message", string(line)))

	var resp models.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return models.Response{}, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return resp, nil
}

// watch applies ctx's deadline to the connection and interrupts blocked I/O on
// cancellation. The returned func restores the connection.
func (t *tracker) watch(ctx context.Context) func() {
	deadline, _ := ctx.Deadline()
	t.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		t.conn.SetDeadline(time.Time{})
	}
}

func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if deadline, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return err
}
