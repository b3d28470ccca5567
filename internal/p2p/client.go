package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/WendelHime/p2pshare/internal/decoder"
	"github.com/WendelHime/p2pshare/internal/shared/models"
)

type P2PClient interface {
	Connect(ctx context.Context, address models.Addr) error
	Disconnect() error
	// RequestFile asks the connected peer for fileName and returns the length
	// the peer is about to send.
	RequestFile(fileName string) (int64, error)
	// ReadPieces copies size bytes from the peer into w, piece by piece.
	ReadPieces(w io.Writer, size int64) (int64, error)
}

type client struct {
	pieceSize   int64
	dialTimeout time.Duration
	readTimeout time.Duration
	conn        net.Conn
}

func NewClient(pieceSize int, dialTimeout, readTimeout time.Duration) P2PClient {
	return &client{pieceSize: int64(pieceSize), dialTimeout: dialTimeout, readTimeout: readTimeout}
}

func (c *client) Connect(ctx context.Context, address models.Addr) error {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address.String())
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *client) Disconnect() error {
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *client) RequestFile(fileName string) (int64, error) {
	if c.conn == nil {
		return 0, net.ErrClosed
	}

	if _, err := c.conn.Write(encodeRequest(fileName)); err != nil {
		return 0, err
	}

	c.extendDeadline()
	status, err := decoder.ReadBytes(c.conn, 1)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	switch status[0] {
	case statusOK:
	case statusNotFound:
		return 0, fmt.Errorf("%w: %s", ErrFileNotFound, fileName)
	default:
		return 0, fmt.Errorf("%w: status %#x", ErrInvalidHeader, status[0])
	}

	length, err := decoder.ReadBytes(c.conn, lengthSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	return decodeLength(length)
}

// ReadPieces performs exactly PieceCount(size) piece reads; each piece is
// bounded by the declared size, so trailing bytes are never consumed.
func (c *client) ReadPieces(w io.Writer, size int64) (int64, error) {
	if c.conn == nil {
		return 0, net.ErrClosed
	}

	var written int64
	pieces := models.PieceCount(size, c.pieceSize)
	for i := int64(0); i < pieces; i++ {
		c.extendDeadline()
		piece, err := decoder.ReadBytes(c.conn, int(models.PieceLength(size, c.pieceSize, i)))
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = fmt.Errorf("%w: got %d of %d bytes", ErrShortTransfer, written+int64(len(piece)), size)
			}
			return written, err
		}

		n, err := w.Write(piece)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *client) extendDeadline() {
	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

// Fetch downloads fileName from address into w over a new connection.
func Fetch(ctx context.Context, c P2PClient, address models.Addr, fileName string, w io.Writer) (int64, error) {
	if err := c.Connect(ctx, address); err != nil {
		return 0, err
	}
	defer c.Disconnect()

	size, err := c.RequestFile(fileName)
	if err != nil {
		return 0, err
	}
	return c.ReadPieces(w, size)
}
