package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ogzhanolguncu/peernet/assertions"
)

var (
	ErrTransportClosed = errors.New("protocol: transport closed")
	ErrFrameTooLarge   = errors.New("protocol: frame exceeds maximum size")
)

const frameHeaderSize = 4

// Conn is one bidirectional, ordered stream of frames to a remote node.
type Conn interface {
	// WriteFrame writes one frame; the ctx deadline, if any, bounds the write.
	WriteFrame(ctx context.Context, data []byte) error
	// ReadFrame blocks until a whole frame arrives.
	ReadFrame() ([]byte, error)
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// Transport opens outbound streams and accepts inbound ones.
type Transport interface {
	Dial(ctx context.Context, addr string) (Conn, error)
	// Listen registers the handler run (on its own goroutine) for every accepted stream.
	Listen(handler func(Conn)) error
	// Addr is the address other nodes dial to reach this one.
	Addr() string
	Close() error
}

// streamConn frames a net.Conn with a 4-byte big-endian length prefix.
type streamConn struct {
	conn   net.Conn
	remote string

	wmu sync.Mutex
	rmu sync.Mutex
}

// NewStreamConn wraps a net.Conn. remote overrides the address reported by
// RemoteAddr when non-empty.
func NewStreamConn(conn net.Conn, remote string) Conn {
	assertions.AssertNotNil(conn, "connection cannot be nil")
	if remote == "" {
		remote = conn.RemoteAddr().String()
	}
	return &streamConn{conn: conn, remote: remote}
}

func (c *streamConn) WriteFrame(ctx context.Context, data []byte) error {
	assertions.Assert(len(data) > 0, "frame cannot be empty")
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	buf := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[frameHeaderSize:], data)

	_, err := c.conn.Write(buf)
	return err
}

func (c *streamConn) ReadFrame() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, ErrEmptyMessage
	}
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *streamConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *streamConn) RemoteAddr() string {
	return c.remote
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}
