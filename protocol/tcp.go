package protocol

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ogzhanolguncu/peernet/assertions"
)

const defaultDialTimeout = 5 * time.Second

// TCPTransport keeps one long-lived TCP stream per peer. Accepted streams are
// handed to the Listen handler, which owns them from then on.
type TCPTransport struct {
	addr     string // This node's listening address
	listener net.Listener
	dialer   net.Dialer
	handler  func(Conn)
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

func NewTCPTransport(addr string) (*TCPTransport, error) {
	assertions.Assert(addr != "", "transport address cannot be empty")

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	transport := &TCPTransport{
		addr:     listener.Addr().String(),
		listener: listener,
		dialer: net.Dialer{
			Timeout:   defaultDialTimeout,
			KeepAlive: 15 * time.Second,
		},
		ctx:    ctx,
		cancel: cancel,
	}

	assertions.AssertNotNil(transport.listener, "listener must be initialized")
	return transport, nil
}

// Addr returns the bound address, with the real port when ":0" was requested.
func (t *TCPTransport) Addr() string {
	return t.addr
}

func (t *TCPTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	assertions.Assert(addr != "", "target address cannot be empty")

	if t.ctx.Err() != nil {
		return nil, ErrTransportClosed
	}
	if addr == t.addr {
		return nil, errors.New("protocol: transport cannot dial itself")
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return NewStreamConn(conn, addr), nil
}

func (t *TCPTransport) Listen(handler func(Conn)) error {
	assertions.AssertNotNil(handler, "handler function cannot be nil")
	assertions.AssertNotNil(t.listener, "listener cannot be nil")

	if t.ctx.Err() != nil {
		return ErrTransportClosed
	}

	t.handler = handler
	t.wg.Add(1)

	go func() {
		defer t.wg.Done()
		for {
			conn, err := t.listener.Accept()
			if err != nil {
				if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				// Temporary accept failure (e.g. EMFILE)
				time.Sleep(10 * time.Millisecond)
				continue
			}

			assertions.AssertNotNil(conn, "accepted connection cannot be nil")
			go t.handler(NewStreamConn(conn, ""))
		}
	}()

	return nil
}

func (t *TCPTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		err = t.listener.Close()
		t.wg.Wait()
	})
	return err
}
