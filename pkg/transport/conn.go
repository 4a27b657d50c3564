package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tchajed/marshal"
)

// Conn is one framed duplex channel. Receive returns the decoded envelope
// together with its raw JSON so the server can schema-check before
// trusting the decode.
type Conn interface {
	Send(e *Envelope) error
	Receive(ctx context.Context) (*Envelope, []byte, error)
	Close() error
}

// tcpConn frames envelopes over a stream: a little-endian u64 length
// prefix followed by the frame bytes. Send and Receive each hold their own
// lock so a request can overlap an inbound push.
type tcpConn struct {
	c      net.Conn
	sendMu sync.Mutex
	recvMu sync.Mutex
}

// DialTCP opens a framed connection to addr.
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &tcpConn{c: c}, nil
}

func (c *tcpConn) Send(e *Envelope) error {
	frame, err := EncodeFrame(e)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := c.c.Write(frame); err != nil {
		c.c.Close()
		return fmt.Errorf("send %s: %w", e.Kind, err)
	}
	return nil
}

func (c *tcpConn) Receive(ctx context.Context) (*Envelope, []byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.c.SetReadDeadline(deadline); err != nil {
		return nil, nil, fmt.Errorf("set deadline: %w", err)
	}

	frame := make([]byte, 8)
	if _, err := io.ReadFull(c.c, frame); err != nil {
		c.c.Close()
		return nil, nil, fmt.Errorf("read frame header: %w", err)
	}
	n, _ := marshal.ReadInt(frame)
	frame = append(frame, make([]byte, n)...)
	if _, err := io.ReadFull(c.c, frame[8:]); err != nil {
		c.c.Close()
		return nil, nil, fmt.Errorf("read frame: %w", err)
	}
	return DecodeFrame(frame)
}

func (c *tcpConn) Close() error { return c.c.Close() }

// TCPListener accepts framed connections.
type TCPListener struct {
	l net.Listener
}

func ListenTCP(addr string) (*TCPListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &TCPListener{l: l}, nil
}

func (l *TCPListener) Addr() string { return l.l.Addr().String() }

func (l *TCPListener) Accept() (Conn, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return &tcpConn{c: c}, nil
}

func (l *TCPListener) Close() error { return l.l.Close() }
