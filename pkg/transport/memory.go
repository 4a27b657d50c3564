package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/aura-net/aura/pkg/aura"
)

// memConn is one side of an in-process pipe. Frames still round-trip
// through EncodeFrame/DecodeFrame so tests exercise the real wire form.
type memConn struct {
	out  chan []byte
	in   chan []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-memory connections.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	done := make(chan struct{})
	// Both ends share done, so they must share the Once guarding its close.
	once := &sync.Once{}
	a := &memConn{out: ab, in: ba, done: done, once: once}
	b := &memConn{out: ba, in: ab, done: done, once: once}
	return a, b
}

func (c *memConn) Send(e *Envelope) error {
	frame, err := EncodeFrame(e)
	if err != nil {
		return err
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return fmt.Errorf("send %s: connection closed", e.Kind)
	}
}

func (c *memConn) Receive(ctx context.Context) (*Envelope, []byte, error) {
	select {
	case frame := <-c.in:
		return DecodeFrame(frame)
	case <-c.done:
		return nil, nil, fmt.Errorf("receive: connection closed")
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// MemoryNetwork wires managers straight to servers without sockets.
// Each Connect spawns the server's receive loop on a fresh pipe.
type MemoryNetwork struct {
	mu      sync.Mutex
	servers map[aura.PeerID]*Server
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{servers: make(map[aura.PeerID]*Server)}
}

// Attach registers a peer's server as dialable.
func (n *MemoryNetwork) Attach(peer aura.PeerID, srv *Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[peer] = srv
}

func (n *MemoryNetwork) Detach(peer aura.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.servers, peer)
}

// Manager returns a ConnectionManager dialing through this network.
func (n *MemoryNetwork) Manager() ConnectionManager {
	return &memoryManager{
		net:   n,
		conns: make(map[aura.PeerID]Conn),
	}
}

type memoryManager struct {
	net   *MemoryNetwork
	mu    sync.Mutex
	conns map[aura.PeerID]Conn
}

func (m *memoryManager) Connect(ctx context.Context, peer aura.PeerID) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[peer]; ok {
		return c, nil
	}

	m.net.mu.Lock()
	srv := m.net.servers[peer]
	m.net.mu.Unlock()
	if srv == nil {
		return nil, fmt.Errorf("peer %s is unreachable", peer)
	}

	local, remote := Pipe()
	go srv.ServeConn(context.Background(), remote)
	m.conns[peer] = local
	return local, nil
}

func (m *memoryManager) Disconnect(peer aura.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[peer]; ok {
		c.Close()
		delete(m.conns, peer)
	}
}

func (m *memoryManager) IsConnected(peer aura.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[peer]
	return ok
}
