package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/aura-net/aura/pkg/aura"
)

// ConnectionManager caches one connection per peer and reconnects on
// demand. Connect returns the live connection; callers that hit a
// transport error should Disconnect so the next call redials.
type ConnectionManager interface {
	Connect(ctx context.Context, peer aura.PeerID) (Conn, error)
	Disconnect(peer aura.PeerID)
	IsConnected(peer aura.PeerID) bool
}

// TCPManager dials peers by their registered address.
type TCPManager struct {
	mu    sync.Mutex
	addrs map[aura.PeerID]string
	conns map[aura.PeerID]Conn
}

func NewTCPManager() *TCPManager {
	return &TCPManager{
		addrs: make(map[aura.PeerID]string),
		conns: make(map[aura.PeerID]Conn),
	}
}

// SetAddress registers or replaces the dial address for a peer. Any
// cached connection is dropped so the next Connect uses the new address.
func (m *TCPManager) SetAddress(peer aura.PeerID, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addrs[peer] = addr
	if c, ok := m.conns[peer]; ok {
		c.Close()
		delete(m.conns, peer)
	}
}

func (m *TCPManager) Connect(ctx context.Context, peer aura.PeerID) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[peer]; ok {
		return c, nil
	}
	addr, ok := m.addrs[peer]
	if !ok {
		return nil, fmt.Errorf("no address for peer %s", peer)
	}
	c, err := DialTCP(ctx, addr)
	if err != nil {
		return nil, err
	}
	m.conns[peer] = c
	return c, nil
}

func (m *TCPManager) Disconnect(peer aura.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[peer]; ok {
		c.Close()
		delete(m.conns, peer)
	}
}

func (m *TCPManager) IsConnected(peer aura.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[peer]
	return ok
}
