package transport

import (
	"fmt"
	"net"
	"sync"
)

// Manager adapts a single packet-oriented connection (a real UDP socket in
// production, a Pipe in tests) to the Source/Sink shape the reactor expects.
//
// Real socket I/O is out of scope for this core (spec.md Section 1); Manager
// exists so the core has something to read datagrams from and write them to
// without hard-coding net.PacketConn across every caller.
type Manager struct {
	conn    net.PacketConn
	handler MessageHandler

	mu      sync.RWMutex
	started bool
	closed  bool
}

// ManagerConfig configures the transport manager.
type ManagerConfig struct {
	// Conn is the packet connection to read from and write to. Required.
	// In production this is a *net.UDPConn; in tests, a *PipePacketConn.
	Conn net.PacketConn

	// MessageHandler is called for each received message. Required.
	MessageHandler MessageHandler
}

// NewManager creates a new transport manager wrapping the given connection.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.MessageHandler == nil {
		return nil, ErrNoHandler
	}
	if config.Conn == nil {
		return nil, ErrInvalidAddress
	}

	return &Manager{
		conn:    config.Conn,
		handler: config.MessageHandler,
	}, nil
}

// Start begins the receive loop in a background goroutine, dispatching each
// datagram to the configured MessageHandler. The reactor (pkg/core) is the
// single consumer of those callbacks and must not block in the handler.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	go m.readLoop()
	return nil
}

func (m *Manager) readLoop() {
	buf := make([]byte, MaxDatagramSize)
	for {
		m.mu.RLock()
		closed := m.closed
		m.mu.RUnlock()
		if closed {
			return
		}

		n, addr, err := m.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		m.handler(&ReceivedMessage{
			Data:     data,
			PeerAddr: NewUDPPeerAddress(addr),
		})
	}
}

// Stop closes the underlying connection, ending the receive loop.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.mu.Unlock()

	if err := m.conn.Close(); err != nil {
		return fmt.Errorf("closing transport connection: %w", err)
	}
	return nil
}

// Send writes a message to the specified peer address.
func (m *Manager) Send(data []byte, peer PeerAddress) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	if !peer.IsValid() {
		return ErrInvalidAddress
	}

	_, err := m.conn.WriteTo(data, peer.Addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// LocalAddr returns the local address the manager is listening on.
func (m *Manager) LocalAddr() net.Addr {
	return m.conn.LocalAddr()
}

// MaxDatagramSize is the largest UDP payload this transport will read in one
// ReadFrom call. Matter messages are small (MTU-bounded); this is generous
// headroom over the largest certificate-bearing handshake message.
const MaxDatagramSize = 1280
