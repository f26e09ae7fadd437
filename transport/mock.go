package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/andydunstall/meshsub/peer"
)

// MockNetwork is used as a factory that produces MockTransport instances which
// are uniquely addressed and wired up to talk to each other.
//
// Events are pushed while holding the network lock, so a peer always sees
// Connected before any packet from that peer. Pushing never blocks: if a
// transport's event buffer is full the event is dropped and counted (see
// MockTransport.Dropped).
type MockNetwork struct {
	transports map[string]*MockTransport
	nextPort   int
	mu         sync.Mutex
}

const mockEventBufferSize = 1024

func NewMockNetwork() *MockNetwork {
	return &MockNetwork{
		transports: make(map[string]*MockTransport),
		nextPort:   20000,
	}
}

func (n *MockNetwork) NewTransport() *MockTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	addr := fmt.Sprintf("127.0.0.1:%d", n.nextPort)
	n.nextPort++
	transport := &MockTransport{
		net:      n,
		id:       peer.New(),
		bindAddr: addr,
		// Add a buffer so events are only dropped if the reader stalls.
		eventCh:   make(chan Event, mockEventBufferSize),
		conns:     make(map[peer.ID]*MockTransport),
		sendError: make(map[peer.ID]error),
		done:      make(chan struct{}),
	}
	n.transports[addr] = transport
	return transport
}

// Disconnect drops the connection between the two peers, emitting a
// Disconnected event on both sides.
func (n *MockNetwork) Disconnect(a peer.ID, b peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, t := range n.transports {
		if t.id != a {
			continue
		}
		if dest, ok := t.conns[b]; ok {
			delete(t.conns, b)
			delete(dest.conns, a)
			t.push(Disconnected{Peer: b})
			dest.push(Disconnected{Peer: a})
		}
	}
}

type MockTransport struct {
	net      *MockNetwork
	id       peer.ID
	bindAddr string
	eventCh  chan Event
	// conns and sendError are protected by net.mu.
	conns     map[peer.ID]*MockTransport
	sendError map[peer.ID]error
	shutdown  bool
	done      chan struct{}
	// dropped counts events discarded because eventCh was full.
	dropped atomic.Uint64
}

func (t *MockTransport) Send(to peer.ID, b []byte) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if t.shutdown {
		return ErrShutdown
	}
	if err, ok := t.sendError[to]; ok {
		return err
	}
	dest, ok := t.conns[to]
	if !ok {
		return &NotConnectedError{Peer: to}
	}

	buf := make([]byte, len(b))
	copy(buf, b)
	dest.push(Packet{
		From: t.id,
		Buf:  buf,
	})
	return nil
}

func (t *MockTransport) Connect(ctx context.Context, addr string) (peer.ID, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if t.shutdown {
		return peer.ID{}, ErrShutdown
	}
	dest, ok := t.net.transports[addr]
	if !ok {
		return peer.ID{}, fmt.Errorf("no route to %s", addr)
	}
	if dest == t {
		return peer.ID{}, fmt.Errorf("cannot connect to self")
	}
	if _, ok := t.conns[dest.id]; ok {
		return dest.id, nil
	}

	t.conns[dest.id] = dest
	dest.conns[t.id] = t
	t.push(Connected{Peer: dest.id, Addr: dest.bindAddr})
	dest.push(Connected{Peer: t.id, Addr: t.bindAddr})
	return dest.id, nil
}

// SetSendError causes sends to the given peer to fail with err. A nil err
// clears the failure.
func (t *MockTransport) SetSendError(to peer.ID, err error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if err == nil {
		delete(t.sendError, to)
		return
	}
	t.sendError[to] = err
}

func (t *MockTransport) Events() <-chan Event {
	return t.eventCh
}

func (t *MockTransport) LocalID() peer.ID {
	return t.id
}

func (t *MockTransport) BindAddr() string {
	return t.bindAddr
}

func (t *MockTransport) Shutdown() error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if t.shutdown {
		return nil
	}
	t.shutdown = true

	for id, dest := range t.conns {
		delete(dest.conns, t.id)
		dest.push(Disconnected{Peer: t.id})
		delete(t.conns, id)
	}
	delete(t.net.transports, t.bindAddr)
	close(t.done)
	return nil
}

// Dropped returns the number of events discarded because the event buffer
// was full.
func (t *MockTransport) Dropped() uint64 {
	return t.dropped.Load()
}

// push must be called with net.mu held, so must never block.
func (t *MockTransport) push(e Event) {
	select {
	case t.eventCh <- e:
	case <-t.done:
	default:
		t.dropped.Add(1)
	}
}
