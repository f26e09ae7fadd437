package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andydunstall/meshsub/peer"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = time.Second * 10
	writeTimeout     = time.Second * 10
)

type tcpConn struct {
	peer    peer.ID
	addr    string
	session *yamux.Session
	// out is the stream opened by the local peer. All writes go to out and
	// all reads come from the stream accepted from the remote peer.
	out     net.Conn
	writeMu sync.Mutex
}

// TCPTransport is a Transport implementation using TCP, with each connection
// multiplexed by yamux.
//
// Each side of a connection opens a single stream and sends a hello frame
// containing its peer ID and listen address, then writes length prefixed
// packets to that stream.
type TCPTransport struct {
	id        peer.ID
	listener  net.Listener
	yamuxConf *yamux.Config

	// conns contains the connection to each connected peer.
	conns map[peer.ID]*tcpConn
	// mu protects the above fields.
	mu sync.Mutex

	eventCh  chan Event
	done     chan struct{}
	wg       sync.WaitGroup
	shutdown int32
	logger   *zap.Logger
}

// NewTCPTransport returns a new TCP transport listening on the given addr.
func NewTCPTransport(id peer.ID, bindAddr string, logger *zap.Logger) (*TCPTransport, error) {
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to start TCP listener on %s: %w", bindAddr, err)
	}

	yamuxConf := yamux.DefaultConfig()
	yamuxConf.LogOutput = io.Discard

	t := &TCPTransport{
		id:        id,
		listener:  listener,
		yamuxConf: yamuxConf,
		conns:     make(map[peer.ID]*tcpConn),
		eventCh:   make(chan Event, 256),
		done:      make(chan struct{}),
		logger:    logger.With(zap.String("transport", "tcp")),
	}

	t.wg.Add(1)
	go t.acceptLoop()

	return t, nil
}

func (t *TCPTransport) Send(to peer.ID, b []byte) error {
	if atomic.LoadInt32(&t.shutdown) == 1 {
		return ErrShutdown
	}

	t.mu.Lock()
	c, ok := t.conns[to]
	t.mu.Unlock()
	if !ok {
		return &NotConnectedError{Peer: to}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.out.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := writeFrame(c.out, b); err != nil {
		return fmt.Errorf("failed to write to %s: %w", to, err)
	}
	return nil
}

func (t *TCPTransport) Connect(ctx context.Context, addr string) (peer.ID, error) {
	if atomic.LoadInt32(&t.shutdown) == 1 {
		return peer.ID{}, ErrShutdown
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return peer.ID{}, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(handshakeTimeout)
	}
	return t.handshake(conn, true, deadline)
}

func (t *TCPTransport) Events() <-chan Event {
	return t.eventCh
}

func (t *TCPTransport) LocalID() peer.ID {
	return t.id
}

func (t *TCPTransport) BindAddr() string {
	return t.listener.Addr().String()
}

func (t *TCPTransport) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&t.shutdown, 0, 1) {
		return nil
	}

	close(t.done)
	// Close the listener, which will stop the accept loop.
	err := t.listener.Close()

	t.mu.Lock()
	for _, c := range t.conns {
		c.session.Close()
	}
	t.mu.Unlock()

	// Block until all the connection goroutines have exited.
	t.wg.Wait()
	return err
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&t.shutdown) == 1 {
				return
			}
			t.logger.Error("failed to accept connection", zap.Error(err))
			continue
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if _, err := t.handshake(conn, false, time.Now().Add(handshakeTimeout)); err != nil {
				t.logger.Warn(
					"inbound handshake failed",
					zap.String("addr", conn.RemoteAddr().String()),
					zap.Error(err),
				)
			}
		}()
	}
}

// handshake establishes a yamux session over conn and exchanges hello frames.
// On success the connection is registered, a Connected event emitted and
// the read loop started.
func (t *TCPTransport) handshake(conn net.Conn, outbound bool, deadline time.Time) (peer.ID, error) {
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return peer.ID{}, fmt.Errorf("failed to set deadline: %w", err)
	}

	var session *yamux.Session
	var err error
	if outbound {
		session, err = yamux.Client(conn, t.yamuxConf)
	} else {
		session, err = yamux.Server(conn, t.yamuxConf)
	}
	if err != nil {
		conn.Close()
		return peer.ID{}, fmt.Errorf("failed to create session: %w", err)
	}

	out, err := session.Open()
	if err != nil {
		session.Close()
		return peer.ID{}, fmt.Errorf("failed to open stream: %w", err)
	}
	if err := writeFrame(out, encodeHello(hello{ID: t.id, Addr: t.BindAddr()})); err != nil {
		session.Close()
		return peer.ID{}, fmt.Errorf("failed to write hello: %w", err)
	}

	in, err := session.Accept()
	if err != nil {
		session.Close()
		return peer.ID{}, fmt.Errorf("failed to accept stream: %w", err)
	}
	r := bufio.NewReader(in)
	b, err := readFrame(r)
	if err != nil {
		session.Close()
		return peer.ID{}, fmt.Errorf("failed to read hello: %w", err)
	}
	h, err := decodeHello(b)
	if err != nil {
		session.Close()
		return peer.ID{}, err
	}
	if h.ID == t.id {
		session.Close()
		return peer.ID{}, fmt.Errorf("cannot connect to self")
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		session.Close()
		return peer.ID{}, fmt.Errorf("failed to clear deadline: %w", err)
	}

	c := &tcpConn{
		peer:    h.ID,
		addr:    h.Addr,
		session: session,
		out:     out,
	}
	ok, replaced := t.register(c, outbound)
	if !ok {
		session.Close()
		return h.ID, nil
	}

	t.logger.Debug(
		"peer connected",
		zap.String("peer", h.ID.ShortString()),
		zap.String("addr", h.Addr),
		zap.Bool("outbound", outbound),
		zap.Bool("replaced", replaced),
	)

	// Anything sent on the replaced session may have been lost, so the
	// peer is reported as reconnected.
	if replaced {
		t.push(Disconnected{Peer: h.ID})
	}
	t.push(Connected{Peer: h.ID, Addr: h.Addr})

	t.wg.Add(1)
	go t.readLoop(c, r)

	return h.ID, nil
}

// register adds the connection, returning false if it should be discarded,
// and whether it replaced an existing connection to the same peer.
// If both peers dial each other at the same time, both sides keep the session
// dialed by the peer with the lower ID.
func (t *TCPTransport) register(c *tcpConn, outbound bool) (bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if atomic.LoadInt32(&t.shutdown) == 1 {
		return false, false
	}

	existing, ok := t.conns[c.peer]
	if ok {
		localLower := bytes.Compare(t.id[:], c.peer[:]) < 0
		if outbound != localLower {
			return false, false
		}
		// Removing the existing connection first means its read loop won't
		// emit a Disconnected event, as the caller emits it instead.
		delete(t.conns, c.peer)
		existing.session.Close()
	}
	t.conns[c.peer] = c
	return true, ok
}

func (t *TCPTransport) readLoop(c *tcpConn, r *bufio.Reader) {
	defer t.wg.Done()

	for {
		b, err := readFrame(r)
		if err != nil {
			if atomic.LoadInt32(&t.shutdown) == 0 && err != io.EOF {
				t.logger.Debug(
					"failed to read from stream",
					zap.String("peer", c.peer.ShortString()),
					zap.Error(err),
				)
			}
			break
		}
		t.push(Packet{From: c.peer, Buf: b})
	}

	c.session.Close()

	t.mu.Lock()
	removed := false
	if existing, ok := t.conns[c.peer]; ok && existing == c {
		delete(t.conns, c.peer)
		removed = true
	}
	t.mu.Unlock()

	if removed {
		t.logger.Debug("peer disconnected", zap.String("peer", c.peer.ShortString()))
		t.push(Disconnected{Peer: c.peer})
	}
}

func (t *TCPTransport) push(e Event) {
	select {
	case t.eventCh <- e:
	case <-t.done:
	}
}
