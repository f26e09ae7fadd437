// Package transport defines the network interface used by the gossip engine,
// along with a TCP implementation and an in-memory mock network for tests.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/andydunstall/meshsub/peer"
)

// Event is a notification from the transport. It is a closed set of
// variants: Connected, Disconnected and Packet.
type Event interface {
	isEvent()
}

// Connected is emitted once a connection to a peer is established and the
// peers identity is known.
type Connected struct {
	Peer peer.ID
	// Addr is the address the peer is listening on.
	Addr string
}

// Disconnected is emitted when the connection to a peer is lost.
type Disconnected struct {
	Peer peer.ID
}

// Packet contains a payload received from a connected peer.
type Packet struct {
	From peer.ID
	Buf  []byte
}

func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}
func (Packet) isEvent()       {}

// Transport is an interface for a connection oriented transport that
// exchanges discrete packets with identified peers.
type Transport interface {
	// Send fires off the given payload to a connected peer. It returns an
	// error if the peer is not connected or the write fails, though a nil
	// error does not guarantee delivery.
	Send(to peer.ID, b []byte) error

	// Connect dials the peer listening on addr and returns its ID once the
	// handshake completes. A Connected event is also emitted.
	Connect(ctx context.Context, addr string) (peer.ID, error)

	// Events returns the channel of lifecycle and packet events.
	Events() <-chan Event

	// LocalID returns the ID of the local peer.
	LocalID() peer.ID

	// BindAddr returns the address the transport listener is bound to. Note
	// this may be different from the configured bind addr if the system chooses
	// the addr (such as using a port of 0).
	BindAddr() string

	// Shutdown closes all connections and listeners.
	Shutdown() error
}

// ErrShutdown is returned when using a transport after it has been shutdown.
var ErrShutdown = errors.New("transport: shutdown")

// NotConnectedError is returned when sending to a peer without a connection.
type NotConnectedError struct {
	Peer peer.ID
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("transport: peer not connected: %s", e.Peer)
}
