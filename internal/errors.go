package internal

import (
	"errors"
	"fmt"

	"github.com/andydunstall/meshsub/peer"
)

var (
	// ErrNotSubscribed is returned when publishing to a topic the node
	// doesn't subscribe to.
	ErrNotSubscribed = errors.New("meshsub: not subscribed to topic")

	// ErrShutdown is returned when using a node after it has been shutdown.
	ErrShutdown = errors.New("meshsub: shutdown")

	// ErrMessageTooLarge is returned when publishing a payload that exceeds
	// the maximum message size.
	ErrMessageTooLarge = errors.New("meshsub: message too large")

	// ErrInvalidTopic is returned when the topic is empty.
	ErrInvalidTopic = errors.New("meshsub: invalid topic")
)

// ConfigError is returned when a node is created with an invalid
// configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("meshsub: invalid config: %s: %s", e.Field, e.Reason)
}

// TransportError describes a failed send to a peer. Transport errors are
// logged and penalise the peer but are never fatal.
type TransportError struct {
	Peer peer.ID
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("meshsub: transport error: peer %s: %v", e.Peer, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
