package meshsub

import (
	"github.com/andydunstall/meshsub/internal"
	"github.com/andydunstall/meshsub/peer"
)

// MessageID uniquely identifies a message. It is derived from the publisher,
// its sequence number and the payload.
type MessageID = internal.MessageID

// Message is a message delivered to the application.
type Message struct {
	ID    MessageID
	Topic string
	Data  []byte
	// From is the node that published the message.
	From peer.ID
	// ReceivedFrom is the peer the message was received from, which may
	// differ from the publisher.
	ReceivedFrom peer.ID
	Seqno        uint64
}

type (
	// ConfigError is returned by Create when the options are invalid.
	ConfigError = internal.ConfigError

	// TransportError describes a failed send to a peer.
	TransportError = internal.TransportError

	// ScoreParams configures peer scoring. See DefaultScoreParams for the
	// scoring function.
	ScoreParams = internal.ScoreParams
)

// DefaultScoreParams returns the default peer scoring parameters.
func DefaultScoreParams() ScoreParams {
	return internal.DefaultScoreParams()
}

var (
	ErrNotSubscribed   = internal.ErrNotSubscribed
	ErrShutdown        = internal.ErrShutdown
	ErrMessageTooLarge = internal.ErrMessageTooLarge
	ErrInvalidTopic    = internal.ErrInvalidTopic
)
