package internal

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/andydunstall/meshsub/peer"
	"go.uber.org/zap/zapcore"
	"lukechampine.com/blake3"
)

// MessageIDLen is the size of a message ID in bytes.
const MessageIDLen = 32

// MessageID uniquely identifies a message across the network.
type MessageID [MessageIDLen]byte

// ComputeMessageID returns the ID of the message published by origin with the
// given sequence number and payload.
func ComputeMessageID(origin peer.ID, seqno uint64, data []byte) MessageID {
	b := make([]byte, 0, peer.IDLen+8+len(data))
	b = append(b, origin[:]...)
	b = binary.BigEndian.AppendUint64(b, seqno)
	b = append(b, data...)
	return MessageID(blake3.Sum256(b))
}

func (id MessageID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns a truncated form of the ID for logging.
func (id MessageID) ShortString() string {
	return hex.EncodeToString(id[:6])
}

// Message is a published message. Once created a message must not be
// modified.
type Message struct {
	ID    MessageID
	Topic string
	Data  []byte
	// From is the peer that originally published the message.
	From  peer.ID
	Seqno uint64
}

// NewMessage creates a message, deriving its ID from the other fields.
func NewMessage(from peer.ID, seqno uint64, topic string, data []byte) *Message {
	return &Message{
		ID:    ComputeMessageID(from, seqno, data),
		Topic: topic,
		Data:  data,
		From:  from,
		Seqno: seqno,
	}
}

func (m *Message) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("id", m.ID.ShortString())
	e.AddString("topic", m.Topic)
	e.AddString("from", m.From.ShortString())
	e.AddUint64("seqno", m.Seqno)
	e.AddInt("size", len(m.Data))
	return nil
}
