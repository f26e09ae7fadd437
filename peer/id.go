// Package peer contains the identity used to address nodes in the overlay.
package peer

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// IDLen is the size of an encoded peer ID in bytes.
const IDLen = 16

// ID is an opaque fixed-size peer identifier. A node generates a new ID each
// time it starts so IDs are never reused across restarts.
type ID [IDLen]byte

// New returns a random peer ID.
func New() ID {
	return ID(uuid.New())
}

// FromBytes parses an ID from its raw byte form, as sent on the wire.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLen {
		return id, fmt.Errorf("invalid peer id: expected %d bytes, got %d", IDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Decode parses an ID from its base58 string form.
func Decode(s string) (ID, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid peer id: %w", err)
	}
	return FromBytes(b)
}

func (id ID) String() string {
	return base58.Encode(id[:])
}

// ShortString returns a truncated form of the ID for logging.
func (id ID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func (id ID) Bytes() []byte {
	b := make([]byte, IDLen)
	copy(b, id[:])
	return b
}

func (id ID) IsZero() bool {
	return id == ID{}
}
