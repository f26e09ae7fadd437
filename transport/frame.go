package transport

import (
	"bufio"
	"fmt"
	"io"

	"github.com/andydunstall/meshsub/peer"
	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// MaxFrameSize is the maximum size of a single frame on a stream.
	MaxFrameSize = 4 << 20

	helloFieldID   protowire.Number = 1
	helloFieldAddr protowire.Number = 2
)

// writeFrame writes b to w prefixed with its uvarint encoded length.
func writeFrame(w io.Writer, b []byte) error {
	if len(b) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(b))
	}
	frame := varint.ToUvarint(uint64(len(b)))
	frame = append(frame, b...)
	_, err := w.Write(frame)
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// hello is the first frame sent on each stream, identifying the sender.
type hello struct {
	ID   peer.ID
	Addr string
}

func encodeHello(h hello) []byte {
	var b []byte
	b = protowire.AppendTag(b, helloFieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, h.ID[:])
	b = protowire.AppendTag(b, helloFieldAddr, protowire.BytesType)
	b = protowire.AppendString(b, h.Addr)
	return b
}

func decodeHello(b []byte) (hello, error) {
	var h hello
	var hasID bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return h, fmt.Errorf("invalid hello: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == helloFieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return h, fmt.Errorf("invalid hello: %w", protowire.ParseError(n))
			}
			id, err := peer.FromBytes(v)
			if err != nil {
				return h, fmt.Errorf("invalid hello: %w", err)
			}
			h.ID = id
			hasID = true
			b = b[n:]
		case num == helloFieldAddr && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return h, fmt.Errorf("invalid hello: %w", protowire.ParseError(n))
			}
			h.Addr = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return h, fmt.Errorf("invalid hello: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !hasID {
		return h, fmt.Errorf("invalid hello: missing peer id")
	}
	return h, nil
}
