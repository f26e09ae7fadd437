package internal

import (
	"encoding/binary"
	"fmt"

	"github.com/andydunstall/meshsub/peer"
	"google.golang.org/protobuf/encoding/protowire"
)

// RPCs use the protobuf wire format, with field numbers matching the
// gossipsub rpc.proto definitions.
const (
	rpcFieldSubscriptions protowire.Number = 1
	rpcFieldPublish       protowire.Number = 2
	rpcFieldControl       protowire.Number = 3

	subOptFieldSubscribe protowire.Number = 1
	subOptFieldTopic     protowire.Number = 2

	messageFieldFrom  protowire.Number = 1
	messageFieldData  protowire.Number = 2
	messageFieldSeqno protowire.Number = 3
	messageFieldTopic protowire.Number = 4

	controlFieldIHave protowire.Number = 1
	controlFieldIWant protowire.Number = 2
	controlFieldPrune protowire.Number = 4

	ihaveFieldTopic protowire.Number = 1
	ihaveFieldIDs   protowire.Number = 2

	iwantFieldIDs protowire.Number = 1

	pruneFieldTopic protowire.Number = 1

	seqnoLen = 8
)

func EncodeRPC(r *RPC) []byte {
	var b []byte
	for _, sub := range r.Subscriptions {
		b = protowire.AppendTag(b, rpcFieldSubscriptions, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeSubOpt(sub))
	}
	for _, m := range r.Publish {
		b = protowire.AppendTag(b, rpcFieldPublish, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMessage(m))
	}
	if r.Control != nil && !r.Control.Empty() {
		b = protowire.AppendTag(b, rpcFieldControl, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeControl(r.Control))
	}
	return b
}

func encodeSubOpt(sub SubOpt) []byte {
	var b []byte
	b = protowire.AppendTag(b, subOptFieldSubscribe, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(sub.Subscribe))
	b = protowire.AppendTag(b, subOptFieldTopic, protowire.BytesType)
	b = protowire.AppendString(b, sub.Topic)
	return b
}

func encodeMessage(m *Message) []byte {
	var b []byte
	b = protowire.AppendTag(b, messageFieldFrom, protowire.BytesType)
	b = protowire.AppendBytes(b, m.From[:])
	b = protowire.AppendTag(b, messageFieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Data)
	b = protowire.AppendTag(b, messageFieldSeqno, protowire.BytesType)
	b = protowire.AppendBytes(b, binary.BigEndian.AppendUint64(nil, m.Seqno))
	b = protowire.AppendTag(b, messageFieldTopic, protowire.BytesType)
	b = protowire.AppendString(b, m.Topic)
	return b
}

func encodeControl(c *Control) []byte {
	var b []byte
	for _, ihave := range c.IHave {
		var sub []byte
		sub = protowire.AppendTag(sub, ihaveFieldTopic, protowire.BytesType)
		sub = protowire.AppendString(sub, ihave.Topic)
		for _, id := range ihave.IDs {
			sub = protowire.AppendTag(sub, ihaveFieldIDs, protowire.BytesType)
			sub = protowire.AppendBytes(sub, id[:])
		}
		b = protowire.AppendTag(b, controlFieldIHave, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	for _, iwant := range c.IWant {
		var sub []byte
		for _, id := range iwant.IDs {
			sub = protowire.AppendTag(sub, iwantFieldIDs, protowire.BytesType)
			sub = protowire.AppendBytes(sub, id[:])
		}
		b = protowire.AppendTag(b, controlFieldIWant, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	for _, prune := range c.Prune {
		var sub []byte
		sub = protowire.AppendTag(sub, pruneFieldTopic, protowire.BytesType)
		sub = protowire.AppendString(sub, prune.Topic)
		b = protowire.AppendTag(b, controlFieldPrune, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return b
}

// DecodeRPC decodes an RPC from b. The IDs of published messages are
// recomputed from their fields rather than trusted from the sender.
func DecodeRPC(b []byte) (*RPC, error) {
	r := &RPC{}
	err := decodeFields(b, func(f field) error {
		switch f.num {
		case rpcFieldSubscriptions:
			if f.typ != protowire.BytesType {
				return fmt.Errorf("subscriptions: unexpected wire type %d", f.typ)
			}
			sub, err := decodeSubOpt(f.bytes)
			if err != nil {
				return err
			}
			r.Subscriptions = append(r.Subscriptions, sub)
		case rpcFieldPublish:
			if f.typ != protowire.BytesType {
				return fmt.Errorf("publish: unexpected wire type %d", f.typ)
			}
			m, err := decodeMessage(f.bytes)
			if err != nil {
				return err
			}
			r.Publish = append(r.Publish, m)
		case rpcFieldControl:
			if f.typ != protowire.BytesType {
				return fmt.Errorf("control: unexpected wire type %d", f.typ)
			}
			c, err := decodeControl(f.bytes)
			if err != nil {
				return err
			}
			r.Control = c
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode rpc: %w", err)
	}
	return r, nil
}

func decodeSubOpt(b []byte) (SubOpt, error) {
	var sub SubOpt
	err := decodeFields(b, func(f field) error {
		switch {
		case f.num == subOptFieldSubscribe && f.typ == protowire.VarintType:
			sub.Subscribe = protowire.DecodeBool(f.varint)
		case f.num == subOptFieldTopic && f.typ == protowire.BytesType:
			sub.Topic = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return sub, err
	}
	if sub.Topic == "" {
		return sub, fmt.Errorf("subscription: missing topic")
	}
	return sub, nil
}

func decodeMessage(b []byte) (*Message, error) {
	var (
		from     peer.ID
		hasFrom  bool
		seqno    uint64
		hasSeqno bool
		topic    string
		data     []byte
	)
	err := decodeFields(b, func(f field) error {
		if f.typ != protowire.BytesType {
			return nil
		}
		switch f.num {
		case messageFieldFrom:
			id, err := peer.FromBytes(f.bytes)
			if err != nil {
				return fmt.Errorf("message: %w", err)
			}
			from = id
			hasFrom = true
		case messageFieldData:
			data = make([]byte, len(f.bytes))
			copy(data, f.bytes)
		case messageFieldSeqno:
			if len(f.bytes) != seqnoLen {
				return fmt.Errorf("message: invalid seqno length %d", len(f.bytes))
			}
			seqno = binary.BigEndian.Uint64(f.bytes)
			hasSeqno = true
		case messageFieldTopic:
			topic = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !hasFrom {
		return nil, fmt.Errorf("message: missing from")
	}
	if !hasSeqno {
		return nil, fmt.Errorf("message: missing seqno")
	}
	if topic == "" {
		return nil, fmt.Errorf("message: missing topic")
	}
	if data == nil {
		data = []byte{}
	}
	return NewMessage(from, seqno, topic, data), nil
}

func decodeControl(b []byte) (*Control, error) {
	c := &Control{}
	err := decodeFields(b, func(f field) error {
		if f.typ != protowire.BytesType {
			return nil
		}
		switch f.num {
		case controlFieldIHave:
			ihave, err := decodeIHave(f.bytes)
			if err != nil {
				return err
			}
			c.IHave = append(c.IHave, ihave)
		case controlFieldIWant:
			ids, err := decodeMessageIDs(f.bytes, iwantFieldIDs)
			if err != nil {
				return fmt.Errorf("iwant: %w", err)
			}
			c.IWant = append(c.IWant, IWant{IDs: ids})
		case controlFieldPrune:
			var prune Prune
			err := decodeFields(f.bytes, func(f field) error {
				if f.num == pruneFieldTopic && f.typ == protowire.BytesType {
					prune.Topic = string(f.bytes)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("prune: %w", err)
			}
			c.Prune = append(c.Prune, prune)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func decodeIHave(b []byte) (IHave, error) {
	var ihave IHave
	err := decodeFields(b, func(f field) error {
		if f.num == ihaveFieldTopic && f.typ == protowire.BytesType {
			ihave.Topic = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return ihave, fmt.Errorf("ihave: %w", err)
	}
	ids, err := decodeMessageIDs(b, ihaveFieldIDs)
	if err != nil {
		return ihave, fmt.Errorf("ihave: %w", err)
	}
	ihave.IDs = ids
	return ihave, nil
}

func decodeMessageIDs(b []byte, num protowire.Number) ([]MessageID, error) {
	var ids []MessageID
	err := decodeFields(b, func(f field) error {
		if f.num != num || f.typ != protowire.BytesType {
			return nil
		}
		if len(f.bytes) != MessageIDLen {
			return fmt.Errorf("invalid message id length %d", len(f.bytes))
		}
		var id MessageID
		copy(id[:], f.bytes)
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

type field struct {
	num    protowire.Number
	typ    protowire.Type
	bytes  []byte
	varint uint64
}

// decodeFields invokes fn with each top level field in b. Fields with wire
// types other than varint and bytes are skipped.
func decodeFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.BytesType && typ != protowire.VarintType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
