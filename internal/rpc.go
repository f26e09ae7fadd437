package internal

import (
	"go.uber.org/zap/zapcore"
)

// SubOpt announces that the sender subscribed to or unsubscribed from a
// topic.
type SubOpt struct {
	Subscribe bool
	Topic     string
}

// IHave announces the IDs of messages the sender holds for a topic.
type IHave struct {
	Topic string
	IDs   []MessageID
}

// IWant requests the full messages with the given IDs.
type IWant struct {
	IDs []MessageID
}

// Prune notifies a peer that it was removed from the senders mesh for a
// topic.
type Prune struct {
	Topic string
}

type Control struct {
	IHave []IHave
	IWant []IWant
	Prune []Prune
}

func (c *Control) Empty() bool {
	return len(c.IHave) == 0 && len(c.IWant) == 0 && len(c.Prune) == 0
}

// RPC is the unit of exchange between peers. Each transport packet carries
// one RPC.
type RPC struct {
	Subscriptions []SubOpt
	Publish       []*Message
	Control       *Control
}

func (r *RPC) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddInt("subscriptions", len(r.Subscriptions))
	e.AddInt("publish", len(r.Publish))
	if r.Control != nil {
		e.AddInt("ihave", len(r.Control.IHave))
		e.AddInt("iwant", len(r.Control.IWant))
		e.AddInt("prune", len(r.Control.Prune))
	}
	return nil
}
