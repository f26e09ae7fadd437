package internal

import (
	"time"

	"github.com/andydunstall/meshsub/peer"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ForwardKind int

const (
	// ForwardMessage sends the full message.
	ForwardMessage ForwardKind = iota + 1
	// ForwardIHave announces message IDs the local node holds.
	ForwardIHave
	// ForwardIWant requests messages announced by the peer.
	ForwardIWant
)

func (k ForwardKind) String() string {
	switch k {
	case ForwardMessage:
		return "message"
	case ForwardIHave:
		return "ihave"
	case ForwardIWant:
		return "iwant"
	default:
		return "unknown"
	}
}

// Forward is a single send in a ForwardPlan.
type Forward struct {
	Peer peer.ID
	Kind ForwardKind
	// Message is set when Kind is ForwardMessage.
	Message *Message
	// Topic is set when Kind is ForwardIHave.
	Topic string
	// IDs is set when Kind is ForwardIHave or ForwardIWant.
	IDs []MessageID
}

// RPC returns the RPC to send to the peer.
func (f Forward) RPC() *RPC {
	switch f.Kind {
	case ForwardMessage:
		return &RPC{Publish: []*Message{f.Message}}
	case ForwardIHave:
		return &RPC{Control: &Control{
			IHave: []IHave{{Topic: f.Topic, IDs: f.IDs}},
		}}
	case ForwardIWant:
		return &RPC{Control: &Control{
			IWant: []IWant{{IDs: f.IDs}},
		}}
	}
	return &RPC{}
}

// ForwardPlan is the set of sends computed for an event.
type ForwardPlan []Forward

// Peers returns the peers with a forward of the given kind, in plan order.
func (p ForwardPlan) Peers(kind ForwardKind) []peer.ID {
	var ids []peer.ID
	for _, f := range p {
		if f.Kind == kind {
			ids = append(ids, f.Peer)
		}
	}
	return ids
}

type DisseminatorConfig struct {
	// MaxIHaveLength is the maximum number of IDs requested in response to a
	// single IHAVE.
	MaxIHaveLength int
	// IWantRate and IWantBurst limit the number of messages served to each
	// peer in response to IWANT.
	IWantRate  rate.Limit
	IWantBurst int
}

// Disseminator decides where messages are sent. Published and newly
// received messages are sent in full to the topic mesh peers and explicit
// peers, and announced with IHAVE to the other connected subscribers, which
// can pull the message with IWANT.
//
// Note this is not thread safe. It is owned by the engine loop.
type Disseminator struct {
	localID   peer.ID
	directory *PeerDirectory
	mesh      *TopicMeshManager
	seen      *SeenCache
	store     *MessageStore
	conf      DisseminatorConfig
	limiters  map[peer.ID]*rate.Limiter
	logger    *zap.Logger
}

func NewDisseminator(
	localID peer.ID,
	directory *PeerDirectory,
	mesh *TopicMeshManager,
	seen *SeenCache,
	store *MessageStore,
	conf DisseminatorConfig,
	logger *zap.Logger,
) *Disseminator {
	return &Disseminator{
		localID:   localID,
		directory: directory,
		mesh:      mesh,
		seen:      seen,
		store:     store,
		conf:      conf,
		limiters:  make(map[peer.ID]*rate.Limiter),
		logger:    logger,
	}
}

// OnPublish records a locally published message and returns the plan to
// send it to the topic mesh.
func (d *Disseminator) OnPublish(m *Message, now time.Time) ForwardPlan {
	d.seen.Record(m.ID, now)
	d.store.Put(m)
	return d.plan(m, d.localID)
}

// OnReceive handles a message received from a peer. If the message was
// already seen it returns false and an empty plan. Otherwise it records the
// message and returns true along with the plan to forward it, which never
// includes the peer it was received from or its origin.
func (d *Disseminator) OnReceive(m *Message, from peer.ID, now time.Time) (ForwardPlan, bool) {
	if d.seen.Seen(m.ID) {
		return nil, false
	}
	d.seen.Record(m.ID, now)

	// Only relay messages for topics we subscribe to.
	if !d.mesh.IsSubscribed(m.Topic) {
		return nil, true
	}

	d.store.Put(m)
	return d.plan(m, from, m.From), true
}

// OnIHave returns an IWANT requesting the announced messages that haven't
// been seen.
func (d *Disseminator) OnIHave(from peer.ID, ihave IHave) ForwardPlan {
	if !d.mesh.IsSubscribed(ihave.Topic) {
		return nil
	}

	requested := make(map[MessageID]struct{})
	var ids []MessageID
	for _, id := range ihave.IDs {
		if len(ids) >= d.conf.MaxIHaveLength {
			break
		}
		if d.seen.Seen(id) {
			continue
		}
		if _, ok := requested[id]; ok {
			continue
		}
		requested[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}

	return ForwardPlan{{
		Peer: from,
		Kind: ForwardIWant,
		IDs:  ids,
	}}
}

// OnIWant returns the requested messages that are still held, limited by the
// peers IWANT rate.
func (d *Disseminator) OnIWant(from peer.ID, iwant IWant, now time.Time) ForwardPlan {
	limiter := d.limiter(from)

	var plan ForwardPlan
	for _, id := range iwant.IDs {
		m, ok := d.store.Get(id)
		if !ok {
			continue
		}
		if !limiter.AllowN(now, 1) {
			d.logger.Warn(
				"iwant rate limited",
				zap.String("peer", from.ShortString()),
				zap.Int("requested", len(iwant.IDs)),
			)
			break
		}
		plan = append(plan, Forward{
			Peer:    from,
			Kind:    ForwardMessage,
			Message: m,
		})
	}
	return plan
}

// RemovePeer discards the peers state.
func (d *Disseminator) RemovePeer(id peer.ID) {
	delete(d.limiters, id)
}

func (d *Disseminator) plan(m *Message, exclude ...peer.ID) ForwardPlan {
	excluded := func(id peer.ID) bool {
		for _, e := range exclude {
			if id == e {
				return true
			}
		}
		return false
	}

	var plan ForwardPlan
	for _, id := range d.mesh.MeshPeers(m.Topic) {
		if excluded(id) {
			continue
		}
		plan = append(plan, Forward{
			Peer:    id,
			Kind:    ForwardMessage,
			Message: m,
		})
	}
	subscribers := d.directory.Subscribers(m.Topic)
	for _, id := range subscribers {
		if excluded(id) || !d.mesh.IsExplicit(id) {
			continue
		}
		plan = append(plan, Forward{
			Peer:    id,
			Kind:    ForwardMessage,
			Message: m,
		})
	}
	for _, id := range subscribers {
		if excluded(id) || d.mesh.IsExplicit(id) || d.mesh.InMesh(m.Topic, id) {
			continue
		}
		plan = append(plan, Forward{
			Peer:  id,
			Kind:  ForwardIHave,
			Topic: m.Topic,
			IDs:   []MessageID{m.ID},
		})
	}
	return plan
}

func (d *Disseminator) limiter(id peer.ID) *rate.Limiter {
	l, ok := d.limiters[id]
	if !ok {
		l = rate.NewLimiter(d.conf.IWantRate, d.conf.IWantBurst)
		d.limiters[id] = l
	}
	return l
}
