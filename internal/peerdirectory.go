package internal

import (
	"sort"

	"github.com/andydunstall/meshsub/peer"
	"go.uber.org/zap"
)

type peerEntry struct {
	addr string
	// joinSeq orders peers by when they connected. Lower values connected
	// first.
	joinSeq uint64
	// topics contains the topics the peer has announced it subscribes to.
	topics map[string]struct{}
}

// PeerDirectory contains this nodes view of the connected peers.
//
// Note this is not thread safe. It is owned by the engine loop.
type PeerDirectory struct {
	peers   map[peer.ID]*peerEntry
	nextSeq uint64
	logger  *zap.Logger
}

func NewPeerDirectory(logger *zap.Logger) *PeerDirectory {
	return &PeerDirectory{
		peers:  make(map[peer.ID]*peerEntry),
		logger: logger,
	}
}

// AddPeer adds a connected peer. If the peer is already known only its
// address is updated, so it keeps its join order.
func (d *PeerDirectory) AddPeer(id peer.ID, addr string) {
	if e, ok := d.peers[id]; ok {
		e.addr = addr
		return
	}

	d.logger.Debug(
		"add peer",
		zap.String("peer", id.ShortString()),
		zap.String("addr", addr),
	)

	d.nextSeq++
	d.peers[id] = &peerEntry{
		addr:    addr,
		joinSeq: d.nextSeq,
		topics:  make(map[string]struct{}),
	}
}

// RemovePeer removes the peer and all state associated with it. Removing an
// unknown peer is a no-op.
func (d *PeerDirectory) RemovePeer(id peer.ID) {
	if _, ok := d.peers[id]; !ok {
		return
	}

	d.logger.Debug("remove peer", zap.String("peer", id.ShortString()))

	delete(d.peers, id)
}

func (d *PeerDirectory) IsConnected(id peer.ID) bool {
	_, ok := d.peers[id]
	return ok
}

// ListConnected returns the connected peers ordered by join order.
func (d *PeerDirectory) ListConnected() []peer.ID {
	ids := make([]peer.ID, 0, len(d.peers))
	for id := range d.peers {
		ids = append(ids, id)
	}
	d.sortByJoinSeq(ids)
	return ids
}

func (d *PeerDirectory) Len() int {
	return len(d.peers)
}

func (d *PeerDirectory) Addr(id peer.ID) (string, bool) {
	if e, ok := d.peers[id]; ok {
		return e.addr, true
	}
	return "", false
}

// JoinSeq returns the peers join order, or 0 if the peer is unknown.
func (d *PeerDirectory) JoinSeq(id peer.ID) uint64 {
	if e, ok := d.peers[id]; ok {
		return e.joinSeq
	}
	return 0
}

// SetSubscribed records whether the peer subscribes to the topic. It returns
// true if this changed the peers subscriptions.
func (d *PeerDirectory) SetSubscribed(id peer.ID, topic string, subscribed bool) bool {
	e, ok := d.peers[id]
	if !ok {
		return false
	}

	_, wasSubscribed := e.topics[topic]
	if subscribed {
		e.topics[topic] = struct{}{}
	} else {
		delete(e.topics, topic)
	}
	return wasSubscribed != subscribed
}

func (d *PeerDirectory) IsSubscribed(id peer.ID, topic string) bool {
	e, ok := d.peers[id]
	if !ok {
		return false
	}
	_, ok = e.topics[topic]
	return ok
}

// Subscribers returns the connected peers subscribed to the topic ordered
// by join order.
func (d *PeerDirectory) Subscribers(topic string) []peer.ID {
	var ids []peer.ID
	for id, e := range d.peers {
		if _, ok := e.topics[topic]; ok {
			ids = append(ids, id)
		}
	}
	d.sortByJoinSeq(ids)
	return ids
}

// Topics returns the topics the peer subscribes to in sorted order.
func (d *PeerDirectory) Topics(id peer.ID) []string {
	e, ok := d.peers[id]
	if !ok {
		return nil
	}
	topics := make([]string, 0, len(e.topics))
	for topic := range e.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (d *PeerDirectory) sortByJoinSeq(ids []peer.ID) {
	sort.Slice(ids, func(i, j int) bool {
		return d.JoinSeq(ids[i]) < d.JoinSeq(ids[j])
	})
}
