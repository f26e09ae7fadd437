package internal

import (
	"sort"

	"github.com/andydunstall/meshsub/peer"
	"go.uber.org/zap"
)

// MeshParams configures the mesh degree bounds.
type MeshParams struct {
	// D is the target number of peers in each topic mesh.
	D int
	// Dlo is the low-water mark. If a mesh has fewer than Dlo peers, peers
	// are added until it has D.
	Dlo int
	// Dhi is the high-water mark. If a mesh has more than Dhi peers, peers
	// are removed until it has D.
	Dhi int
}

// PeerRanker provides the ordering used to select mesh peers.
type PeerRanker interface {
	Score(id peer.ID) float64
	JoinSeq(id peer.ID) uint64
}

// TopicMeshManager maintains the mesh for each subscribed topic, which is
// the set of peers messages are eagerly forwarded to.
//
// Mesh membership only changes on heartbeat, subscribe, unsubscribe, or
// when a peer disconnects.
//
// Note this is not thread safe. It is owned by the engine loop.
type TopicMeshManager struct {
	params MeshParams
	// meshes maps each subscribed topic to its mesh peers, along with each
	// peers join sequence used for ordering.
	meshes map[string]map[peer.ID]uint64
	// explicit contains peers that are never mesh members. This outlives
	// the peers connection.
	explicit map[peer.ID]struct{}
	logger   *zap.Logger
}

func NewTopicMeshManager(params MeshParams, logger *zap.Logger) *TopicMeshManager {
	return &TopicMeshManager{
		params: params,
		meshes:   make(map[string]map[peer.ID]uint64),
		explicit: make(map[peer.ID]struct{}),
		logger:   logger,
	}
}

// Subscribe creates an empty mesh for the topic. Returns false if already
// subscribed.
func (m *TopicMeshManager) Subscribe(topic string) bool {
	if _, ok := m.meshes[topic]; ok {
		return false
	}

	m.logger.Debug("subscribe", zap.String("topic", topic))

	m.meshes[topic] = make(map[peer.ID]uint64)
	return true
}

// Unsubscribe removes the mesh for the topic, returning its prior members
// so they can be notified.
func (m *TopicMeshManager) Unsubscribe(topic string) []peer.ID {
	mesh, ok := m.meshes[topic]
	if !ok {
		return nil
	}

	m.logger.Debug("unsubscribe", zap.String("topic", topic))

	prior := sortedMeshPeers(mesh)
	delete(m.meshes, topic)
	return prior
}

func (m *TopicMeshManager) IsSubscribed(topic string) bool {
	_, ok := m.meshes[topic]
	return ok
}

// Topics returns the subscribed topics in sorted order.
func (m *TopicMeshManager) Topics() []string {
	topics := make([]string, 0, len(m.meshes))
	for topic := range m.meshes {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// MeshPeers returns the mesh peers for the topic ordered by join order.
func (m *TopicMeshManager) MeshPeers(topic string) []peer.ID {
	mesh, ok := m.meshes[topic]
	if !ok {
		return nil
	}
	return sortedMeshPeers(mesh)
}

func (m *TopicMeshManager) InMesh(topic string, id peer.ID) bool {
	mesh, ok := m.meshes[topic]
	if !ok {
		return false
	}
	_, ok = mesh[id]
	return ok
}

// RemovePeer removes the peer from all meshes, returning the topics it was
// removed from in sorted order.
func (m *TopicMeshManager) RemovePeer(id peer.ID) []string {
	var topics []string
	for topic, mesh := range m.meshes {
		if _, ok := mesh[id]; ok {
			delete(mesh, id)
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics
}

// AddExplicitPeer marks the peer as explicit so it is never grafted into a
// mesh. Returns the topics whose mesh the peer was removed from.
func (m *TopicMeshManager) AddExplicitPeer(id peer.ID) []string {
	m.explicit[id] = struct{}{}
	return m.RemovePeer(id)
}

func (m *TopicMeshManager) IsExplicit(id peer.ID) bool {
	_, ok := m.explicit[id]
	return ok
}

// OnHeartbeat rebalances the mesh for the topic given the candidate peers
// (the connected peers subscribed to the topic).
//
// Explicit peers are ignored. Members that are no longer candidates, or have
// a negative score, are removed. If the mesh has fewer than Dlo peers it is filled up to D with the
// highest scoring candidates, ties broken by earliest join. If it has more
// than Dhi peers it is reduced to D by removing the lowest scoring peers,
// ties broken by removing the earliest joined first.
//
// Returns the grafted and pruned peers ordered by join order.
func (m *TopicMeshManager) OnHeartbeat(topic string, candidates []peer.ID, ranker PeerRanker) ([]peer.ID, []peer.ID) {
	mesh, ok := m.meshes[topic]
	if !ok {
		return nil, nil
	}

	scores := make(map[peer.ID]float64, len(candidates))
	eligible := make([]peer.ID, 0, len(candidates))
	for _, id := range candidates {
		if m.IsExplicit(id) {
			continue
		}
		scores[id] = ranker.Score(id)
		eligible = append(eligible, id)
	}

	var grafted, pruned []peer.ID

	for id := range mesh {
		score, isCandidate := scores[id]
		if !isCandidate || score < 0 {
			delete(mesh, id)
			pruned = append(pruned, id)
		}
	}

	if len(mesh) < m.params.Dlo {
		var available []peer.ID
		for _, id := range eligible {
			if _, ok := mesh[id]; ok {
				continue
			}
			if scores[id] < 0 {
				continue
			}
			available = append(available, id)
		}
		sort.SliceStable(available, func(i, j int) bool {
			si, sj := scores[available[i]], scores[available[j]]
			if si != sj {
				return si > sj
			}
			return ranker.JoinSeq(available[i]) < ranker.JoinSeq(available[j])
		})

		for _, id := range available {
			if len(mesh) >= m.params.D {
				break
			}
			mesh[id] = ranker.JoinSeq(id)
			grafted = append(grafted, id)
		}
	}

	if len(mesh) > m.params.Dhi {
		members := make([]peer.ID, 0, len(mesh))
		for id := range mesh {
			members = append(members, id)
		}
		sort.Slice(members, func(i, j int) bool {
			si, sj := scores[members[i]], scores[members[j]]
			if si != sj {
				return si < sj
			}
			return mesh[members[i]] < mesh[members[j]]
		})

		for _, id := range members[:len(members)-m.params.D] {
			delete(mesh, id)
			pruned = append(pruned, id)
		}
	}

	sortByJoinSeq(grafted, ranker)
	sortByJoinSeq(pruned, ranker)

	if len(grafted) > 0 || len(pruned) > 0 {
		m.logger.Debug(
			"mesh rebalanced",
			zap.String("topic", topic),
			zap.Int("grafted", len(grafted)),
			zap.Int("pruned", len(pruned)),
			zap.Int("size", len(mesh)),
		)
	}

	return grafted, pruned
}

func sortedMeshPeers(mesh map[peer.ID]uint64) []peer.ID {
	ids := make([]peer.ID, 0, len(mesh))
	for id := range mesh {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return mesh[ids[i]] < mesh[ids[j]]
	})
	return ids
}

func sortByJoinSeq(ids []peer.ID, ranker PeerRanker) {
	sort.Slice(ids, func(i, j int) bool {
		return ranker.JoinSeq(ids[i]) < ranker.JoinSeq(ids[j])
	})
}
