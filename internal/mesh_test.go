package internal

import (
	"testing"

	"github.com/andydunstall/meshsub/peer"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeRanker struct {
	scores map[peer.ID]float64
	seqs   map[peer.ID]uint64
}

func newFakeRanker() *fakeRanker {
	return &fakeRanker{
		scores: make(map[peer.ID]float64),
		seqs:   make(map[peer.ID]uint64),
	}
}

// addPeers adds n peers with the given score, joining after all existing
// peers.
func (r *fakeRanker) addPeers(n int, score float64) []peer.ID {
	var ids []peer.ID
	for i := 0; i != n; i++ {
		id := peer.New()
		r.scores[id] = score
		r.seqs[id] = uint64(len(r.seqs) + 1)
		ids = append(ids, id)
	}
	return ids
}

func (r *fakeRanker) Score(id peer.ID) float64 {
	return r.scores[id]
}

func (r *fakeRanker) JoinSeq(id peer.ID) uint64 {
	return r.seqs[id]
}

func TestTopicMeshManager_HeartbeatFillsToD(t *testing.T) {
	m := NewTopicMeshManager(MeshParams{D: 4, Dlo: 3, Dhi: 8}, zap.NewNop())
	r := newFakeRanker()
	peers := r.addPeers(5, 0)

	m.Subscribe("demo")
	grafted, pruned := m.OnHeartbeat("demo", peers, r)

	// All scores tie so the earliest joined peers are selected.
	assert.Equal(t, peers[:4], grafted)
	assert.Empty(t, pruned)
	assert.Equal(t, peers[:4], m.MeshPeers("demo"))
}

func TestTopicMeshManager_HeartbeatPrefersHigherScore(t *testing.T) {
	m := NewTopicMeshManager(MeshParams{D: 4, Dlo: 3, Dhi: 8}, zap.NewNop())
	r := newFakeRanker()
	low := r.addPeers(3, 1)
	high := r.addPeers(2, 10)

	m.Subscribe("demo")
	candidates := append(append([]peer.ID{}, low...), high...)
	m.OnHeartbeat("demo", candidates, r)

	// Both high scoring peers, then the two earliest low scoring peers,
	// returned in join order.
	assert.Equal(t, []peer.ID{low[0], low[1], high[0], high[1]}, m.MeshPeers("demo"))
}

func TestTopicMeshManager_HeartbeatNoCandidates(t *testing.T) {
	m := NewTopicMeshManager(MeshParams{D: 6, Dlo: 4, Dhi: 12}, zap.NewNop())

	m.Subscribe("demo")
	grafted, pruned := m.OnHeartbeat("demo", nil, newFakeRanker())
	assert.Empty(t, grafted)
	assert.Empty(t, pruned)
	assert.Empty(t, m.MeshPeers("demo"))
}

func TestTopicMeshManager_HeartbeatWithinBoundsUnchanged(t *testing.T) {
	m := NewTopicMeshManager(MeshParams{D: 4, Dlo: 2, Dhi: 8}, zap.NewNop())
	r := newFakeRanker()
	peers := r.addPeers(3, 0)

	m.Subscribe("demo")
	m.OnHeartbeat("demo", peers[:2], r)
	assert.Equal(t, peers[:2], m.MeshPeers("demo"))

	// Size 2 is not below Dlo so no peers are added.
	grafted, pruned := m.OnHeartbeat("demo", peers, r)
	assert.Empty(t, grafted)
	assert.Empty(t, pruned)
	assert.Equal(t, peers[:2], m.MeshPeers("demo"))
}

func TestTopicMeshManager_HeartbeatEvictsAboveDhi(t *testing.T) {
	m := NewTopicMeshManager(MeshParams{D: 3, Dlo: 2, Dhi: 4}, zap.NewNop())
	r := newFakeRanker()
	peers := r.addPeers(6, 5)

	m.Subscribe("demo")
	// Grow the mesh beyond Dhi by temporarily raising the bounds.
	m.params.D = 6
	m.params.Dlo = 6
	m.params.Dhi = 6
	m.OnHeartbeat("demo", peers, r)
	assert.Equal(t, 6, len(m.MeshPeers("demo")))

	m.params = MeshParams{D: 3, Dlo: 2, Dhi: 4}
	// Lower the score of the last peer so it is evicted first.
	r.scores[peers[5]] = 1

	_, pruned := m.OnHeartbeat("demo", peers, r)
	// The lowest score is removed first, then ties evict the earliest joined.
	assert.Equal(t, []peer.ID{peers[0], peers[1], peers[5]}, pruned)
	assert.Equal(t, []peer.ID{peers[2], peers[3], peers[4]}, m.MeshPeers("demo"))
}

func TestTopicMeshManager_HeartbeatBoundedByDhi(t *testing.T) {
	params := MeshParams{D: 6, Dlo: 4, Dhi: 12}
	m := NewTopicMeshManager(params, zap.NewNop())
	r := newFakeRanker()
	peers := r.addPeers(50, 0)

	m.Subscribe("demo")
	for i := 0; i != 10; i++ {
		m.OnHeartbeat("demo", peers, r)
		size := len(m.MeshPeers("demo"))
		assert.LessOrEqual(t, size, params.Dhi)
		assert.GreaterOrEqual(t, size, params.Dlo)
	}
}

func TestTopicMeshManager_HeartbeatDropsNonCandidates(t *testing.T) {
	m := NewTopicMeshManager(MeshParams{D: 3, Dlo: 2, Dhi: 6}, zap.NewNop())
	r := newFakeRanker()
	peers := r.addPeers(4, 0)

	m.Subscribe("demo")
	m.OnHeartbeat("demo", peers, r)
	assert.Equal(t, peers[:3], m.MeshPeers("demo"))

	// peers[0] and peers[1] are no longer candidates, so are dropped and the
	// mesh is refilled from the remaining candidates.
	grafted, pruned := m.OnHeartbeat("demo", peers[2:], r)
	assert.Equal(t, peers[:2], pruned)
	assert.Equal(t, []peer.ID{peers[3]}, grafted)
	assert.Equal(t, peers[2:], m.MeshPeers("demo"))
}

func TestTopicMeshManager_HeartbeatDropsNegativeScore(t *testing.T) {
	m := NewTopicMeshManager(MeshParams{D: 2, Dlo: 1, Dhi: 4}, zap.NewNop())
	r := newFakeRanker()
	peers := r.addPeers(3, 0)

	m.Subscribe("demo")
	m.OnHeartbeat("demo", peers, r)
	assert.Equal(t, peers[:2], m.MeshPeers("demo"))

	r.scores[peers[0]] = -1
	_, pruned := m.OnHeartbeat("demo", peers, r)
	assert.Equal(t, []peer.ID{peers[0]}, pruned)
	// Size 1 is not below Dlo so the mesh isn't refilled.
	assert.Equal(t, []peer.ID{peers[1]}, m.MeshPeers("demo"))
}

func TestTopicMeshManager_Unsubscribe(t *testing.T) {
	m := NewTopicMeshManager(MeshParams{D: 4, Dlo: 3, Dhi: 8}, zap.NewNop())
	r := newFakeRanker()
	peers := r.addPeers(3, 0)

	assert.True(t, m.Subscribe("demo"))
	assert.False(t, m.Subscribe("demo"))
	m.OnHeartbeat("demo", peers, r)

	prior := m.Unsubscribe("demo")
	assert.Equal(t, peers, prior)
	assert.False(t, m.IsSubscribed("demo"))
	assert.Empty(t, m.MeshPeers("demo"))

	// Unsubscribing again is a no-op.
	assert.Empty(t, m.Unsubscribe("demo"))

	// Heartbeat on an unsubscribed topic does nothing.
	grafted, pruned := m.OnHeartbeat("demo", peers, r)
	assert.Empty(t, grafted)
	assert.Empty(t, pruned)
}

func TestTopicMeshManager_RemovePeer(t *testing.T) {
	m := NewTopicMeshManager(MeshParams{D: 4, Dlo: 3, Dhi: 8}, zap.NewNop())
	r := newFakeRanker()
	peers := r.addPeers(3, 0)

	m.Subscribe("foo")
	m.Subscribe("bar")
	m.OnHeartbeat("foo", peers, r)
	m.OnHeartbeat("bar", peers[:1], r)

	assert.Equal(t, []string{"bar", "foo"}, m.RemovePeer(peers[0]))
	assert.False(t, m.InMesh("foo", peers[0]))
	assert.Equal(t, peers[1:], m.MeshPeers("foo"))
	assert.Empty(t, m.MeshPeers("bar"))

	assert.Equal(t, []string{"bar", "foo"}, m.Topics())
}

func TestTopicMeshManager_HeartbeatIgnoresExplicitPeers(t *testing.T) {
	m := NewTopicMeshManager(MeshParams{D: 3, Dlo: 2, Dhi: 6}, zap.NewNop())
	r := newFakeRanker()
	peers := r.addPeers(4, 0)
	// The explicit peer has the best score but must still not be grafted.
	r.scores[peers[0]] = 10
	m.AddExplicitPeer(peers[0])
	assert.True(t, m.IsExplicit(peers[0]))
	assert.False(t, m.IsExplicit(peers[1]))

	m.Subscribe("demo")
	grafted, pruned := m.OnHeartbeat("demo", peers, r)
	assert.Equal(t, peers[1:], grafted)
	assert.Empty(t, pruned)
	assert.False(t, m.InMesh("demo", peers[0]))

	// A negative score would prune a mesh member, but the explicit peer is
	// left alone.
	r.scores[peers[0]] = -10
	grafted, pruned = m.OnHeartbeat("demo", peers, r)
	assert.Empty(t, grafted)
	assert.Empty(t, pruned)
	assert.Equal(t, peers[1:], m.MeshPeers("demo"))
}

func TestTopicMeshManager_AddExplicitPeerLeavesMesh(t *testing.T) {
	m := NewTopicMeshManager(MeshParams{D: 4, Dlo: 3, Dhi: 8}, zap.NewNop())
	r := newFakeRanker()
	peers := r.addPeers(3, 0)

	m.Subscribe("foo")
	m.Subscribe("bar")
	m.OnHeartbeat("foo", peers, r)
	m.OnHeartbeat("bar", peers[1:], r)

	assert.Equal(t, []string{"foo"}, m.AddExplicitPeer(peers[0]))
	assert.Equal(t, peers[1:], m.MeshPeers("foo"))

	// Explicit peers stay explicit after leaving the mesh, so aren't
	// grafted back on the next heartbeat.
	grafted, _ := m.OnHeartbeat("foo", peers, r)
	assert.Empty(t, grafted)
	assert.Equal(t, peers[1:], m.MeshPeers("foo"))
}
