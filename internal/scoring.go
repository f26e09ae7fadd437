package internal

import (
	"time"

	"github.com/andydunstall/meshsub/peer"
)

// ScoreParams configures peer scoring. A peers score is
//
//	sum over topics of
//	  TimeInMeshWeight * min(timeInMesh / TimeInMeshQuantum, TimeInMeshCap)
//	  + FirstDeliveriesWeight * min(firstDeliveries, FirstDeliveriesCap)
//	  + InvalidMessagesWeight * invalidMessages^2
//	+ BehaviourPenaltyWeight * behaviourPenalty^2
//	+ AppScore(peer)
//
// Counters are multiplied by Decay each heartbeat and reset to zero once they
// fall below DecayToZero.
type ScoreParams struct {
	TimeInMeshWeight      float64
	TimeInMeshQuantum     time.Duration
	TimeInMeshCap         float64
	FirstDeliveriesWeight float64
	FirstDeliveriesCap    float64
	InvalidMessagesWeight float64
	// BehaviourPenaltyWeight applies to failed sends and malformed RPCs.
	BehaviourPenaltyWeight float64
	Decay                  float64
	DecayToZero            float64
	// AppScore is an optional application specific score.
	AppScore func(id peer.ID) float64
}

func DefaultScoreParams() ScoreParams {
	return ScoreParams{
		TimeInMeshWeight:       0.01,
		TimeInMeshQuantum:      time.Second,
		TimeInMeshCap:          3600,
		FirstDeliveriesWeight:  1.0,
		FirstDeliveriesCap:     100,
		InvalidMessagesWeight:  -10.0,
		BehaviourPenaltyWeight: -1.0,
		Decay:                  0.9,
		DecayToZero:            0.01,
	}
}

type topicScoreStats struct {
	inMesh          bool
	graftTime       time.Time
	firstDeliveries float64
	invalidMessages float64
}

type peerScoreStats struct {
	topics           map[string]*topicScoreStats
	behaviourPenalty float64
}

// PeerScorer tracks peer behaviour and computes peer scores, used to select
// which peers to keep in each topic mesh.
//
// Note this is not thread safe. It is owned by the engine loop.
type PeerScorer struct {
	params ScoreParams
	peers  map[peer.ID]*peerScoreStats
}

func NewPeerScorer(params ScoreParams) *PeerScorer {
	return &PeerScorer{
		params: params,
		peers:  make(map[peer.ID]*peerScoreStats),
	}
}

func (s *PeerScorer) AddPeer(id peer.ID) {
	if _, ok := s.peers[id]; ok {
		return
	}
	s.peers[id] = &peerScoreStats{
		topics: make(map[string]*topicScoreStats),
	}
}

// RemovePeer discards all stats for the peer. A reconnecting peer starts
// with a fresh score.
func (s *PeerScorer) RemovePeer(id peer.ID) {
	delete(s.peers, id)
}

func (s *PeerScorer) Graft(id peer.ID, topic string, now time.Time) {
	ts, ok := s.topicStats(id, topic)
	if !ok {
		return
	}
	ts.inMesh = true
	ts.graftTime = now
}

func (s *PeerScorer) Prune(id peer.ID, topic string) {
	ts, ok := s.topicStats(id, topic)
	if !ok {
		return
	}
	ts.inMesh = false
}

// FirstDelivery records that the peer was the first to deliver a message.
func (s *PeerScorer) FirstDelivery(id peer.ID, topic string) {
	ts, ok := s.topicStats(id, topic)
	if !ok {
		return
	}
	ts.firstDeliveries++
	if ts.firstDeliveries > s.params.FirstDeliveriesCap {
		ts.firstDeliveries = s.params.FirstDeliveriesCap
	}
}

// InvalidMessage records that the peer sent a message that failed
// validation.
func (s *PeerScorer) InvalidMessage(id peer.ID, topic string) {
	ts, ok := s.topicStats(id, topic)
	if !ok {
		return
	}
	ts.invalidMessages++
}

// AddPenalty adds to the peers behaviour penalty.
func (s *PeerScorer) AddPenalty(id peer.ID, penalty float64) {
	stats, ok := s.peers[id]
	if !ok {
		return
	}
	stats.behaviourPenalty += penalty
}

// Decay decays all counters. This is called once per heartbeat.
func (s *PeerScorer) Decay() {
	for _, stats := range s.peers {
		stats.behaviourPenalty = s.decay(stats.behaviourPenalty)
		for topic, ts := range stats.topics {
			ts.firstDeliveries = s.decay(ts.firstDeliveries)
			ts.invalidMessages = s.decay(ts.invalidMessages)
			// Drop stats that no longer contribute to the score.
			if !ts.inMesh && ts.firstDeliveries == 0 && ts.invalidMessages == 0 {
				delete(stats.topics, topic)
			}
		}
	}
}

// Score returns the peers score at the given time.
func (s *PeerScorer) Score(id peer.ID, now time.Time) float64 {
	var score float64
	if s.params.AppScore != nil {
		score += s.params.AppScore(id)
	}

	stats, ok := s.peers[id]
	if !ok {
		return score
	}

	for _, ts := range stats.topics {
		if ts.inMesh && s.params.TimeInMeshQuantum > 0 {
			quanta := float64(now.Sub(ts.graftTime)) / float64(s.params.TimeInMeshQuantum)
			if quanta > s.params.TimeInMeshCap {
				quanta = s.params.TimeInMeshCap
			}
			if quanta > 0 {
				score += s.params.TimeInMeshWeight * quanta
			}
		}
		score += s.params.FirstDeliveriesWeight * ts.firstDeliveries
		score += s.params.InvalidMessagesWeight * ts.invalidMessages * ts.invalidMessages
	}
	score += s.params.BehaviourPenaltyWeight * stats.behaviourPenalty * stats.behaviourPenalty
	return score
}

func (s *PeerScorer) topicStats(id peer.ID, topic string) (*topicScoreStats, bool) {
	stats, ok := s.peers[id]
	if !ok {
		return nil, false
	}
	ts, ok := stats.topics[topic]
	if !ok {
		ts = &topicScoreStats{}
		stats.topics[topic] = ts
	}
	return ts, true
}

func (s *PeerScorer) decay(v float64) float64 {
	v *= s.params.Decay
	if v < s.params.DecayToZero {
		return 0
	}
	return v
}
