package internal

import (
	"sync"

	"github.com/andydunstall/meshsub/peer"
	"github.com/andydunstall/meshsub/transport"
	"go.uber.org/zap"
)

type peerQueue struct {
	ch   chan []byte
	done chan struct{}
}

// Sender queues outbound packets for each connected peer, with a goroutine
// per peer writing to the transport so the engine loop never blocks on the
// network.
//
// Open, Close and Send must only be called from the engine loop.
type Sender struct {
	transport transport.Transport
	queueSize int
	queues    map[peer.ID]*peerQueue
	// errCh reports failed sends back to the engine loop.
	errCh   chan *TransportError
	wg      sync.WaitGroup
	metrics *Metrics
	logger  *zap.Logger
}

func NewSender(tr transport.Transport, queueSize int, metrics *Metrics, logger *zap.Logger) *Sender {
	return &Sender{
		transport: tr,
		queueSize: queueSize,
		queues:    make(map[peer.ID]*peerQueue),
		errCh:     make(chan *TransportError, 64),
		metrics:   metrics,
		logger:    logger,
	}
}

// Errors returns the channel of failed sends.
func (s *Sender) Errors() <-chan *TransportError {
	return s.errCh
}

// Open starts the queue for the peer.
func (s *Sender) Open(id peer.ID) {
	if _, ok := s.queues[id]; ok {
		return
	}

	q := &peerQueue{
		ch:   make(chan []byte, s.queueSize),
		done: make(chan struct{}),
	}
	s.queues[id] = q

	s.wg.Add(1)
	go s.writeLoop(id, q)
}

// Close stops the queue for the peer, discarding any queued packets.
func (s *Sender) Close(id peer.ID) {
	q, ok := s.queues[id]
	if !ok {
		return
	}
	close(q.done)
	delete(s.queues, id)
}

// Send queues b to be sent to the peer. Returns false if the peer has no
// queue or its queue is full.
func (s *Sender) Send(id peer.ID, b []byte) bool {
	q, ok := s.queues[id]
	if !ok {
		return false
	}

	select {
	case q.ch <- b:
		return true
	default:
		s.metrics.SendsDropped.Inc()
		s.logger.Warn("send queue full; dropping", zap.String("peer", id.ShortString()))
		return false
	}
}

// Shutdown stops all queues and waits for the write goroutines to exit.
func (s *Sender) Shutdown() {
	for id := range s.queues {
		s.Close(id)
	}
	s.wg.Wait()
}

func (s *Sender) writeLoop(id peer.ID, q *peerQueue) {
	defer s.wg.Done()

	for {
		select {
		case b := <-q.ch:
			if err := s.transport.Send(id, b); err != nil {
				terr := &TransportError{Peer: id, Err: err}
				s.metrics.SendErrors.Inc()
				s.logger.Warn("failed to send", zap.Error(terr))

				select {
				case s.errCh <- terr:
				default:
				}
			}
		case <-q.done:
			return
		}
	}
}
