package internal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andydunstall/meshsub/peer"
	"github.com/andydunstall/meshsub/transport"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type EngineConfig struct {
	Mesh              MeshParams
	HeartbeatInterval time.Duration
	SeenTTL           time.Duration
	MessageStoreSize  int
	MaxMessageSize    int
	MaxIHaveLength    int
	IWantRate         rate.Limit
	IWantBurst        int
	SendQueueSize     int
	NotifyBufferSize  int
	Score             ScoreParams
	// ExplicitPeers are always sent every message on their subscribed
	// topics and are never added to a mesh.
	ExplicitPeers []peer.ID
}

// Delivery is a message delivered to the application.
type Delivery struct {
	Message *Message
	// ReceivedFrom is the peer the message was received from, which may
	// differ from the publisher.
	ReceivedFrom peer.ID
}

// Callbacks are invoked from a single notification goroutine, so never
// block the engine loop. If the application falls behind, notifications
// are dropped once the notification buffer is full.
//
// A callback may call any Engine method, including Shutdown. Callbacks
// should not block, since later notifications queue behind them. A callback
// already running when Shutdown returns may still complete afterwards.
type Callbacks struct {
	OnMessage          func(d Delivery)
	OnPeerConnected    func(id peer.ID, addr string)
	OnPeerDisconnected func(id peer.ID)
	OnPeerSubscribed   func(id peer.ID, topic string)
	OnPeerUnsubscribed func(id peer.ID, topic string)
}

// Engine runs the gossip protocol. A single goroutine owns all protocol
// state, and selects over heartbeat ticks, transport events and requests
// from the application.
type Engine struct {
	localID   peer.ID
	transport transport.Transport
	conf      EngineConfig
	callbacks Callbacks

	directory    *PeerDirectory
	mesh         *TopicMeshManager
	seen         *SeenCache
	store        *MessageStore
	scorer       *PeerScorer
	disseminator *Disseminator
	sender       *Sender

	// seqno is the sequence number of the last published message.
	seqno uint64

	reqCh    chan func()
	notifyCh chan func()
	done     chan struct{}
	// wg tracks the engine loop only. The notification goroutine exits on
	// done without being waited on, so Shutdown can be called from a
	// callback.
	wg       sync.WaitGroup
	shutdown int32

	clock   clock.Clock
	metrics *Metrics
	logger  *zap.Logger
}

func NewEngine(
	tr transport.Transport,
	conf EngineConfig,
	callbacks Callbacks,
	clk clock.Clock,
	metrics *Metrics,
	logger *zap.Logger,
) (*Engine, error) {
	store, err := NewMessageStore(conf.MessageStoreSize)
	if err != nil {
		return nil, err
	}

	localID := tr.LocalID()
	logger = logger.With(zap.String("local", localID.ShortString()))

	directory := NewPeerDirectory(logger)
	mesh := NewTopicMeshManager(conf.Mesh, logger)
	// Bucket the seen cache so there are at most ~120 buckets.
	seen := NewSeenCache(conf.SeenTTL, conf.SeenTTL/120)

	disseminator := NewDisseminator(
		localID,
		directory,
		mesh,
		seen,
		store,
		DisseminatorConfig{
			MaxIHaveLength: conf.MaxIHaveLength,
			IWantRate:      conf.IWantRate,
			IWantBurst:     conf.IWantBurst,
		},
		logger,
	)

	e := &Engine{
		localID:      localID,
		transport:    tr,
		conf:         conf,
		callbacks:    callbacks,
		directory:    directory,
		mesh:         mesh,
		seen:         seen,
		store:        store,
		scorer:       NewPeerScorer(conf.Score),
		disseminator: disseminator,
		sender:       NewSender(tr, conf.SendQueueSize, metrics, logger),
		reqCh:        make(chan func()),
		notifyCh:     make(chan func(), conf.NotifyBufferSize),
		done:         make(chan struct{}),
		clock:        clk,
		metrics:      metrics,
		logger:       logger,
	}
	for _, id := range conf.ExplicitPeers {
		mesh.AddExplicitPeer(id)
	}
	return e, nil
}

// Start starts the engine loop.
func (e *Engine) Start() {
	// Create the ticker before starting the loop so the first heartbeat is
	// scheduled relative to the start time.
	ticker := e.clock.Ticker(e.conf.HeartbeatInterval)

	e.wg.Add(1)
	go e.loop(ticker)
	go e.notifyLoop()
}

func (e *Engine) LocalID() peer.ID {
	return e.localID
}

// Subscribe subscribes to the topic and builds its mesh from the connected
// subscribers. Subscribing to a topic already subscribed to is a no-op.
func (e *Engine) Subscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	return e.do(func() {
		e.subscribe(topic)
	})
}

// Unsubscribe unsubscribes from the topic, sending a prune notice to its
// mesh peers. Unsubscribing from a topic not subscribed to is a no-op.
func (e *Engine) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	return e.do(func() {
		e.unsubscribe(topic)
	})
}

// Publish publishes the payload to the topic, returning the ID of the
// published message. The node must be subscribed to the topic.
func (e *Engine) Publish(topic string, data []byte) (MessageID, error) {
	if topic == "" {
		return MessageID{}, ErrInvalidTopic
	}
	if len(data) > e.conf.MaxMessageSize {
		return MessageID{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(data), e.conf.MaxMessageSize)
	}

	// Copy as the message is immutable once published.
	payload := make([]byte, len(data))
	copy(payload, data)

	var id MessageID
	var publishErr error
	err := e.do(func() {
		id, publishErr = e.publish(topic, payload)
	})
	if err != nil {
		return MessageID{}, err
	}
	return id, publishErr
}

// AddExplicitPeer marks the peer as explicit. Explicit peers are sent every
// message in full on the topics they subscribe to, and are never grafted
// into or pruned from a mesh. If the peer is already a mesh member it is
// removed from the mesh.
func (e *Engine) AddExplicitPeer(id peer.ID) error {
	return e.do(func() {
		e.addExplicitPeer(id)
	})
}

// Peers returns the connected peers ordered by join order.
func (e *Engine) Peers() []peer.ID {
	var peers []peer.ID
	e.do(func() {
		peers = e.directory.ListConnected()
	})
	return peers
}

// MeshPeers returns the mesh peers for the topic ordered by join order.
func (e *Engine) MeshPeers(topic string) []peer.ID {
	var peers []peer.ID
	e.do(func() {
		peers = e.mesh.MeshPeers(topic)
	})
	return peers
}

// Topics returns the subscribed topics.
func (e *Engine) Topics() []string {
	var topics []string
	e.do(func() {
		topics = e.mesh.Topics()
	})
	return topics
}

// Score returns the current score of the peer.
func (e *Engine) Score(id peer.ID) float64 {
	var score float64
	e.do(func() {
		score = e.scorer.Score(id, e.clock.Now())
	})
	return score
}

// Shutdown stops the engine loop, cancelling the heartbeat, and releases all
// peer and topic state. The transport is also shutdown.
func (e *Engine) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&e.shutdown, 0, 1) {
		return nil
	}

	e.logger.Debug("shutdown")

	close(e.done)
	e.wg.Wait()
	// Stop the senders before the transport so pending writes don't log
	// errors.
	e.sender.Shutdown()
	return e.transport.Shutdown()
}

// do runs fn on the engine loop and waits for it to complete.
func (e *Engine) do(fn func()) error {
	doneCh := make(chan struct{})
	req := func() {
		fn()
		close(doneCh)
	}

	select {
	case e.reqCh <- req:
	case <-e.done:
		return ErrShutdown
	}

	select {
	case <-doneCh:
		return nil
	case <-e.done:
		return ErrShutdown
	}
}

func (e *Engine) loop(ticker *clock.Ticker) {
	defer e.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.heartbeat()
		case ev := <-e.transport.Events():
			e.onEvent(ev)
		case req := <-e.reqCh:
			req()
		case terr := <-e.sender.Errors():
			e.onSendError(terr)
		case <-e.done:
			e.release()
			return
		}
	}
}

func (e *Engine) notifyLoop() {
	for {
		// Prefer exiting over running queued callbacks once shutdown.
		select {
		case <-e.done:
			return
		default:
		}

		select {
		case fn := <-e.notifyCh:
			fn()
		case <-e.done:
			return
		}
	}
}

// notify queues fn to run on the notification goroutine, dropping it if the
// buffer is full.
func (e *Engine) notify(fn func()) {
	select {
	case e.notifyCh <- fn:
	default:
		e.metrics.NotificationsDropped.Inc()
		e.logger.Warn("notification buffer full; dropping")
	}
}

func (e *Engine) heartbeat() {
	now := e.clock.Now()
	ranker := &engineRanker{directory: e.directory, scorer: e.scorer, now: now}

	for _, topic := range e.mesh.Topics() {
		grafted, pruned := e.mesh.OnHeartbeat(topic, e.directory.Subscribers(topic), ranker)
		for _, id := range grafted {
			e.scorer.Graft(id, topic, now)
		}
		for _, id := range pruned {
			e.scorer.Prune(id, topic)
			if e.directory.IsConnected(id) {
				e.sendRPC(id, &RPC{Control: &Control{Prune: []Prune{{Topic: topic}}}})
			}
		}
		e.metrics.MeshPeers.WithLabelValues(topic).Set(float64(len(e.mesh.MeshPeers(topic))))
	}

	if n := e.seen.Sweep(now); n > 0 {
		e.logger.Debug("swept seen cache", zap.Int("expired", n))
	}
	e.scorer.Decay()

	e.metrics.Heartbeats.Inc()
	e.metrics.SeenEntries.Set(float64(e.seen.Len()))
}

func (e *Engine) onEvent(ev transport.Event) {
	switch ev := ev.(type) {
	case transport.Connected:
		e.onConnected(ev.Peer, ev.Addr)
	case transport.Disconnected:
		e.onDisconnected(ev.Peer)
	case transport.Packet:
		e.onPacket(ev.From, ev.Buf)
	}
}

func (e *Engine) onConnected(id peer.ID, addr string) {
	known := e.directory.IsConnected(id)
	e.directory.AddPeer(id, addr)
	if known {
		return
	}

	e.scorer.AddPeer(id)
	e.sender.Open(id)
	e.metrics.ConnectedPeers.Set(float64(e.directory.Len()))

	// Send the new peer our full subscription list.
	topics := e.mesh.Topics()
	if len(topics) > 0 {
		rpc := &RPC{}
		for _, topic := range topics {
			rpc.Subscriptions = append(rpc.Subscriptions, SubOpt{Subscribe: true, Topic: topic})
		}
		e.sendRPC(id, rpc)
	}

	if cb := e.callbacks.OnPeerConnected; cb != nil {
		e.notify(func() { cb(id, addr) })
	}
}

func (e *Engine) onDisconnected(id peer.ID) {
	if !e.directory.IsConnected(id) {
		return
	}

	topics := e.mesh.RemovePeer(id)
	for _, topic := range topics {
		e.metrics.MeshPeers.WithLabelValues(topic).Set(float64(len(e.mesh.MeshPeers(topic))))
	}
	e.directory.RemovePeer(id)
	e.scorer.RemovePeer(id)
	e.disseminator.RemovePeer(id)
	e.sender.Close(id)
	e.metrics.ConnectedPeers.Set(float64(e.directory.Len()))

	if cb := e.callbacks.OnPeerDisconnected; cb != nil {
		e.notify(func() { cb(id) })
	}
}

func (e *Engine) onPacket(from peer.ID, b []byte) {
	if !e.directory.IsConnected(from) {
		e.logger.Debug("packet from unknown peer", zap.String("peer", from.ShortString()))
		return
	}

	rpc, err := DecodeRPC(b)
	if err != nil {
		e.metrics.MessagesInvalid.Inc()
		e.scorer.AddPenalty(from, 1)
		e.logger.Warn(
			"failed to decode rpc",
			zap.String("peer", from.ShortString()),
			zap.Error(err),
		)
		return
	}

	e.logger.Debug(
		"received rpc",
		zap.String("peer", from.ShortString()),
		zap.Object("rpc", rpc),
	)

	for _, sub := range rpc.Subscriptions {
		e.onSubOpt(from, sub)
	}
	for _, m := range rpc.Publish {
		e.onMessage(from, m)
	}
	if rpc.Control != nil {
		e.onControl(from, rpc.Control)
	}
}

func (e *Engine) onSubOpt(from peer.ID, sub SubOpt) {
	if !e.directory.SetSubscribed(from, sub.Topic, sub.Subscribe) {
		return
	}

	e.logger.Debug(
		"peer subscription changed",
		zap.String("peer", from.ShortString()),
		zap.String("topic", sub.Topic),
		zap.Bool("subscribe", sub.Subscribe),
	)

	topic := sub.Topic
	if sub.Subscribe {
		if cb := e.callbacks.OnPeerSubscribed; cb != nil {
			e.notify(func() { cb(from, topic) })
		}
	} else {
		if cb := e.callbacks.OnPeerUnsubscribed; cb != nil {
			e.notify(func() { cb(from, topic) })
		}
	}
}

func (e *Engine) onMessage(from peer.ID, m *Message) {
	// Our own messages relayed back to us.
	if m.From == e.localID {
		e.metrics.MessagesDuplicate.Inc()
		return
	}
	if len(m.Data) > e.conf.MaxMessageSize {
		e.metrics.MessagesInvalid.Inc()
		e.scorer.InvalidMessage(from, m.Topic)
		e.logger.Warn(
			"message too large",
			zap.String("peer", from.ShortString()),
			zap.Object("message", m),
		)
		return
	}

	plan, isNew := e.disseminator.OnReceive(m, from, e.clock.Now())
	if !isNew {
		e.metrics.MessagesDuplicate.Inc()
		return
	}
	if !e.mesh.IsSubscribed(m.Topic) {
		return
	}

	e.scorer.FirstDelivery(from, m.Topic)
	e.metrics.MessagesDelivered.Inc()

	if cb := e.callbacks.OnMessage; cb != nil {
		d := Delivery{Message: m, ReceivedFrom: from}
		e.notify(func() { cb(d) })
	}

	e.execute(plan)
}

func (e *Engine) onControl(from peer.ID, c *Control) {
	for _, ihave := range c.IHave {
		e.execute(e.disseminator.OnIHave(from, ihave))
	}
	for _, iwant := range c.IWant {
		e.execute(e.disseminator.OnIWant(from, iwant, e.clock.Now()))
	}
	for _, prune := range c.Prune {
		e.metrics.PrunesReceived.Inc()
		e.logger.Debug(
			"pruned by peer",
			zap.String("peer", from.ShortString()),
			zap.String("topic", prune.Topic),
		)
	}
}

func (e *Engine) onSendError(terr *TransportError) {
	// A peer we can't send to is penalised so it is pruned from the mesh on
	// the next heartbeat.
	e.scorer.AddPenalty(terr.Peer, 0.5)
}

func (e *Engine) subscribe(topic string) {
	if !e.mesh.Subscribe(topic) {
		return
	}

	now := e.clock.Now()
	ranker := &engineRanker{directory: e.directory, scorer: e.scorer, now: now}
	grafted, _ := e.mesh.OnHeartbeat(topic, e.directory.Subscribers(topic), ranker)
	for _, id := range grafted {
		e.scorer.Graft(id, topic, now)
	}
	e.metrics.MeshPeers.WithLabelValues(topic).Set(float64(len(grafted)))

	e.announce(SubOpt{Subscribe: true, Topic: topic})
}

func (e *Engine) unsubscribe(topic string) {
	if !e.mesh.IsSubscribed(topic) {
		return
	}

	prior := e.mesh.Unsubscribe(topic)
	for _, id := range prior {
		e.scorer.Prune(id, topic)
		e.sendRPC(id, &RPC{Control: &Control{Prune: []Prune{{Topic: topic}}}})
	}
	e.metrics.MeshPeers.DeleteLabelValues(topic)

	e.announce(SubOpt{Subscribe: false, Topic: topic})
}

func (e *Engine) addExplicitPeer(id peer.ID) {
	e.logger.Debug("add explicit peer", zap.String("peer", id.ShortString()))

	for _, topic := range e.mesh.AddExplicitPeer(id) {
		e.scorer.Prune(id, topic)
		e.metrics.MeshPeers.WithLabelValues(topic).Set(float64(len(e.mesh.MeshPeers(topic))))
	}
}

func (e *Engine) publish(topic string, data []byte) (MessageID, error) {
	if !e.mesh.IsSubscribed(topic) {
		return MessageID{}, fmt.Errorf("%w: %s", ErrNotSubscribed, topic)
	}

	e.seqno++
	m := NewMessage(e.localID, e.seqno, topic, data)

	e.logger.Debug("publish", zap.Object("message", m))

	e.execute(e.disseminator.OnPublish(m, e.clock.Now()))
	e.metrics.MessagesPublished.Inc()
	return m.ID, nil
}

// announce sends the subscription change to all connected peers.
func (e *Engine) announce(sub SubOpt) {
	b := EncodeRPC(&RPC{Subscriptions: []SubOpt{sub}})
	for _, id := range e.directory.ListConnected() {
		e.sender.Send(id, b)
	}
}

func (e *Engine) execute(plan ForwardPlan) {
	// Cache encoded messages as the same message is usually sent to many
	// peers.
	encoded := make(map[*Message][]byte)
	for _, f := range plan {
		var b []byte
		if f.Kind == ForwardMessage {
			var ok bool
			if b, ok = encoded[f.Message]; !ok {
				b = EncodeRPC(f.RPC())
				encoded[f.Message] = b
			}
		} else {
			b = EncodeRPC(f.RPC())
		}

		if e.sender.Send(f.Peer, b) {
			e.metrics.Forwards.WithLabelValues(f.Kind.String()).Inc()
		}
	}
}

func (e *Engine) sendRPC(id peer.ID, rpc *RPC) {
	e.sender.Send(id, EncodeRPC(rpc))
}

// release discards all peer and topic state.
func (e *Engine) release() {
	for _, topic := range e.mesh.Topics() {
		e.mesh.Unsubscribe(topic)
		e.metrics.MeshPeers.DeleteLabelValues(topic)
	}
	for _, id := range e.directory.ListConnected() {
		e.directory.RemovePeer(id)
		e.scorer.RemovePeer(id)
		e.disseminator.RemovePeer(id)
		e.sender.Close(id)
	}
	e.metrics.ConnectedPeers.Set(0)
}

type engineRanker struct {
	directory *PeerDirectory
	scorer    *PeerScorer
	now       time.Time
}

func (r *engineRanker) Score(id peer.ID) float64 {
	return r.scorer.Score(id, r.now)
}

func (r *engineRanker) JoinSeq(id peer.ID) uint64 {
	return r.directory.JoinSeq(id)
}
