package meshsub

import (
	"context"
	"fmt"

	"github.com/andydunstall/meshsub/internal"
	"github.com/andydunstall/meshsub/peer"
	"github.com/andydunstall/meshsub/transport"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Meshsub is a node in a gossip based publish/subscribe overlay. Each node
// keeps a bounded mesh of peers per subscribed topic, forwards new messages
// to its mesh peers and advertises them to other subscribers so they can be
// pulled.
// This is thread safe.
type Meshsub struct {
	engine    *internal.Engine
	transport transport.Transport
	logger    *zap.Logger
}

// Create will create a new node using the given options. This starts
// listening for connections from other nodes and begins heartbeating, though
// won't connect to any peers itself until Connect or Join is called.
func Create(options ...Option) (*Meshsub, error) {
	opts := defaultOptions()
	for _, opt := range options {
		opt(opts)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	tr := opts.Transport
	if tr == nil {
		tcp, err := transport.NewTCPTransport(peer.New(), opts.BindAddr, opts.Logger)
		if err != nil {
			opts.Logger.Error("failed to start transport", zap.Error(err))
			return nil, fmt.Errorf("meshsub: start transport: %w", err)
		}
		tr = tcp
	}

	logger := opts.Logger.With(zap.String("id", tr.LocalID().String()))
	logger.Debug("transport started", zap.String("addr", tr.BindAddr()))

	conf := internal.EngineConfig{
		Mesh: internal.MeshParams{
			D:   opts.D,
			Dlo: opts.Dlo,
			Dhi: opts.Dhi,
		},
		HeartbeatInterval: opts.HeartbeatInterval,
		SeenTTL:           opts.SeenTTL,
		MessageStoreSize:  opts.MessageStoreSize,
		MaxMessageSize:    opts.MaxMessageSize,
		MaxIHaveLength:    opts.MaxIHaveLength,
		IWantRate:         rate.Limit(opts.IWantRate),
		IWantBurst:        opts.IWantBurst,
		SendQueueSize:     opts.SendQueueSize,
		NotifyBufferSize:  opts.NotifyBufferSize,
		Score:             opts.Score,
		ExplicitPeers:     opts.ExplicitPeers,
	}

	engine, err := internal.NewEngine(
		tr,
		conf,
		callbacks(opts),
		opts.Clock,
		internal.NewMetrics(tr.LocalID(), opts.Registerer),
		logger,
	)
	if err != nil {
		// Since the engine never started, the transport is ours to close.
		if opts.Transport == nil {
			tr.Shutdown()
		}
		return nil, err
	}
	engine.Start()

	return &Meshsub{
		engine:    engine,
		transport: tr,
		logger:    logger,
	}, nil
}

// ID returns the peer ID of this node.
func (m *Meshsub) ID() peer.ID {
	return m.engine.LocalID()
}

// BindAddr returns the address the transport listener is bound to. Note
// this may be different from the configured bind addr if the system chooses
// the addr (such as using a port of 0).
func (m *Meshsub) BindAddr() string {
	return m.transport.BindAddr()
}

// Connect connects to the node listening on the given address and returns
// its peer ID.
func (m *Meshsub) Connect(ctx context.Context, addr string) (peer.ID, error) {
	id, err := m.transport.Connect(ctx, addr)
	if err != nil {
		return peer.ID{}, fmt.Errorf("meshsub: connect %s: %w", addr, err)
	}
	return id, nil
}

// Join connects to each of the given seed addresses, ignoring our own
// address. Returns an error describing every seed that could not be
// reached, though the node remains connected to those that could.
func (m *Meshsub) Join(ctx context.Context, seeds []string) error {
	m.logger.Debug("joining", zap.Strings("seeds", seeds))

	var errs error
	for _, addr := range seeds {
		if addr == m.BindAddr() {
			continue
		}
		if _, err := m.Connect(ctx, addr); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// Subscribe subscribes to the topic. Messages published to the topic by
// other nodes are delivered to the OnMessage callback. Subscribing to a topic
// already subscribed to is a no-op.
func (m *Meshsub) Subscribe(topic string) error {
	return m.engine.Subscribe(topic)
}

// Unsubscribe unsubscribes from the topic. Unsubscribing from a topic not
// subscribed to is a no-op.
func (m *Meshsub) Unsubscribe(topic string) error {
	return m.engine.Unsubscribe(topic)
}

// Publish publishes data to the topic, which must be subscribed to, and
// returns the ID of the published message. The data is copied so may be
// reused by the caller.
func (m *Meshsub) Publish(topic string, data []byte) (MessageID, error) {
	return m.engine.Publish(topic, data)
}

// AddExplicitPeer marks the peer as explicit. Every message on a topic the
// peer subscribes to is sent to it in full, without it ever joining the
// topic mesh. This doesn't connect to the peer.
func (m *Meshsub) AddExplicitPeer(id peer.ID) error {
	m.logger.Debug("add explicit peer", zap.String("peer", id.String()))

	return m.engine.AddExplicitPeer(id)
}

// Peers returns the IDs of the connected peers.
func (m *Meshsub) Peers() []peer.ID {
	return m.engine.Peers()
}

// MeshPeers returns the IDs of the peers in the mesh for the topic.
func (m *Meshsub) MeshPeers(topic string) []peer.ID {
	return m.engine.MeshPeers(topic)
}

// Topics returns the topics this node subscribes to.
func (m *Meshsub) Topics() []string {
	return m.engine.Topics()
}

// Score returns the local score of the peer.
func (m *Meshsub) Score(id peer.ID) float64 {
	return m.engine.Score(id)
}

// Shutdown stops heartbeating, closes all connections and releases all peer
// and topic state.
func (m *Meshsub) Shutdown() error {
	m.logger.Debug("shutdown")

	return m.engine.Shutdown()
}

func callbacks(opts *Options) internal.Callbacks {
	cbs := internal.Callbacks{
		OnPeerConnected:    opts.OnPeerConnected,
		OnPeerDisconnected: opts.OnPeerDisconnected,
		OnPeerSubscribed:   opts.OnPeerSubscribed,
		OnPeerUnsubscribed: opts.OnPeerUnsubscribed,
	}
	if opts.OnMessage != nil {
		onMessage := opts.OnMessage
		cbs.OnMessage = func(d internal.Delivery) {
			onMessage(&Message{
				ID:           d.Message.ID,
				Topic:        d.Message.Topic,
				Data:         d.Message.Data,
				From:         d.Message.From,
				ReceivedFrom: d.ReceivedFrom,
				Seqno:        d.Message.Seqno,
			})
		}
	}
	return cbs
}
