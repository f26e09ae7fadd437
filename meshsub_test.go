package meshsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/andydunstall/meshsub/peer"
	"github.com/andydunstall/meshsub/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitTimeout = time.Second * 5
	waitTick    = time.Millisecond * 10
)

type messageRecorder struct {
	mu       sync.Mutex
	messages []*Message
}

func (r *messageRecorder) onMessage(m *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *messageRecorder) Messages() []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Message{}, r.messages...)
}

func TestMeshsub_PublishSubscribe(t *testing.T) {
	net := transport.NewMockNetwork()

	received := &messageRecorder{}
	subscribed := make(chan string, 1)
	node1, err := Create(
		WithTransport(net.NewTransport()),
		WithHeartbeatInterval(time.Millisecond*10),
		WithOnMessage(received.onMessage),
		WithLogger(zap.NewNop()),
	)
	require.Nil(t, err)
	defer node1.Shutdown()

	node2, err := Create(
		WithTransport(net.NewTransport()),
		WithHeartbeatInterval(time.Millisecond*10),
		WithOnPeerSubscribed(func(id peer.ID, topic string) {
			subscribed <- topic
		}),
		WithLogger(zap.NewNop()),
	)
	require.Nil(t, err)
	defer node2.Shutdown()

	require.Nil(t, node1.Subscribe("foo"))
	require.Nil(t, node2.Subscribe("foo"))

	id, err := node2.Connect(context.Background(), node1.BindAddr())
	require.Nil(t, err)
	assert.Equal(t, node1.ID(), id)

	select {
	case topic := <-subscribed:
		assert.Equal(t, "foo", topic)
	case <-time.After(waitTimeout):
		t.Fatal("peer subscription not received")
	}

	assert.Eventually(t, func() bool {
		return len(node2.MeshPeers("foo")) == 1
	}, waitTimeout, waitTick)

	msgID, err := node2.Publish("foo", []byte("bar"))
	require.Nil(t, err)

	assert.Eventually(t, func() bool {
		return len(received.Messages()) == 1
	}, waitTimeout, waitTick)

	m := received.Messages()[0]
	assert.Equal(t, msgID, m.ID)
	assert.Equal(t, "foo", m.Topic)
	assert.Equal(t, []byte("bar"), m.Data)
	assert.Equal(t, node2.ID(), m.From)
	assert.Equal(t, node2.ID(), m.ReceivedFrom)
	assert.Equal(t, uint64(1), m.Seqno)
}

func TestMeshsub_PublishNotSubscribed(t *testing.T) {
	net := transport.NewMockNetwork()
	node, err := Create(
		WithTransport(net.NewTransport()),
		WithLogger(zap.NewNop()),
	)
	require.Nil(t, err)
	defer node.Shutdown()

	_, err = node.Publish("foo", []byte("bar"))
	assert.ErrorIs(t, err, ErrNotSubscribed)
}

func TestMeshsub_Topics(t *testing.T) {
	net := transport.NewMockNetwork()
	node, err := Create(
		WithTransport(net.NewTransport()),
		WithLogger(zap.NewNop()),
	)
	require.Nil(t, err)
	defer node.Shutdown()

	require.Nil(t, node.Subscribe("b"))
	require.Nil(t, node.Subscribe("a"))
	assert.Equal(t, []string{"a", "b"}, node.Topics())

	require.Nil(t, node.Unsubscribe("b"))
	assert.Equal(t, []string{"a"}, node.Topics())
}

func TestMeshsub_Join(t *testing.T) {
	net := transport.NewMockNetwork()

	var nodes []*Meshsub
	for i := 0; i != 3; i++ {
		node, err := Create(
			WithTransport(net.NewTransport()),
			WithLogger(zap.NewNop()),
		)
		require.Nil(t, err)
		defer node.Shutdown()
		nodes = append(nodes, node)
	}

	seeds := []string{nodes[0].BindAddr(), nodes[1].BindAddr(), nodes[2].BindAddr()}
	require.Nil(t, nodes[0].Join(context.Background(), seeds))

	assert.Eventually(t, func() bool {
		return len(nodes[0].Peers()) == 2
	}, waitTimeout, waitTick)
}

func TestMeshsub_JoinUnreachable(t *testing.T) {
	net := transport.NewMockNetwork()
	node, err := Create(
		WithTransport(net.NewTransport()),
		WithLogger(zap.NewNop()),
	)
	require.Nil(t, err)
	defer node.Shutdown()

	err = node.Join(context.Background(), []string{"unknown-1", "unknown-2"})
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
}

func TestMeshsub_Shutdown(t *testing.T) {
	net := transport.NewMockNetwork()
	node, err := Create(
		WithTransport(net.NewTransport()),
		WithLogger(zap.NewNop()),
	)
	require.Nil(t, err)

	assert.Nil(t, node.Shutdown())
	// Shutting down twice is a no-op.
	assert.Nil(t, node.Shutdown())

	assert.ErrorIs(t, node.Subscribe("foo"), ErrShutdown)
	_, err = node.Publish("foo", []byte("bar"))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestMeshsub_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	net := transport.NewMockNetwork()
	node, err := Create(
		WithTransport(net.NewTransport()),
		WithRegisterer(reg),
		WithLogger(zap.NewNop()),
	)
	require.Nil(t, err)
	defer node.Shutdown()

	require.Nil(t, node.Subscribe("foo"))
	_, err = node.Publish("foo", []byte("bar"))
	require.Nil(t, err)

	families, err := reg.Gather()
	require.Nil(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["meshsub_messages_published_total"])
}

func TestMeshsub_TCP(t *testing.T) {
	received := &messageRecorder{}
	node1, err := Create(
		WithBindAddr("127.0.0.1:0"),
		WithHeartbeatInterval(time.Millisecond*10),
		WithOnMessage(received.onMessage),
		WithLogger(zap.NewNop()),
	)
	require.Nil(t, err)
	defer node1.Shutdown()

	node2, err := Create(
		WithBindAddr("127.0.0.1:0"),
		WithHeartbeatInterval(time.Millisecond*10),
		WithLogger(zap.NewNop()),
	)
	require.Nil(t, err)
	defer node2.Shutdown()

	require.Nil(t, node1.Subscribe("foo"))
	require.Nil(t, node2.Subscribe("foo"))

	_, err = node2.Connect(context.Background(), node1.BindAddr())
	require.Nil(t, err)

	assert.Eventually(t, func() bool {
		return len(node2.MeshPeers("foo")) == 1
	}, waitTimeout, waitTick)

	_, err = node2.Publish("foo", []byte("bar"))
	require.Nil(t, err)

	assert.Eventually(t, func() bool {
		return len(received.Messages()) == 1
	}, waitTimeout, waitTick)
}

func TestMeshsub_TCPSimultaneousConnect(t *testing.T) {
	for i := 0; i != 5; i++ {
		node1, err := Create(
			WithBindAddr("127.0.0.1:0"),
			WithHeartbeatInterval(time.Millisecond*10),
			WithLogger(zap.NewNop()),
		)
		require.Nil(t, err)
		node2, err := Create(
			WithBindAddr("127.0.0.1:0"),
			WithHeartbeatInterval(time.Millisecond*10),
			WithLogger(zap.NewNop()),
		)
		require.Nil(t, err)

		require.Nil(t, node1.Subscribe("demo"))
		require.Nil(t, node2.Subscribe("demo"))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			node1.Connect(context.Background(), node2.BindAddr())
		}()
		go func() {
			defer wg.Done()
			node2.Connect(context.Background(), node1.BindAddr())
		}()
		wg.Wait()

		assert.Eventually(t, func() bool {
			return len(node1.MeshPeers("demo")) == 1 && len(node2.MeshPeers("demo")) == 1
		}, waitTimeout, waitTick)

		assert.Nil(t, node1.Shutdown())
		assert.Nil(t, node2.Shutdown())
	}
}

func TestMeshsub_ExplicitPeer(t *testing.T) {
	net := transport.NewMockNetwork()

	received := &messageRecorder{}
	tr2 := net.NewTransport()
	node2, err := Create(
		WithTransport(tr2),
		WithHeartbeatInterval(time.Millisecond*10),
		WithOnMessage(received.onMessage),
		WithLogger(zap.NewNop()),
	)
	require.Nil(t, err)
	defer node2.Shutdown()

	subscribed := make(chan string, 1)
	node1, err := Create(
		WithTransport(net.NewTransport()),
		WithHeartbeatInterval(time.Millisecond*10),
		WithExplicitPeers(tr2.LocalID()),
		WithOnPeerSubscribed(func(id peer.ID, topic string) {
			subscribed <- topic
		}),
		WithLogger(zap.NewNop()),
	)
	require.Nil(t, err)
	defer node1.Shutdown()

	require.Nil(t, node1.Subscribe("foo"))
	require.Nil(t, node2.Subscribe("foo"))

	_, err = node1.Connect(context.Background(), node2.BindAddr())
	require.Nil(t, err)

	select {
	case topic := <-subscribed:
		assert.Equal(t, "foo", topic)
	case <-time.After(waitTimeout):
		t.Fatal("peer subscription not received")
	}

	_, err = node1.Publish("foo", []byte("bar"))
	require.Nil(t, err)
	assert.Eventually(t, func() bool {
		return len(received.Messages()) == 1
	}, waitTimeout, waitTick)

	// Heartbeats keep running but never graft the explicit peer.
	time.Sleep(time.Millisecond * 50)
	assert.Empty(t, node1.MeshPeers("foo"))
}

func TestMeshsub_AddExplicitPeer(t *testing.T) {
	net := transport.NewMockNetwork()

	node1, err := Create(
		WithTransport(net.NewTransport()),
		WithHeartbeatInterval(time.Millisecond*10),
		WithLogger(zap.NewNop()),
	)
	require.Nil(t, err)
	defer node1.Shutdown()

	node2, err := Create(
		WithTransport(net.NewTransport()),
		WithHeartbeatInterval(time.Millisecond*10),
		WithLogger(zap.NewNop()),
	)
	require.Nil(t, err)
	defer node2.Shutdown()

	require.Nil(t, node1.Subscribe("foo"))
	require.Nil(t, node2.Subscribe("foo"))
	_, err = node1.Connect(context.Background(), node2.BindAddr())
	require.Nil(t, err)

	assert.Eventually(t, func() bool {
		return len(node1.MeshPeers("foo")) == 1
	}, waitTimeout, waitTick)

	require.Nil(t, node1.AddExplicitPeer(node2.ID()))
	assert.Empty(t, node1.MeshPeers("foo"))

	require.Nil(t, node1.Shutdown())
	assert.ErrorIs(t, node1.AddExplicitPeer(node2.ID()), ErrShutdown)
}
