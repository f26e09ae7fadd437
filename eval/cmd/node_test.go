package cmd

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/andydunstall/meshsub"
	"github.com/andydunstall/meshsub/peer"
	"github.com/andydunstall/meshsub/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitTimeout = time.Second * 5
	waitTick    = time.Millisecond * 10
)

type received struct {
	mu   sync.Mutex
	data []string
}

func (r *received) onMessage(m *meshsub.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, string(m.Data))
}

func (r *received) Data() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.data...)
}

func newNode(t *testing.T, net *transport.MockNetwork, options ...meshsub.Option) *meshsub.Meshsub {
	options = append(
		options,
		meshsub.WithTransport(net.NewTransport()),
		meshsub.WithHeartbeatInterval(time.Millisecond*10),
		meshsub.WithLogger(zap.NewNop()),
	)
	node, err := meshsub.Create(options...)
	require.Nil(t, err)
	t.Cleanup(func() {
		node.Shutdown()
	})
	return node
}

func TestDial_MarksExplicitPeer(t *testing.T) {
	net := transport.NewMockNetwork()
	node1 := newNode(t, net)
	node2 := newNode(t, net)
	require.Nil(t, node1.Subscribe("demo"))
	require.Nil(t, node2.Subscribe("demo"))

	target := fmt.Sprintf("%s/%s", node2.BindAddr(), node2.ID())
	require.Nil(t, dial(context.Background(), node1, target))

	assert.Eventually(t, func() bool {
		return len(node2.MeshPeers("demo")) == 1
	}, waitTimeout, waitTick)
	// The dialed peer is explicit so never joins the dialer's mesh.
	assert.Empty(t, node1.MeshPeers("demo"))
	assert.Equal(t, []peer.ID{node2.ID()}, node1.Peers())
}

func TestDial_PeerIDMismatch(t *testing.T) {
	net := transport.NewMockNetwork()
	node1 := newNode(t, net)
	node2 := newNode(t, net)

	target := fmt.Sprintf("%s/%s", node2.BindAddr(), peer.New())
	assert.NotNil(t, dial(context.Background(), node1, target))
}

func TestDial_InvalidPeerID(t *testing.T) {
	net := transport.NewMockNetwork()
	node := newNode(t, net)

	assert.NotNil(t, dial(context.Background(), node, "127.0.0.1:1/notanid"))
}

func TestPublishLoop_CountsFromZero(t *testing.T) {
	nodePublishInterval = time.Millisecond * 10
	nodeTopic = "demo"

	net := transport.NewMockNetwork()
	recv := &received{}
	subscribed := make(chan string, 1)
	node1 := newNode(t, net, meshsub.WithOnPeerSubscribed(func(id peer.ID, topic string) {
		subscribed <- topic
	}))
	node2 := newNode(t, net, meshsub.WithOnMessage(recv.onMessage))
	require.Nil(t, node1.Subscribe("demo"))
	require.Nil(t, node2.Subscribe("demo"))

	target := fmt.Sprintf("%s/%s", node2.BindAddr(), node2.ID())
	require.Nil(t, dial(context.Background(), node1, target))

	// Wait for the subscription from node2 so the first publish reaches it.
	select {
	case <-subscribed:
	case <-time.After(waitTimeout):
		t.Fatal("peer subscription not received")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- publishLoop(ctx, node1)
	}()

	assert.Eventually(t, func() bool {
		return len(recv.Data()) >= 2
	}, waitTimeout, waitTick)
	cancel()
	assert.Nil(t, <-errCh)

	data := recv.Data()
	id := node1.ID().ShortString()
	assert.Equal(t, fmt.Sprintf("hello #0 from %s", id), data[0])
	assert.Equal(t, fmt.Sprintf("hello #1 from %s", id), data[1])
}
