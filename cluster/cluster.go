package cluster

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/andydunstall/meshsub"
	"github.com/andydunstall/meshsub/peer"
	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

type Node struct {
	// Name is a short random name used to identify the node in logs.
	Name    string
	Meshsub *meshsub.Meshsub

	mu        sync.Mutex
	delivered map[meshsub.MessageID]time.Time
}

func (n *Node) ID() peer.ID {
	return n.Meshsub.ID()
}

// Delivered returns the time the message with the given ID was delivered to
// the node, or false if it hasn't been delivered.
func (n *Node) Delivered(id meshsub.MessageID) (time.Time, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.delivered[id]
	return t, ok
}

// Deliveries returns the number of messages delivered to the node.
func (n *Node) Deliveries() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.delivered)
}

func (n *Node) onMessage(m *meshsub.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.delivered[m.ID] = time.Now()
}

// Cluster manages a local cluster of nodes, connected over the loopback
// interface, used for testing and evaluation.
type Cluster struct {
	mu      sync.Mutex
	nodes   []*Node
	options []meshsub.Option
	logger  *zap.Logger
}

// NewCluster returns an empty cluster. The given options are applied to every
// node added to the cluster.
func NewCluster(logger *zap.Logger, options ...meshsub.Option) *Cluster {
	return &Cluster{
		options: options,
		logger:  logger,
	}
}

// AddNode adds a new node to the cluster and connects it to up to three
// random existing nodes.
func (c *Cluster) AddNode() (*Node, error) {
	node := &Node{
		Name:      uuid.New().String()[:7],
		delivered: make(map[meshsub.MessageID]time.Time),
	}

	options := []meshsub.Option{
		// Use a port of 0 to let the system assigned a free port.
		meshsub.WithBindAddr("127.0.0.1:0"),
		meshsub.WithHeartbeatInterval(time.Millisecond * 100),
		meshsub.WithLogger(c.logger.With(zap.String("node", node.Name))),
	}
	options = append(options, c.options...)
	// Always record deliveries, overriding any OnMessage in the cluster
	// options.
	options = append(options, meshsub.WithOnMessage(node.onMessage))

	m, err := meshsub.Create(options...)
	if err != nil {
		return nil, err
	}
	node.Meshsub = m

	seeds := c.seeds(3)

	c.mu.Lock()
	c.nodes = append(c.nodes, node)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err = m.Join(ctx, seeds); err != nil {
		return nil, err
	}
	return node, nil
}

func (c *Cluster) AddNodes(n int) error {
	var errs error
	for i := 0; i < n; i++ {
		if _, err := c.AddNode(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*Node{}, c.nodes...)
}

// Subscribe subscribes every node in the cluster to the topic.
func (c *Cluster) Subscribe(topic string) error {
	var errs error
	for _, node := range c.Nodes() {
		if err := node.Meshsub.Subscribe(topic); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// WaitForMesh waits for every node to have at least minPeers mesh peers for
// the topic, or every connected peer if it has fewer than minPeers. A node
// with no connected peers is never ready.
func (c *Cluster) WaitForMesh(ctx context.Context, topic string, minPeers int) error {
	return c.waitFor(ctx, func(node *Node) bool {
		n := minPeers
		if connected := len(node.Meshsub.Peers()); connected > 0 && connected < n {
			n = connected
		}
		return len(node.Meshsub.MeshPeers(topic)) >= n
	})
}

// WaitToDeliver waits for the message with the given ID to be delivered to
// every node except the publisher.
func (c *Cluster) WaitToDeliver(ctx context.Context, id meshsub.MessageID, publisher peer.ID) error {
	return c.waitFor(ctx, func(node *Node) bool {
		if node.ID() == publisher {
			return true
		}
		_, ok := node.Delivered(id)
		return ok
	})
}

// Shutdown shuts down every node in the cluster.
func (c *Cluster) Shutdown() error {
	var errs error
	for _, node := range c.Nodes() {
		if err := node.Meshsub.Shutdown(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// waitFor polls until cond is true for all nodes.
func (c *Cluster) waitFor(ctx context.Context, cond func(node *Node) bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			nodes := c.Nodes()
			ready := 0
			for _, node := range nodes {
				if cond(node) {
					ready++
				}
			}
			if ready == len(nodes) {
				return nil
			}
		}
	}
}

func (c *Cluster) seeds(n int) []string {
	seeds := []string{}
	for _, node := range c.Nodes() {
		seeds = append(seeds, node.Meshsub.BindAddr())
	}
	rand.Shuffle(len(seeds), func(i, j int) {
		seeds[i], seeds[j] = seeds[j], seeds[i]
	})

	if len(seeds) < n {
		return seeds
	}
	return seeds[:n]
}
