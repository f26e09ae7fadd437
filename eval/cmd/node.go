package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/andydunstall/meshsub"
	"github.com/andydunstall/meshsub/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	nodeConfigPath      string
	nodeMetricsAddr     string
	nodeTopic           string
	nodePublishInterval time.Duration
	nodeVerbose         bool
)

func init() {
	nodeCmd.Flags().StringVar(&nodeConfigPath, "config", "", "path to a YAML node configuration")
	nodeCmd.Flags().StringVar(&nodeMetricsAddr, "metrics-addr", "", "address to serve prometheus metrics on")
	nodeCmd.Flags().StringVar(&nodeTopic, "topic", "demo", "topic to subscribe and publish to")
	nodeCmd.Flags().DurationVar(&nodePublishInterval, "interval", time.Second*2, "time between published messages")
	nodeCmd.Flags().BoolVar(&nodeVerbose, "verbose", false, "enable debug logging")

	rootCmd.AddCommand(nodeCmd)
}

var nodeCmd = &cobra.Command{
	Use:   "node [addr/peer-id]",
	Short: "Run a single interactive node, optionally connecting to another node",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runNode(args); err != nil {
			log.Fatalf("node: %v", err)
		}
	},
}

func runNode(args []string) error {
	conf := meshsub.DefaultConfig()
	if nodeConfigPath != "" {
		c, err := meshsub.LoadConfig(nodeConfigPath)
		if err != nil {
			return err
		}
		conf = c
	}

	logger := zap.NewNop()
	if nodeVerbose {
		logger, _ = zap.NewDevelopment()
	}

	reg := prometheus.NewRegistry()

	options := conf.Options()
	options = append(
		options,
		meshsub.WithRegisterer(reg),
		meshsub.WithLogger(logger),
		meshsub.WithOnMessage(func(m *meshsub.Message) {
			fmt.Printf(
				"message: %s (from %s via %s)\n",
				m.Data, m.From.ShortString(), m.ReceivedFrom.ShortString(),
			)
		}),
		meshsub.WithOnPeerConnected(func(id peer.ID, addr string) {
			fmt.Printf("connected: %s (%s)\n", id, addr)
		}),
		meshsub.WithOnPeerDisconnected(func(id peer.ID) {
			fmt.Printf("disconnected: %s\n", id)
		}),
		meshsub.WithOnPeerSubscribed(func(id peer.ID, topic string) {
			fmt.Printf("subscribed: %s to %s\n", id, topic)
		}),
		meshsub.WithOnPeerUnsubscribed(func(id peer.ID, topic string) {
			fmt.Printf("unsubscribed: %s from %s\n", id, topic)
		}),
	)

	node, err := meshsub.Create(options...)
	if err != nil {
		return err
	}
	defer node.Shutdown()

	fmt.Printf("listening on %s/%s\n", node.BindAddr(), node.ID())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Subscribe(nodeTopic); err != nil {
		return err
	}

	if len(conf.Seeds) > 0 {
		if err := node.Join(ctx, conf.Seeds); err != nil {
			fmt.Printf("failed to join seeds: %v\n", err)
		}
	}
	if len(args) == 1 {
		if err := dial(ctx, node, args[0]); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return publishLoop(ctx, node)
	})
	if nodeMetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, nodeMetricsAddr, reg)
		})
	}
	return g.Wait()
}

// dial connects to the node with the given connection string, of the form
// <addr>/<peer-id>, and marks it as an explicit peer. The peer ID is optional
// and if given must match the ID of the node dialed.
func dial(ctx context.Context, node *meshsub.Meshsub, target string) error {
	addr, expected, hasID := strings.Cut(target, "/")

	var expectedID peer.ID
	if hasID {
		id, err := peer.Decode(expected)
		if err != nil {
			return fmt.Errorf("invalid peer id: %s: %w", expected, err)
		}
		expectedID = id
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	id, err := node.Connect(ctx, addr)
	if err != nil {
		return err
	}
	if hasID && id != expectedID {
		return fmt.Errorf("peer id mismatch: expected %s, got %s", expectedID, id)
	}
	if err := node.AddExplicitPeer(id); err != nil {
		return err
	}
	fmt.Printf("explicit peer: %s\n", id)
	return nil
}

// publishLoop publishes a message to the topic on each interval, as long as
// the node has connected peers. Explicit peers never join the mesh so the
// mesh may be empty.
func publishLoop(ctx context.Context, node *meshsub.Meshsub) error {
	ticker := time.NewTicker(nodePublishInterval)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if len(node.Peers()) == 0 {
				continue
			}

			data := fmt.Sprintf("hello #%d from %s", n, node.ID().ShortString())
			n++
			if _, err := node.Publish(nodeTopic, []byte(data)); err != nil {
				return err
			}
			fmt.Printf("published: %s\n", data)
		}
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
