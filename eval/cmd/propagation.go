package cmd

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/andydunstall/meshsub/cluster"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	propagationNodes    int
	propagationMessages int
)

func init() {
	propagationCmd.Flags().IntVar(&propagationNodes, "nodes", 32, "number of nodes in the cluster")
	propagationCmd.Flags().IntVar(&propagationMessages, "messages", 10, "number of messages to publish")

	rootCmd.AddCommand(propagationCmd)
}

var propagationCmd = &cobra.Command{
	Use:   "propagation",
	Short: "Measure the time for a message to propagate to all nodes in the cluster",
	Run: func(cmd *cobra.Command, args []string) {
		cluster := cluster.NewCluster(zap.NewNop())
		defer cluster.Shutdown()

		if err := cluster.AddNodes(propagationNodes); err != nil {
			log.Fatalf("failed to add nodes: %v", err)
		}
		if err := cluster.Subscribe(evalTopic); err != nil {
			log.Fatalf("failed to subscribe: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
		defer cancel()

		if err := cluster.WaitForMesh(ctx, evalTopic, 1); err != nil {
			log.Fatalf("timed out waiting for mesh: %v", err)
		}

		nodes := cluster.Nodes()
		var latencies []time.Duration
		for i := 0; i != propagationMessages; i++ {
			publisher := nodes[i%len(nodes)]

			start := time.Now()
			id, err := publisher.Meshsub.Publish(evalTopic, []byte(fmt.Sprintf("message #%d", i)))
			if err != nil {
				log.Fatalf("failed to publish: %v", err)
			}
			if err = cluster.WaitToDeliver(ctx, id, publisher.ID()); err != nil {
				log.Fatalf("timed out waiting for message to propagate: %v", err)
			}

			// Use the latest delivery time rather than when the wait
			// returned as waiting polls.
			var last time.Time
			for _, node := range nodes {
				if t, ok := node.Delivered(id); ok && t.After(last) {
					last = t
				}
			}
			latencies = append(latencies, last.Sub(start))
		}

		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})
		fmt.Printf(
			"propagated %d messages to %d nodes: min %s, p50 %s, max %s\n",
			len(latencies),
			len(nodes),
			latencies[0],
			latencies[len(latencies)/2],
			latencies[len(latencies)-1],
		)
	},
}
