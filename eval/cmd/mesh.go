package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/andydunstall/meshsub"
	"github.com/andydunstall/meshsub/cluster"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const evalTopic = "eval"

var meshNodes int

func init() {
	meshCmd.Flags().IntVar(&meshNodes, "nodes", 32, "number of nodes in the cluster")

	rootCmd.AddCommand(meshCmd)
}

var meshCmd = &cobra.Command{
	Use:   "mesh",
	Short: "Measure the time for every node in the cluster to build its mesh",
	Run: func(cmd *cobra.Command, args []string) {
		cluster := cluster.NewCluster(zap.NewNop())
		defer cluster.Shutdown()

		if err := cluster.AddNodes(meshNodes); err != nil {
			log.Fatalf("failed to add nodes: %v", err)
		}

		start := time.Now()
		if err := cluster.Subscribe(evalTopic); err != nil {
			log.Fatalf("failed to subscribe: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
		defer cancel()

		if err := cluster.WaitForMesh(ctx, evalTopic, meshsub.DefaultDlo); err != nil {
			log.Fatalf("timed out waiting for mesh: %v", err)
		}
		fmt.Printf("mesh built in %s\n", time.Since(start))

		degrees := make(map[int]int)
		for _, node := range cluster.Nodes() {
			degrees[len(node.Meshsub.MeshPeers(evalTopic))]++
		}
		for d := meshsub.DefaultDlo; d <= meshsub.DefaultDhi; d++ {
			if degrees[d] > 0 {
				fmt.Printf("  degree %d: %d nodes\n", d, degrees[d])
			}
		}
	},
}
