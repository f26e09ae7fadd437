// eval contains a tool for evaluating the meshsub protocol and
// implementation.
package main

import (
	"github.com/andydunstall/meshsub/eval/cmd"
)

func main() {
	cmd.Execute()
}
