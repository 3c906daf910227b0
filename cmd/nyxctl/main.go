// nyxctl -- control CLI for the Nyx daemon.
package main

import (
	"os"

	"github.com/seleniaproject/nyxd/cmd/nyxctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
