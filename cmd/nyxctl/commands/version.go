package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seleniaproject/nyxd/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show nyxctl version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.Full("nyxctl"))
		},
	}
}
