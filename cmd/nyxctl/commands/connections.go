package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newConnectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connections",
		Aliases: []string{"conn"},
		Short:   "Inspect and manage connections",
	}
	cmd.AddCommand(
		newConnectionsListCmd(),
		newConnectionsGetCmd(),
		newConnectionsCloseCmd(),
	)
	return cmd
}

func newConnectionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connection ids",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			var ids []uint32
			if err := c.call("GET", "/v1/connections", nil, &ids); err != nil {
				return err
			}
			if flagJSON {
				return nil
			}

			if len(ids) == 0 {
				fmt.Println("no connections")
				return nil
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func parseID(arg string) (uint32, error) {
	id, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse id %q: %w", arg, err)
	}
	return uint32(id), nil
}

func newConnectionsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one connection's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}

			var st map[string]any
			if err := c.call("GET", fmt.Sprintf("/v1/connections/%d", id), nil, &st); err != nil {
				return err
			}
			if flagJSON {
				return nil
			}
			printKV(st)
			return nil
		},
	}
}

func newConnectionsCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <id>",
		Short: "Close a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}

			if err := c.call("DELETE", fmt.Sprintf("/v1/connections/%d", id), nil, nil); err != nil {
				return err
			}
			if !flagJSON {
				fmt.Printf("connection %d closed\n", id)
			}
			return nil
		},
	}
}
