package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"sess"},
		Short:   "Inspect and manage sessions",
	}
	cmd.AddCommand(newSessionsGetCmd(), newSessionsCloseCmd())
	return cmd
}

func newSessionsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one session's status",
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
			if err := c.call("GET", fmt.Sprintf("/v1/sessions/%d", id), nil, &st); err != nil {
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

func newSessionsCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <id>",
		Short: "Close a session",
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

			if err := c.call("DELETE", fmt.Sprintf("/v1/sessions/%d", id), nil, nil); err != nil {
				return err
			}
			if !flagJSON {
				fmt.Printf("session %d closed\n", id)
			}
			return nil
		},
	}
}
