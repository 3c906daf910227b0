package commands

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:     "events",
		Aliases: []string{"monitor"},
		Short:   "Stream daemon events",
		Long: `Stream management events as they occur. Interrupt to stop.

Filter with --type, e.g.:

  nyxctl events --type config_updated --type session_state`,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			path := "/v1/events"
			if len(types) > 0 {
				path += "?types=" + url.QueryEscape(strings.Join(types, ","))
			}

			return c.stream(path, func(line []byte) bool {
				if flagJSON {
					fmt.Println(string(line))
					return true
				}
				var ev struct {
					Type      string         `json:"type"`
					Timestamp string         `json:"timestamp"`
					Fields    map[string]any `json:"fields"`
				}
				if err := json.Unmarshal(line, &ev); err != nil {
					fmt.Println(string(line))
					return true
				}
				fmt.Printf("%s  %-18s %v\n", ev.Timestamp, ev.Type, ev.Fields)
				return true
			})
		},
	}
	cmd.Flags().StringArrayVar(&types, "type", nil, "event types to include (repeatable)")
	return cmd
}
