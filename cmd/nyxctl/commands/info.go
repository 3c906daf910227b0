package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// infoResult mirrors the daemon's info payload.
type infoResult struct {
	Version       string        `json:"version"`
	Commit        string        `json:"commit"`
	Uptime        time.Duration `json:"uptime"`
	Sessions      int           `json:"sessions"`
	Connections   int           `json:"connections"`
	FrameLenCap   int           `json:"frame_len_cap"`
	ConfigVersion uint64        `json:"config_version"`
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show daemon identity and health",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			var info infoResult
			if err := c.call("GET", "/v1/info", nil, &info); err != nil {
				return err
			}
			if flagJSON {
				return nil
			}

			fmt.Printf("nyxd %s (%s)\n", info.Version, info.Commit)
			fmt.Printf("  uptime:         %s\n", info.Uptime.Round(time.Second))
			fmt.Printf("  sessions:       %d\n", info.Sessions)
			fmt.Printf("  connections:    %d\n", info.Connections)
			fmt.Printf("  frame cap:      %d bytes\n", info.FrameLenCap)
			fmt.Printf("  config version: %d\n", info.ConfigVersion)
			return nil
		},
	}
}
