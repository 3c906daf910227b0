package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newErrorsCmd() *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Show the daemon's error summary",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			var summary struct {
				TotalRecords uint64           `json:"TotalRecords"`
				TotalCount   uint64           `json:"TotalCount"`
				BySeverity   map[string]any   `json:"BySeverity"`
				ByCategory   map[string]any   `json:"ByCategory"`
				TopFrequent  []map[string]any `json:"TopFrequent"`
			}
			if err := c.call("GET", fmt.Sprintf("/v1/errors?top=%d", top), nil, &summary); err != nil {
				return err
			}
			if flagJSON {
				return nil
			}

			fmt.Printf("records: %d distinct, %d total\n", summary.TotalRecords, summary.TotalCount)
			if len(summary.TopFrequent) == 0 {
				fmt.Println("no errors recorded")
				return nil
			}
			fmt.Println("most frequent:")
			for _, rec := range summary.TopFrequent {
				fmt.Printf("  %vx  %v: %v\n", rec["Count"], rec["Type"], rec["Message"])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&top, "top", 10, "number of most frequent errors to show")
	return cmd
}
