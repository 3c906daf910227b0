package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage daemon configuration",
	}
	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigReloadCmd(),
		newConfigUpdateCmd(),
		newConfigVersionsCmd(),
		newConfigRollbackCmd(),
		newConfigSnapshotCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active configuration",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			var cfg map[string]any
			if err := c.call("GET", "/v1/config", nil, &cfg); err != nil {
				return err
			}
			if flagJSON {
				return nil
			}

			rendered, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			fmt.Print(string(rendered))
			return nil
		},
	}
}

func newConfigReloadCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Reload configuration from a file",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			var summary map[string]any
			if err := c.call("POST", "/v1/config/reload",
				map[string]string{"path": path}, &summary); err != nil {
				return err
			}
			if !flagJSON {
				fmt.Printf("reloaded as version %v\n", summary["version"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "configuration file path on the daemon host")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func newConfigUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <key=value>...",
		Short: "Apply runtime configuration updates",
		Long: `Apply key=value updates to the running configuration, e.g.:

  nyxctl config update log.level=debug mix.enabled=true mix.batch_size=64`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			patch := make(map[string]any, len(args))
			for _, arg := range args {
				key, raw, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("argument %q is not key=value", arg)
				}
				patch[key] = coerce(raw)
			}

			c, err := newClient()
			if err != nil {
				return err
			}

			var summary map[string]any
			if err := c.call("POST", "/v1/config/update", patch, &summary); err != nil {
				return err
			}
			if !flagJSON {
				fmt.Printf("updated as version %v\n", summary["version"])
			}
			return nil
		},
	}
}

// coerce maps CLI strings onto JSON types: bools and numbers pass as
// themselves, everything else stays a string.
func coerce(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func newConfigVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "List retained configuration versions",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			var versions []map[string]any
			if err := c.call("GET", "/v1/config/versions", nil, &versions); err != nil {
				return err
			}
			if flagJSON {
				return nil
			}

			for _, v := range versions {
				fmt.Printf("%v\t%v\t%v\n", v["version"], v["timestamp"], v["description"])
			}
			return nil
		},
	}
}

func newConfigRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <version>",
		Short: "Roll back to a retained configuration version",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ver, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parse version %q: %w", args[0], err)
			}

			c, err := newClient()
			if err != nil {
				return err
			}

			var summary map[string]any
			if err := c.call("POST", "/v1/config/rollback",
				map[string]uint64{"version": ver}, &summary); err != nil {
				return err
			}
			if !flagJSON {
				fmt.Printf("rolled back; now version %v\n", summary["version"])
			}
			return nil
		},
	}
}

func newConfigSnapshotCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Snapshot the active configuration",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			var summary map[string]any
			if err := c.call("POST", "/v1/config/snapshot",
				map[string]string{"description": description}, &summary); err != nil {
				return err
			}
			if !flagJSON {
				fmt.Printf("snapshot stored as version %v\n", summary["version"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "snapshot description")
	return cmd
}
