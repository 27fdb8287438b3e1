package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var configKeys = []string{"timeout", "json", "dev", "user-agent", "nsqd", "topic"}

func newConfigCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage hookctl configuration",
	}

	view := &cobra.Command{
		Use:   "view",
		Short: "View the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := map[string]any{}
			for _, k := range configKeys {
				settings[k] = o.v.Get(k)
			}
			return o.print(cmd, settings, func(w io.Writer) {
				fmt.Fprintln(w, "Current configuration:")
				for _, k := range configKeys {
					fmt.Fprintf(w, "  %s: %v\n", k, o.v.Get(k))
				}
				if used := o.v.ConfigFileUsed(); used != "" {
					fmt.Fprintf(w, "  config file: %s\n", used)
				} else {
					fmt.Fprintln(w, "  config file: none (using defaults)")
				}
			})
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file to the home directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to get home directory: %w", err)
			}
			path := filepath.Join(home, configName+".yaml")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}

			o.v.SetDefault("timeout", "2m")
			o.v.SetDefault("nsqd", "127.0.0.1:4150")
			o.v.SetDefault("topic", "webhook_events")
			if err := o.v.WriteConfigAs(path); err != nil {
				return fmt.Errorf("failed to create config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	cmd.AddCommand(view, initCmd)
	return cmd
}
