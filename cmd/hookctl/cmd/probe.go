package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newProbeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <url>",
		Short: "Check whether a webhook endpoint is reachable",
		Long:  `Probe sends a single HEAD request. Any status below 500 counts as healthy.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.withTimeout(cmd.Context())
			defer cancel()

			res := o.client().CheckWebhookHealth(ctx, args[0])
			err := o.print(cmd, res, func(w io.Writer) {
				if res.Healthy {
					fmt.Fprintf(w, "healthy status=%d %dms\n", res.StatusCode, res.ResponseTimeMs)
					return
				}
				fmt.Fprintf(w, "unhealthy status=%d %dms %s\n", res.StatusCode, res.ResponseTimeMs, res.Error)
			})
			if err != nil {
				return err
			}
			if !res.Healthy {
				return fmt.Errorf("endpoint unhealthy")
			}
			return nil
		},
	}
}
