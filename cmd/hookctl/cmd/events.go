package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookline/internal/webhook"
)

func newEventsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "List the event types endpoints can receive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			types := webhook.EventTypes()
			return o.print(cmd, types, func(w io.Writer) {
				for _, t := range types {
					fmt.Fprintln(w, t)
				}
			})
		},
	}
}
