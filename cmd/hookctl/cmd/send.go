package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/webhook"
)

func newSendCmd(o *options) *cobra.Command {
	var (
		secret, event, data, dataFile string
		accountID, ownerID            string
		deliveryID, backoff           string
		attempts                      int
		trace                         bool
	)

	cmd := &cobra.Command{
		Use:   "send <url>",
		Short: "Sign and deliver one event directly to a webhook URL",
		Long: `Send signs an event envelope with the endpoint secret and POSTs it to the
URL, retrying failed attempts on the backoff schedule.`,
		Example: `  hookctl send https://example.com/hook --secret whsec_... \
    --event message.sent --data '{"messageId":"wamid.1","to":"+15550001111"}'
  hookctl send http://localhost:8081/hook --dev --secret whsec_... --attempts 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = o.v.GetString("secret")
			}
			if secret == "" {
				return errors.New("--secret is required (or set HOOKCTL_SECRET)")
			}
			raw, err := readPayload(cmd, data, dataFile)
			if err != nil {
				return err
			}
			env, err := buildEnvelope(event, raw, accountID, ownerID)
			if err != nil {
				return err
			}
			opts := webhook.SendOptions{
				MaxAttempts: attempts,
				DeliveryID:  deliveryID,
				Trace:       trace,
			}
			if backoff != "" {
				opts.BackoffSchedule = config.ParseBackoffSchedule(backoff)
			}

			ctx, cancel := o.withTimeout(cmd.Context())
			defer cancel()
			res := o.client().SendWebhookWithRetry(ctx, args[0], env, secret, opts)

			if err := o.print(cmd, res, func(w io.Writer) { printResult(w, res) }); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("delivery %s failed: %s", res.DeliveryID, res.LastError)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&secret, "secret", "", "endpoint signing secret")
	f.StringVarP(&event, "event", "e", string(webhook.EventWebhookTest), "event type")
	f.StringVarP(&data, "data", "d", "", "event data as JSON")
	f.StringVar(&dataFile, "data-file", "", "read event data from a file (- for stdin)")
	f.StringVar(&accountID, "account", "", "account (WABA) id")
	f.StringVar(&ownerID, "owner", "", "owner user id")
	f.StringVar(&deliveryID, "delivery-id", "", "delivery id (generated when empty)")
	f.IntVar(&attempts, "attempts", 0, "maximum attempts (default 3)")
	f.StringVar(&backoff, "backoff", "", "comma separated backoff schedule, e.g. 1s,5s,15s")
	f.BoolVar(&trace, "trace", false, "report every attempt")
	return cmd
}

func printResult(w io.Writer, res webhook.Result) {
	status := "FAILED"
	if res.Success {
		status = "DELIVERED"
	}
	fmt.Fprintf(w, "%s delivery=%s attempts=%d state=%s\n", status, res.DeliveryID, res.Attempts, res.State)
	if !res.Success {
		fmt.Fprintf(w, "  error: %s\n", res.LastError)
		if res.LastReason != "" {
			fmt.Fprintf(w, "  last:  %s (%s)\n", res.LastReason, res.LastClass)
		}
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	for _, a := range res.Trace {
		fmt.Fprintf(w, "  #%d %s status=%d %dms %s\n", a.AttemptNumber, a.Outcome, a.HTTPStatus, a.ResponseTimeMs, a.Reason)
	}
}
