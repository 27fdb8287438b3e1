package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookline/internal/queue"
)

type publishedTask struct {
	DeliveryID string `json:"deliveryId"`
	EndpointID string `json:"endpointId"`
	EventType  string `json:"eventType"`
}

func newPublishCmd(o *options) *cobra.Command {
	var (
		event, data, dataFile string
		accountID, ownerID    string
		endpoints             []string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an event to the worker queue for one or more endpoints",
		Example: `  hookctl publish --endpoint ep_123 --endpoint ep_456 \
    --event message.delivered --data '{"messageId":"wamid.1","to":"+15550001111"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(cmd, data, dataFile)
			if err != nil {
				return err
			}
			env, err := buildEnvelope(event, raw, accountID, ownerID)
			if err != nil {
				return err
			}

			logger := o.logger()
			prod, stop, err := o.newProducer(o.v.GetString("nsqd"), logger)
			if err != nil {
				return fmt.Errorf("nsq producer: %w", err)
			}
			defer stop()

			ctx, cancel := o.withTimeout(cmd.Context())
			defer cancel()
			pub := queue.NewPublisher(prod, o.v.GetString("topic"), "")
			tasks, err := pub.PublishEnvelope(ctx, env, endpoints...)

			out := make([]publishedTask, 0, len(tasks))
			for _, t := range tasks {
				out = append(out, publishedTask{DeliveryID: t.DeliveryID, EndpointID: t.EndpointID, EventType: t.EventType})
			}
			if perr := o.print(cmd, out, func(w io.Writer) {
				for _, t := range out {
					fmt.Fprintf(w, "queued %s -> %s (delivery %s)\n", t.EventType, t.EndpointID, t.DeliveryID)
				}
			}); perr != nil {
				return perr
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&endpoints, "endpoint", nil, "endpoint id to deliver to (repeatable)")
	f.StringVarP(&event, "event", "e", "", "event type")
	f.StringVarP(&data, "data", "d", "", "event data as JSON")
	f.StringVar(&dataFile, "data-file", "", "read event data from a file (- for stdin)")
	f.StringVar(&accountID, "account", "", "account (WABA) id")
	f.StringVar(&ownerID, "owner", "", "owner user id")
	f.String("nsqd", "127.0.0.1:4150", "nsqd TCP address")
	f.String("topic", "webhook_events", "topic carrying webhook event tasks")
	_ = o.v.BindPFlag("nsqd", f.Lookup("nsqd"))
	_ = o.v.BindPFlag("topic", f.Lookup("topic"))
	_ = cmd.MarkFlagRequired("endpoint")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}
