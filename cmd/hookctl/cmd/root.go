package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/queue"
	"github.com/austindbirch/hookline/internal/webhook"
)

const configName = ".hookctl"

// options carries the resolved settings of one invocation. Every setting is
// read through viper so flags, HOOKCTL_* env vars and the config file layer
// in that order.
type options struct {
	v       *viper.Viper
	cfgFile string

	// newProducer opens an NSQ producer; replaced in tests.
	newProducer func(addr string, logger *logging.Logger) (queue.Producer, func(), error)
}

func (o *options) timeout() time.Duration { return o.v.GetDuration("timeout") }

// withTimeout bounds ctx by --timeout. Zero or a negative value means no bound.
func (o *options) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := o.timeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
func (o *options) asJSON() bool           { return o.v.GetBool("json") }

func (o *options) logger() *logging.Logger {
	if o.v.GetBool("verbose") {
		return logging.New("hookctl")
	}
	return logging.Nop()
}

func (o *options) client() *webhook.Client {
	return webhook.NewClient(webhook.ClientConfig{
		Development: o.v.GetBool("dev"),
		UserAgent:   o.v.GetString("user-agent"),
		Logger:      o.logger(),
	})
}

// NewRootCmd builds the hookctl command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&options{v: viper.New(), newProducer: nsqProducer})
}

func newRootCmd(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "hookctl",
		Short: "hookline CLI - sign, send and publish webhook events",
		Long: `hookctl is a command line tool for the hookline webhook delivery system.

Use it to send signed events straight to an endpoint, probe endpoint health,
generate and check signing secrets, and publish events to the worker queue.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.initConfig()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.cfgFile, "config", "", "config file (default is $HOME/.hookctl.yaml)")
	pf.Duration("timeout", 2*time.Minute, "overall timeout for the command (0 for none)")
	pf.Bool("json", false, "output in JSON format")
	pf.Bool("dev", false, "development mode: allow private and loopback URLs without warnings")
	pf.String("user-agent", webhook.DefaultUserAgent, "User-Agent sent with webhook requests")
	pf.BoolP("verbose", "v", false, "write structured delivery logs")
	for _, name := range []string{"timeout", "json", "dev", "user-agent", "verbose"} {
		_ = o.v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(
		newSendCmd(o),
		newProbeCmd(o),
		newSecretCmd(o),
		newSignCmd(o),
		newVerifyCmd(o),
		newPublishCmd(o),
		newEventsCmd(o),
		newConfigCmd(o),
		newVersionCmd(o),
		newCompletionCmd(),
	)
	return root
}

// Execute runs the root command and reports errors on stderr.
func Execute() error {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	}
	return err
}

// initConfig reads in the config file and ENV variables if set.
func (o *options) initConfig() error {
	if o.cfgFile != "" {
		o.v.SetConfigFile(o.cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			o.v.AddConfigPath(home)
		}
		o.v.SetConfigType("yaml")
		o.v.SetConfigName(configName)
	}

	o.v.SetEnvPrefix("HOOKCTL")
	o.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	o.v.AutomaticEnv()

	if err := o.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// print writes v as indented JSON with --json, otherwise calls human.
func (o *options) print(cmd *cobra.Command, v any, human func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if o.asJSON() {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(w)
	return nil
}

// readPayload returns the literal --data value, or the contents of
// --data-file ("-" reads stdin).
func readPayload(cmd *cobra.Command, data, file string) ([]byte, error) {
	switch {
	case data != "" && file != "":
		return nil, errors.New("use either --data or --data-file, not both")
	case file == "-":
		return io.ReadAll(cmd.InOrStdin())
	case file != "":
		return os.ReadFile(file)
	default:
		return []byte(data), nil
	}
}

// buildEnvelope validates raw against the event's schema and wraps it.
func buildEnvelope(event string, raw []byte, accountID, ownerID string) (webhook.Envelope, error) {
	typ, err := webhook.ParseEventType(event)
	if err != nil {
		return webhook.Envelope{}, err
	}
	if len(raw) == 0 {
		if typ != webhook.EventWebhookTest {
			return webhook.Envelope{}, fmt.Errorf("--data is required for %s", typ)
		}
		raw = []byte(`{"message":"hookctl test event"}`)
	}
	data, err := webhook.DecodeData(typ, raw)
	if err != nil {
		return webhook.Envelope{}, err
	}
	return webhook.NewEnvelope(typ, data, accountID, ownerID)
}

func nsqProducer(addr string, logger *logging.Logger) (queue.Producer, func(), error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, nil, err
	}
	p.SetLogger(zap.NewStdLog(logger.Zap()), nsq.LogLevelWarning)
	return p, p.Stop, nil
}
