package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/timvw/pane-relay/internal/focus"
	"github.com/timvw/pane-relay/internal/lifecycle"
	"github.com/timvw/pane-relay/internal/protocol"
	"github.com/timvw/pane-relay/internal/relay"
	"github.com/timvw/pane-relay/internal/sink"
)

var (
	flagLabel    string
	flagClientID string
	flagSink     string
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Register this terminal as a listener and receive elements",
	Long: `Connect to the relay's listener endpoint, register, and heartbeat
every heartbeat_interval. Each element routed to this listener is handed
to the sink: printed on stdout, or typed into this tmux pane (sink: tmux).

The endpoint label defaults to the current directory name; inside tmux the
pane id is sent as a process hint so focus-based routing can find it.

The link reconnects with exponential backoff until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListen()
	},
}

func init() {
	listenCmd.Flags().StringVar(&flagLabel, "label", "", "endpoint label (default: current directory name)")
	listenCmd.Flags().StringVar(&flagClientID, "client-id", "", "client id (default: random)")
	listenCmd.Flags().StringVar(&flagSink, "sink", "", "where elements go: stdout, tmux (default: from config)")
	rootCmd.AddCommand(listenCmd)
}

func runListen() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagSink != "" {
		cfg.Sink = flagSink
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	tel := initTelemetry(ctx, cfg, "listener")
	defer tel.Shutdown(context.Background()) //nolint:errcheck

	pane := os.Getenv("TMUX_PANE")
	out, err := sink.FromName(cfg.Sink, pane, os.Stdout)
	if err != nil {
		return err
	}

	clientID := flagClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	label := flagLabel
	if label == "" {
		if wd, err := os.Getwd(); err == nil {
			label = filepath.Base(wd)
		}
	}
	hint := ""
	if pane != "" {
		hint = focus.PaneHint(pane)
	}
	log = log.With("client", clientID)

	elements := make(chan json.RawMessage, 16)
	mgr := lifecycle.New(lifecycle.Config{
		URL:               cfg.ListenerURL(),
		Role:              "listener",
		HeartbeatInterval: cfg.HeartbeatDuration,
		InitialDelay:      cfg.ReconnectInitialDuration,
		MaxDelay:          cfg.ReconnectMaxDuration,
	}, lifecycle.WebSocketDialer{ReadLimit: relay.DefaultMaxMessageBytes},
		lifecycle.WithLogger(log),
		lifecycle.WithMetrics(tel.Metrics),
		lifecycle.WithHello(func() ([]byte, error) {
			return protocol.NewRegister(clientID, label, hint, os.Getpid()).Encode()
		}),
		lifecycle.WithHeartbeat(func(now time.Time) ([]byte, error) {
			return protocol.NewHeartbeat(clientID, now).Encode()
		}),
		lifecycle.WithMessageHandler(func(frame []byte) {
			env, err := protocol.Decode(frame)
			if err != nil || env.Type != protocol.TypeElement || !env.HasData() {
				log.Warn("ignoring unexpected frame from relay", "error", err, "type", env.Type)
				return
			}
			select {
			case elements <- env.Data:
			default:
				log.Warn("sink busy, dropping element")
			}
		}),
		lifecycle.WithStateHandler(func(p lifecycle.Phase) {
			log.Debug("link state", "phase", p.String())
		}),
	)

	fmt.Fprintf(os.Stderr, "listen: %s as %q (hint %q, sink %s)\n", cfg.ListenerURL(), label, hint, out.Name())
	// Ctrl-C during the first dial aborts it instead of waiting it out.
	stopLink := context.AfterFunc(ctx, mgr.Disconnect)
	defer stopLink()
	mgr.Connect()
	defer mgr.Disconnect()

	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-elements:
			if err := out.Deliver(ctx, data); err != nil {
				log.Error("deliver element", "error", err)
			}
		}
	}
}
