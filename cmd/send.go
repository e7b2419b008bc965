package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/timvw/pane-relay/internal/lifecycle"
	"github.com/timvw/pane-relay/internal/protocol"
	"github.com/timvw/pane-relay/internal/relay"
)

var (
	flagData        string
	flagEventType   string
	flagSendTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send element events to the relay as a producer",
	Long: `Connect to the relay's producer endpoint and send one event per
payload. A payload is any JSON value; it reaches the chosen listener
verbatim.

With --data a single payload is sent. Otherwise each non-empty stdin line
is one payload:

  echo '{"selector":"#main > h1","text":"Hello"}' | pane-relay send`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSend(cmd.InOrStdin())
	},
}

func init() {
	sendCmd.Flags().StringVar(&flagData, "data", "", "JSON payload to send (default: read lines from stdin)")
	sendCmd.Flags().StringVar(&flagEventType, "type", "element-selected", "event type tag")
	sendCmd.Flags().DurationVar(&flagSendTimeout, "timeout", 5*time.Second, "how long to wait for the relay connection")
	rootCmd.AddCommand(sendCmd)
}

func runSend(stdin io.Reader) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := checkEventType(flagEventType); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	mgr := lifecycle.New(lifecycle.Config{
		URL:               cfg.ProducerURL(),
		Role:              "producer",
		HeartbeatInterval: cfg.HeartbeatDuration,
		InitialDelay:      cfg.ReconnectInitialDuration,
		MaxDelay:          cfg.ReconnectMaxDuration,
	}, lifecycle.WebSocketDialer{ReadLimit: relay.DefaultMaxMessageBytes},
		lifecycle.WithLogger(log),
		lifecycle.WithHeartbeat(func(time.Time) ([]byte, error) {
			return protocol.NewPing().Encode()
		}),
	)
	stopLink := context.AfterFunc(ctx, mgr.Disconnect)
	defer stopLink()
	mgr.Connect()
	defer mgr.Disconnect()

	wctx, cancel := context.WithTimeout(ctx, flagSendTimeout)
	defer cancel()
	if err := mgr.WaitConnected(wctx); err != nil {
		return fmt.Errorf("relay not reachable at %s: %w", cfg.ProducerURL(), err)
	}

	send := func(payload string) error {
		frame, err := eventFrame(flagEventType, payload)
		if err != nil {
			return err
		}
		return mgr.Send(frame)
	}

	if flagData != "" {
		return send(flagData)
	}

	sent := 0
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), relay.DefaultMaxMessageBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := send(line); err != nil {
			return err
		}
		sent++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	fmt.Fprintf(os.Stderr, "send: %d event(s) sent\n", sent)
	return nil
}

// checkEventType rejects tags the relay would not route. A "ping" frame is
// dropped as a liveness probe even when it carries data.
func checkEventType(tag string) error {
	if tag == protocol.TypePing {
		return fmt.Errorf("event type %q is reserved for producer liveness pings", tag)
	}
	return nil
}

// eventFrame encodes payload as a producer event tagged tag.
func eventFrame(tag, payload string) ([]byte, error) {
	if err := checkEventType(tag); err != nil {
		return nil, err
	}
	data := json.RawMessage(payload)
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON: %s", truncatePayload(payload))
	}
	return protocol.NewEvent(tag, data).Encode()
}

func truncatePayload(s string) string {
	if len(s) <= 60 {
		return s
	}
	return s[:57] + "..."
}
