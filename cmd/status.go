package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/timvw/pane-relay/internal/config"
	"github.com/timvw/pane-relay/internal/pidlock"
	"github.com/timvw/pane-relay/internal/protocol"
	"github.com/timvw/pane-relay/internal/statusview"
)

var (
	flagWatch    bool
	flagInterval time.Duration
	flagTheme    string
	flagAddr     string
	flagJSON     bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the listeners registered with the running relay",
	Long: `Query the relay's /status endpoint and print every registered
listener with its heartbeat age and freshness.

The relay address is taken from --addr, then from the lock file of a
running relay, then from the configured listener port.

Use --watch for a live view (q to quit, r to refresh).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd)
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&flagWatch, "watch", "w", false, "live view, refreshed every --interval")
	statusCmd.Flags().DurationVar(&flagInterval, "interval", time.Second, "refresh interval for --watch")
	statusCmd.Flags().StringVar(&flagTheme, "theme", envOrDefault("PANE_RELAY_THEME", "dark"), "color theme: dark, light")
	statusCmd.Flags().StringVar(&flagAddr, "addr", "", "relay listener address host:port")
	statusCmd.Flags().BoolVar(&flagJSON, "json", false, "print the raw status as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := statusAddr(cfg)
	client := &http.Client{Timeout: 2 * time.Second}
	fetch := func(ctx context.Context) (protocol.Status, error) {
		return statusview.Fetch(ctx, client, addr)
	}

	if flagWatch {
		w := &statusview.Watch{
			Fetch:    fetch,
			Interval: flagInterval,
			Theme:    statusview.ThemeByName(flagTheme),
		}
		return w.Run(cmd.Context())
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := fetch(ctx)
	if err != nil {
		return fmt.Errorf("relay at %s: %w", addr, err)
	}
	if flagJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	fmt.Fprint(cmd.OutOrStdout(), statusview.Render(st, statusview.ThemeByName(flagTheme)))
	return nil
}

// statusAddr picks the relay listener address: flag, live lock file, config.
func statusAddr(cfg *config.Config) string {
	if flagAddr != "" {
		return flagAddr
	}
	path := cfg.LockFile
	if path == "" {
		path = pidlock.DefaultPath()
	}
	if info, err := pidlock.Read(path); err == nil && info.ListenerAddr != "" && pidlock.IsRunning(info.PID) {
		return info.ListenerAddr
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "status: lock file %s has no live relay address, using config\n", path)
	}
	return cfg.ListenerAddr()
}
