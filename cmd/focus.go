package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/timvw/pane-relay/internal/focus"
)

var focusCmd = &cobra.Command{
	Use:   "focus",
	Short: "Run the configured focus probe once and print what it reports",
	Long: `Run the focus probe the relay would use for a multi-listener
decision and print its outcome. Useful to check that the identity it
reports contains the process hint your listeners register with.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		probe, err := focus.Detect(cfg.FocusProbe, cfg.FocusCommand)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		identity, outcome := focus.Bounded(ctx, probe, cfg.ProbeTimeoutDuration)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "probe:    %s\n", probe.Name())
		fmt.Fprintf(out, "outcome:  %s\n", outcome)
		if identity != "" {
			fmt.Fprintf(out, "identity: %s\n", identity)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(focusCmd)
}
