package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/timvw/pane-relay/internal/focus"
	"github.com/timvw/pane-relay/internal/pidlock"
	"github.com/timvw/pane-relay/internal/relay"
)

var (
	flagProducerPort int
	flagListenerPort int
	flagNoLock       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	Long: `Run the relay: a producer endpoint for browser events, a listener
endpoint for terminal clients, and the dispatch loop between them.

Only one relay runs per lock file. Starting a second one asks the first
to exit (SIGTERM, then SIGKILL after the shutdown timeout).

If a configured port is busy, the next ports are tried (port_attempts).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	serveCmd.Flags().IntVar(&flagProducerPort, "producer-port", 0, "producer endpoint port (default: from config, 7341)")
	serveCmd.Flags().IntVar(&flagListenerPort, "listener-port", 0, "listener endpoint port (default: from config, 7342)")
	serveCmd.Flags().BoolVar(&flagNoLock, "no-lock", false, "do not take the single-instance lock file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("producer-port") {
		cfg.ProducerPort = flagProducerPort
	}
	if cmd.Flags().Changed("listener-port") {
		cfg.ListenerPort = flagListenerPort
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	tel := initTelemetry(ctx, cfg, "relay")
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDuration)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			log.Warn("otel shutdown", "error", err)
		}
	}()

	probe, err := focus.Detect(cfg.FocusProbe, cfg.FocusCommand)
	if err != nil {
		return err
	}

	var lock *pidlock.Lock
	if !flagNoLock {
		path := cfg.LockFile
		if path == "" {
			path = pidlock.DefaultPath()
		}
		lock, err = pidlock.Acquire(path, Version, cfg.ShutdownDuration, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				log.Warn("release lock", "error", err)
			}
		}()
	}

	srv := relay.New(relay.Config{
		Host:            cfg.Host,
		ProducerPort:    cfg.ProducerPort,
		ListenerPort:    cfg.ListenerPort,
		PortAttempts:    cfg.PortAttempts,
		FreshWindow:     cfg.FreshDuration,
		ProbeTimeout:    cfg.ProbeTimeoutDuration,
		ShutdownTimeout: cfg.ShutdownDuration,
	},
		relay.WithLogger(log),
		relay.WithMetrics(tel.Metrics),
		relay.WithTracer(tel.Tracer),
		relay.WithProbe(probe),
	)
	if err := srv.Start(); err != nil {
		return err
	}
	if lock != nil {
		if err := lock.SetAddrs(srv.ProducerAddr(), srv.ListenerAddr()); err != nil {
			log.Warn("record addresses in lock file", "error", err)
		}
	}

	fmt.Fprintf(os.Stderr, "relay: producer endpoint ws://%s/\n", srv.ProducerAddr())
	fmt.Fprintf(os.Stderr, "relay: listener endpoint ws://%s/ (status: http://%s%s)\n",
		srv.ListenerAddr(), srv.ListenerAddr(), relay.StatusPath)
	fmt.Fprintf(os.Stderr, "relay: focus probe %s\n", probe.Name())

	<-ctx.Done()
	fmt.Fprintf(os.Stderr, "relay: shutting down\n")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDuration)
	defer cancel()
	return srv.Shutdown(sctx)
}
