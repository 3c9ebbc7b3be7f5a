package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sofatutor/vertex-proxy/internal/config"
	"github.com/sofatutor/vertex-proxy/internal/eventbus"
	"github.com/sofatutor/vertex-proxy/internal/logging"
	"github.com/sofatutor/vertex-proxy/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Events command flags
var (
	eventsGroup    string
	eventsConsumer string
	eventsCount    int
	eventsTimeout  time.Duration
	eventsText     bool
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail request events from the redis stream",
		Long: `Read the request events the proxy publishes with EVENT_BUS=redis and print one
per line as JSON. Events are consumed through a consumer group and acknowledged,
so several tailers sharing --group split the stream between them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if eventsTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, eventsTimeout)
				defer cancel()
			}
			return runEvents(ctx, cmd)
		},
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "vertex-proxy-events"
	}
	defaults := eventbus.DefaultRedisStreamsConfig()
	cmd.Flags().StringVar(&eventsGroup, "group", defaults.ConsumerGroup, "Consumer group to read through")
	cmd.Flags().StringVar(&eventsConsumer, "consumer", hostname, "Consumer name within the group")
	cmd.Flags().IntVarP(&eventsCount, "count", "n", 0, "Exit after this many events (0 = until interrupted)")
	cmd.Flags().DurationVar(&eventsTimeout, "timeout", 0, "Exit after this long (0 = until interrupted)")
	cmd.Flags().BoolVar(&eventsText, "text", false, "Print a short text line instead of JSON")
	return cmd
}

func runEvents(ctx context.Context, cmd *cobra.Command) error {
	if err := loadEnvironment(map[string]string{}); err != nil {
		return err
	}
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// stdout carries the events, so logs only go to an explicit file.
	logger := zap.NewNop()
	if cfg.LogFile != "" {
		if logger, err = logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()
	}

	busCfg := eventbus.DefaultRedisStreamsConfig()
	busCfg.ConsumerGroup = eventsGroup
	busCfg.ConsumerName = eventsConsumer
	bus, err := server.NewRedisEventBus(ctx, cfg, busCfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	backlog, err := bus.StreamLength(ctx)
	if err != nil {
		return fmt.Errorf("read stream length: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Tailing %s on %s as %s/%s (%d entries in stream)\n",
		cfg.RedisStreamKey, cfg.RedisAddr, eventsGroup, eventsConsumer, backlog)

	events := bus.Subscribe()
	out := cmd.OutOrStdout()
	for seen := 0; eventsCount == 0 || seen < eventsCount; seen++ {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return errors.New("event stream closed")
			}
			if err := printEvent(out, evt); err != nil {
				return err
			}
		}
	}
	return nil
}

func printEvent(w io.Writer, evt eventbus.Event) error {
	if eventsText {
		_, err := fmt.Fprintf(w, "%s %s %s %d stream=%t bytes=%d %s %s\n",
			evt.Timestamp.Format(time.RFC3339), evt.Method, evt.Path, evt.Status,
			evt.Stream, evt.ResponseBytes, evt.Duration.Round(time.Millisecond), evt.RequestID)
		return err
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", line)
	return err
}
