package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mirrorbot/internal/app"
	"mirrorbot/internal/config"
	"mirrorbot/internal/mirror"
)

func newRootCommand() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "mirrorbot",
		Short:         "Relay Telegram channel posts, edits and deletions to mirror channels",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")

	cmd.AddCommand(
		newBackfillCommand(&cfgPath),
		newCheckCommand(&cfgPath),
	)
	return cmd
}

func run(parent context.Context, cfgPath string) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopAppStop
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func newBackfillCommand(cfgPath *string) *cobra.Command {
	var (
		source  int64
		from    int
		limit   int
		targets []int64
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Copy existing source history to its mirrors, oldest first",
		Example: `  mirrorbot backfill --source -1001234567890
  mirrorbot backfill --source -1001234567890 --from 500 --limit 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if source == 0 {
				return errors.New("--source is required")
			}
			a, err := app.NewApp(*cfgPath, app.WithoutPolling())
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			req := mirror.BackfillRequest{Source: mirror.FeedID(source), FromID: mirror.MessageID(from), Limit: limit}
			for _, t := range targets {
				req.Targets = append(req.Targets, mirror.FeedID(t))
			}
			rep, runErr := a.RunBackfill(ctx, req)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, app.StopAppStop)

			fmt.Fprintf(cmd.OutOrStdout(), "copied=%d skipped=%d failed=%d last_id=%d cancelled=%v\n",
				rep.Copied, rep.Skipped, rep.Failed, rep.LastID, rep.Cancelled)
			return runErr
		},
	}
	cmd.Flags().Int64Var(&source, "source", 0, "source chat id")
	cmd.Flags().IntVar(&from, "from", 0, "first message id (default: the oldest)")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many messages (0: no limit)")
	cmd.Flags().Int64SliceVar(&targets, "target", nil, "destination chat id (repeatable; default: the configured routes)")
	return cmd
}

func newCheckCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Parse and validate the config, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return nil
		},
	}
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
