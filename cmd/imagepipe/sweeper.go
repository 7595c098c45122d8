package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openjobspec/ojs-imagepipe/internal/metrics"
	"github.com/openjobspec/ojs-imagepipe/internal/scheduler"
	"github.com/openjobspec/ojs-imagepipe/internal/workarea"
)

func newSweeperCommand(ctx *commandContext) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "sweeper",
		Short: "Remove job directories past their retention age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sweeper, err := newSweeper(ctx)
			if err != nil {
				return err
			}
			if once {
				removed, err := sweeper.RunOnce()
				if errors.Is(err, workarea.ErrSweepLocked) {
					ctx.logger.Info("another sweep is running, skipping")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d job directories\n", len(removed))
				return nil
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			metrics.Init(version, "sweeper")
			startMetrics(signalCtx, ctx)
			return runSweeper(signalCtx, ctx, sweeper)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run a single pass and exit")
	return cmd
}

func newSweeper(c *commandContext) (*workarea.Sweeper, error) {
	area, err := workarea.New(c.cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	s := workarea.NewSweeper(area, c.cfg.SweepAge, c.logger)
	s.OnRemoved = func(n int) { metrics.SweeperRemovedTotal.Add(float64(n)) }
	return s, nil
}

// runSweeper sweeps on the configured schedule until ctx is done.
func runSweeper(ctx context.Context, c *commandContext, sweeper *workarea.Sweeper) error {
	sched := scheduler.New(c.logger)
	err := sched.Add("sweep", c.cfg.SweepSchedule, func(context.Context) {
		if _, err := sweeper.RunOnce(); err != nil && !errors.Is(err, workarea.ErrSweepLocked) {
			c.logger.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	<-ctx.Done()
	c.logger.Info("sweeper stopped")
	return nil
}
