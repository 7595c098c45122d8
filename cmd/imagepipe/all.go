package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openjobspec/ojs-imagepipe/internal/metrics"
	"github.com/openjobspec/ojs-imagepipe/internal/pipeline"
)

func newAllCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the API, every stage and the sweeper in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runAll(signalCtx, ctx)
		},
	}
}

// runAll shares one broker connection and status store between the API and
// the stages. The first role to fail stops the others.
func runAll(ctx context.Context, c *commandContext) error {
	if err := checkAuth(c); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	metrics.Init(version, "all")

	ch, err := connect(ctx, c, "imagepipe")
	if err != nil {
		return err
	}
	defer ch.Close()

	store, release, err := openStore(ctx, c, ch)
	if err != nil {
		return err
	}
	defer release()

	sweeper, err := newSweeper(c)
	if err != nil {
		return err
	}

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	run := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errOnce.Do(func() { firstErr = err })
				cancel()
			}
		}()
	}

	for _, stage := range pipeline.Stages {
		run(func() error { return runStage(ctx, c, stage, store, ch) })
	}
	run(func() error { return runSweeper(ctx, c, sweeper) })
	run(func() error { return serveAPI(ctx, c, store, ch) })

	wg.Wait()
	return firstErr
}
