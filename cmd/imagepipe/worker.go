package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
	"github.com/openjobspec/ojs-imagepipe/internal/metrics"
	natsbackend "github.com/openjobspec/ojs-imagepipe/internal/nats"
	"github.com/openjobspec/ojs-imagepipe/internal/pipeline"
	"github.com/openjobspec/ojs-imagepipe/internal/transform"
	"github.com/openjobspec/ojs-imagepipe/internal/workarea"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:       "worker {ocr|gif|pdf|file}",
		Short:     "Run one pipeline stage",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{core.StageOCR, core.StageGIF, core.StagePDF, core.StageFile},
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := pipeline.StageByName(args[0])
			if err != nil {
				return err
			}
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			metrics.Init(version, stage.Name)
			startMetrics(signalCtx, ctx)
			stopHealth := startHealth(ctx)
			defer stopHealth()

			ch, err := connect(signalCtx, ctx, stage.Name)
			if err != nil {
				return err
			}
			defer ch.Close()

			store, release, err := openStore(signalCtx, ctx, ch)
			if err != nil {
				return err
			}
			defer release()

			return runStage(signalCtx, ctx, stage, store, ch)
		},
	}
}

// stageHandler builds the message handler of stage.
func stageHandler(c *commandContext, stage pipeline.Stage, store core.StatusStore, ch core.Channel) (natsbackend.Handler, error) {
	opts := pipeline.Options{
		SettleDelay: c.cfg.SettleDelay,
		Retry: pipeline.RetryPolicy{
			MaxDeliver: c.cfg.MaxDeliver,
			BaseDelay:  c.cfg.RetryBase,
			MaxDelay:   c.cfg.RetryMax,
		},
		Logger: c.logger,
	}

	var t pipeline.Transformer
	switch stage.Name {
	case core.StageOCR:
		t = transform.NewOCR(transform.OCRConfig{
			Tesseract:   c.cfg.Tesseract,
			Lang:        c.cfg.OCRLang,
			TessdataDir: c.cfg.TessdataDir,
		}, c.logger)
	case core.StageGIF:
		t = transform.NewAnimation(transform.AnimationConfig{})
	case core.StagePDF:
		t = transform.NewRender(transform.RenderConfig{})
	case core.StageFile:
		area, err := workarea.New(c.cfg.StorageDir)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		return pipeline.NewAssembler(store, ch, area, opts).Handle, nil
	default:
		return nil, fmt.Errorf("stage %s has no worker", stage.Name)
	}
	return pipeline.NewWorker(stage, store, ch, t, opts).Handle, nil
}

// runStage consumes the inputs of stage until ctx is done.
func runStage(ctx context.Context, c *commandContext, stage pipeline.Stage, store core.StatusStore, ch *natsbackend.Channel) error {
	handle, err := stageHandler(c, stage, store, ch)
	if err != nil {
		return err
	}
	consumer, err := ch.NewConsumer(ctx, stage.Name, stage.Inputs, natsbackend.ConsumerOptions{
		MaxDeliver: c.cfg.MaxDeliver,
		AckWait:    c.cfg.AckWait,
	})
	if err != nil {
		return fmt.Errorf("bind consumer: %w", err)
	}

	logger := c.logger.With("stage", stage.Name)
	err = consumer.Run(ctx, handle)
	if errors.Is(err, natsbackend.ErrConnectionClosed) {
		logger.Error("broker connection lost, halting stage")
		return err
	}
	logger.Info("stage stopped")
	return err
}
