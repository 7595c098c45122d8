package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/openjobspec/ojs-imagepipe/internal/server"
)

type commandContext struct {
	cfg    server.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "imagepipe",
		Short:         "Image to OCR, GIF and PDF pipeline over NATS",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ctx.cfg = server.LoadConfig()
			if err := ctx.cfg.Validate(); err != nil {
				return err
			}
			ctx.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: ctx.cfg.LogLevel,
			}))
			slog.SetDefault(ctx.logger)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newAPICommand(ctx))
	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newSweeperCommand(ctx))
	rootCmd.AddCommand(newAllCommand(ctx))

	return rootCmd
}
