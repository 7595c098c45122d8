package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
	"github.com/openjobspec/ojs-imagepipe/internal/metrics"
	"github.com/openjobspec/ojs-imagepipe/internal/pipeline"
	"github.com/openjobspec/ojs-imagepipe/internal/server"
	"github.com/openjobspec/ojs-imagepipe/internal/workarea"
)

func newAPICommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the upload, status, abort and download endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runAPI(signalCtx, ctx)
		},
	}
}

func checkAuth(c *commandContext) error {
	if c.cfg.APIKey == "" && !c.cfg.AllowInsecureNoAuth {
		c.logger.Error("refusing to start without API authentication", "hint", "set IMAGEPIPE_API_KEY or IMAGEPIPE_ALLOW_INSECURE_NO_AUTH=true for local development")
		return errors.New("no API key configured")
	}
	if c.cfg.APIKey == "" {
		c.logger.Warn("running without authentication, intended for local development only. Set IMAGEPIPE_API_KEY for any shared or production environment.")
	}
	return nil
}

func runAPI(ctx context.Context, c *commandContext) error {
	if err := checkAuth(c); err != nil {
		return err
	}
	metrics.Init(version, "api")

	ch, err := connect(ctx, c, core.StageUpload)
	if err != nil {
		return err
	}
	defer ch.Close()

	store, release, err := openStore(ctx, c, ch)
	if err != nil {
		return err
	}
	defer release()

	return serveAPI(ctx, c, store, ch)
}

// serveAPI serves the control plane over store, publishing new jobs on ch.
func serveAPI(ctx context.Context, c *commandContext, store core.StatusStore, ch core.Publisher) error {
	area, err := workarea.New(c.cfg.StorageDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	router := server.NewRouter(server.Deps{
		Submitter: pipeline.NewAdmission(store, ch, pipeline.AdmissionOptions{Logger: c.logger}),
		Control:   pipeline.NewControl(store),
		Archives:  area,
	}, c.cfg)

	stopHealth := startHealth(c)
	defer stopHealth()

	srv := &http.Server{
		Addr:         ":" + c.cfg.Port,
		Handler:      router,
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
		IdleTimeout:  c.cfg.IdleTimeout,
	}
	err = serveHTTP(ctx, c, "API server", srv)
	c.logger.Info("API server stopped")
	return err
}
