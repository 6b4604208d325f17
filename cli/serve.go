package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mediaforge/logger"
	"mediaforge/serial"
	"mediaforge/services"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the conversion server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			lock, err := serial.LockDir(cfg.LockPath())
			if err != nil {
				return err
			}
			defer lock.Unlock()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(); err != nil {
					logger.Errorf("shutdown: %v", err)
				}
			}()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			server := &http.Server{
				Addr:              cfg.Addr(),
				Handler:           a.handler,
				ReadHeaderTimeout: cfg.Server.ReadTimeout,
			}

			tree := services.NewTree(services.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
			tree.AddPipelineService(a.events)
			tree.AddPipelineService(services.NewSweeper(a.registry, a.runner, cfg.Progress.Retention, cfg.Progress.SweepInterval))
			tree.AddAPIService(services.NewHTTPService(server, cfg.Server.ShutdownTimeout))

			logger.Infof("mediaforge listening on %s (data %s, originals %s)", cfg.Addr(), cfg.Paths.DataDir, cfg.Paths.OriginalsDir)
			err = tree.Serve(runCtx)
			if n := a.runner.StopBatches(); n > 0 {
				logger.Warnf("stopping %d batch conversions at shutdown", n)
			}
			for _, j := range a.runner.Active() {
				logger.Warnf("cancelling job %s (%s) at shutdown", j.ID, j.Source)
				if err := a.runner.Cancel(j.Source); err != nil {
					logger.Warnf("cancel %s: %v", j.Source, err)
				}
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("mediaforge stopped")
			return nil
		},
	}
}
