package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ffcompress/api"
	"ffcompress/ffmpeg"
	"ffcompress/task"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and task queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.cfg
			logger := ctx.logger

			extraArgs, err := ffmpeg.ParseExtraArgs(cfg.FFExtraArgs)
			if err != nil {
				return err
			}
			prober := ctx.prober()
			newEncoder := func() task.Encoder {
				return ffmpeg.NewEncoder(ffmpeg.Options{
					Binary:              cfg.FFBin,
					ExtraArgs:           extraArgs,
					KillTimeout:         cfg.FFKillTimeout,
					ProgressLogInterval: 10 * time.Second,
					Logger:              logger,
				})
			}

			taskManager, err := task.NewManager(cfg, prober, newEncoder, logger)
			if err != nil {
				return err
			}

			router := api.SetupRouter(taskManager, prober, cfg, extraArgs, logger)
			srv := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(sigCtx)
			g.Go(func() error {
				return taskManager.Run(gctx)
			})
			g.Go(func() error {
				logger.Info().Str("port", cfg.Port).Str("work_dir", taskManager.WorkDir()).Msg("server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				stop()
				logger.Info().Msg("shutting down gracefully, press Ctrl+C again to force")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			err = g.Wait()
			logger.Info().Msg("server exiting")
			return err
		},
	}
}
