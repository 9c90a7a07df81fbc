package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chaos-io/imgforge/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "listen address (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	return withApp(cmd, func(ctx context.Context, a *app) error {
		if !a.cfg.Log.Development {
			gin.SetMode(gin.ReleaseMode)
		}

		if spec := a.cfg.Models.PruneSpec; spec != "" {
			pruner, err := a.store.Schedule(spec)
			if err != nil {
				return err
			}
			defer pruner.Stop()
		}

		addr := a.cfg.Server.Addr
		if v, _ := cmd.Flags().GetString("addr"); v != "" {
			addr = v
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}

		srv := &http.Server{
			Handler: server.New(server.Config{
				Pipeline:       a.pipeline,
				Bus:            a.bus,
				Detector:       a.detector,
				Logger:         a.log.Named("http"),
				MaxUploadBytes: a.cfg.Server.MaxUploadBytes,
			}).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()
		a.log.Info("listening", zap.String("addr", ln.Addr().String()))

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}
