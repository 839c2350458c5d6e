package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/spacerat/internal/api"
	"github.com/sells-group/spacerat/internal/maps"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve definitions, regions and answers over HTTP",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		env, err := newQueryEnv(ctx, true)
		if err != nil {
			return err
		}
		defer env.close()

		opts := []api.Option{
			api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
			api.WithBreaker(maps.NewBuilder(env.pool, env.reg, cfg.Datastore.Schema)),
		}
		if env.cache != nil {
			opts = append(opts, api.WithCacheStats(env.cache))
		}
		st, err := openStore(ctx)
		if err != nil {
			zap.L().Warn("run ledger unavailable, /runs disabled", zap.Error(err))
		} else {
			defer st.Close() //nolint:errcheck
			opts = append(opts, api.WithRuns(st))
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", resolvePort(servePort, cfg.Server.Port)),
			Handler:           api.New(env.reg, env.engine, opts...).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		return startServer(ctx, srv)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort prefers the flag value over the configured one.
func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// startServer serves until ctx is cancelled, then drains open requests.
func startServer(ctx context.Context, srv *http.Server) error {
	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}
