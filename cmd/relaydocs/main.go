package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/relaydocs/internal/config"
	"github.com/agentworkforce/relaydocs/internal/httpapi"
	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/agentworkforce/relaydocs/internal/relaydocs"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relaydocs",
		Short:         "Shared record store for collaborative document coordination",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	v := config.NewViper()
	config.SetServerDefaults(v)
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the record API and realtime channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ReadFile(v, cfgFile, cfgFile != ""); err != nil {
				return err
			}
			cfg, err := config.LoadServer(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file")
	flags.String("addr", "", "listen address")
	flags.String("state-dsn", "", "state backend DSN (file path, sqlite://, postgres://, memory://)")
	flags.String("notify-dsn", "", "postgres DSN for replica change notifications")
	flags.String("log-level", "", "debug, info, warn, or error")
	bindFlags(v, cmd, map[string]string{
		"addr":       "addr",
		"state-dsn":  "state_dsn",
		"notify-dsn": "notify_dsn",
		"log-level":  "log.level",
	})
	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for flag, key := range keys {
		_ = v.BindPFlag(key, cmd.Flags().Lookup(flag))
	}
}

func serve(ctx context.Context, cfg *config.ServerConfig) error {
	logger, closer := logging.New(cfg.Log.Options())
	defer closer.Close()

	backend, err := relaydocs.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return fmt.Errorf("state backend: %w", err)
	}
	store := relaydocs.NewStoreWithOptions(relaydocs.StoreOptions{StateBackend: backend, Logger: logger})
	defer store.Close()

	if cfg.NotifyDSN != "" {
		bridge, err := relaydocs.NewPostgresNotifyBridge(store, cfg.NotifyDSN, "", logger)
		if err != nil {
			return fmt.Errorf("notify bridge: %w", err)
		}
		go func() {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("notify bridge stopped", "error", err)
			}
		}()
	}

	handler := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		AuthTimeout:     cfg.AuthTimeout,
		OriginPatterns:  cfg.OriginPatterns,
		Logger:          logger,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relaydocs listening", "addr", cfg.Addr, "state_dsn", redactDSN(cfg.StateDSN))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
