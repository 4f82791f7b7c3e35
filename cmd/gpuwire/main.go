package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronologos/gpuwire/internal/auth"
	"github.com/chronologos/gpuwire/internal/config"
	"github.com/chronologos/gpuwire/internal/logging"
	"github.com/chronologos/gpuwire/internal/metrics"
	"github.com/chronologos/gpuwire/internal/version"
)

var (
	cfg    config.Config
	logger *slog.Logger

	rootCmd = &cobra.Command{
		Use:   "gpuwire",
		Short: "Stream GPU command batches from a renderer to a display",
		Long: `gpuwire links an unprivileged renderer to a privileged display over a
tag-framed byte stream. The display paces frames and owns the framebuffer;
the renderer answers each frame with one command batch.

Every flag can also be set as GPUWIRE_<FLAG> (e.g. GPUWIRE_CHUNK_CEILING),
or in .env / .env.local in the working directory.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		// Skip config loading so version works with a broken environment.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(*cobra.Command, []string) {
			fmt.Println(version.String())
		},
	}

	passkeyCmd = &cobra.Command{
		Use:               "passkey",
		Short:             "Generate a passkey for the tls, quic and dual transports",
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(*cobra.Command, []string) error {
			key, err := auth.GeneratePasskey()
			if err != nil {
				return err
			}
			fmt.Println(auth.EncodePasskey(key))
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(func() { config.LoadEnvFiles(config.EnvFiles...) })
	config.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(displayCmd, renderCmd, versionCmd, passkeyCmd)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(config.NewViper(), cmd.Flags())
	if err != nil {
		return err
	}
	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger = logging.New(os.Stderr, level)
	logger.Debug("configuration" + cfg.String())
	return nil
}

// signalContext is cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// serveMetrics exposes reg on cfg.MetricsAddr until ctx is done. It is a
// no-op when no address is configured.
func serveMetrics(ctx context.Context, reg *metrics.Registry) {
	if cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
}

// exitErr maps a clean shutdown to nil.
func exitErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
