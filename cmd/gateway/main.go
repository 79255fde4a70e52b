// Command gateway is the KIS trading gateway's process entry point: a
// small cobra CLI wrapping the serve/reconcile/healthcheck operations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/kisgateway/internal/app"
	"github.com/sawpanic/kisgateway/internal/config"
	"github.com/sawpanic/kisgateway/internal/httpapi"
	"github.com/sawpanic/kisgateway/internal/logging"
)

const (
	appName             = "kisgateway"
	serveShutdownGrace  = 5 * time.Second
)

var (
	flagConfigPath string
	flagLogLevel   string
	flagAddr       string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "KIS-style broker trading gateway",
		Version: "v0.1.0",
	}
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to operational config YAML (optional)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "zerolog level (debug|info|warn|error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway and its background workers",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&flagAddr, "addr", ":8080", "HTTP listen address")

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass against the broker and exit",
		RunE:  runReconcileOnce,
	}

	healthCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Print the live-readiness report and exit non-zero if blocked",
		RunE:  runHealthcheck,
	}

	rootCmd.AddCommand(serveCmd, reconcileCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func bootstrap() (*app.App, config.OperationalConfig, error) {
	logging.Init(flagLogLevel)

	env, err := config.LoadEnv()
	if err != nil {
		return nil, config.OperationalConfig{}, fmt.Errorf("load environment: %w", err)
	}

	opCfg, err := config.LoadOperationalConfig(flagConfigPath)
	if err != nil {
		return nil, config.OperationalConfig{}, fmt.Errorf("load operational config: %w", err)
	}

	return app.New(env, opCfg), opCfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	a, _, err := bootstrap()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.Start(ctx)
	defer a.Stop()

	server := httpapi.NewServer(a, httpapi.Config{Addr: flagAddr})

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serveShutdownGrace)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func runReconcileOnce(cmd *cobra.Command, args []string) error {
	a, _, err := bootstrap()
	if err != nil {
		return err
	}
	a.Reconcile.Trigger(context.Background())
	metrics := a.Reconcile.Metrics()
	fmt.Printf("iterations=%d mismatches=%d corrections=%d persisted=%d\n",
		metrics.Iterations, metrics.Mismatches, metrics.Corrections, metrics.PersistedCount)
	return nil
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	a, _, err := bootstrap()
	if err != nil {
		return err
	}
	report := a.LiveReadiness()
	fmt.Printf("can_trade=%v blockers=%v\n", report.CanTrade, report.BlockerReasons)
	if !report.CanTrade {
		os.Exit(1)
	}
	return nil
}
