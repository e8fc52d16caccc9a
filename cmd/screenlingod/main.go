/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// Command screenlingod runs the screen-translation pipeline runtime.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	_ "github.com/OptikR/OptikR-sub004/backend"
	"github.com/OptikR/OptikR-sub004/pipeline"
)

var (
	configPath  string
	verbose     bool
	metricsAddr string
	logger      *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "screenlingod",
	Short: "Real-time screen-translation pipeline runtime",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
		z, err := cfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		logger = z.Sugar()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load the configuration and run the pipeline until interrupted",
	RunE:  runRun,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration without starting the pipeline",
	RunE:  runValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "screenlingod.toml", "Path to the pipeline TOML configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Address to serve Prometheus metrics on ('' disables)")
	rootCmd.AddCommand(runCmd, validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	loaded, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Infow("configuration valid",
		"mode", loaded.Mode, "regions", len(loaded.Regions), "run_id", loaded.RunID)
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(configPath, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		promMetrics := pipeline.NewPromMetrics(reg)
		rt.pipeline.ExportMetrics(ctx, promMetrics, 5*time.Second)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warnw("metrics server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Infow("metrics server listening", "addr", metricsAddr)
	}

	if err := rt.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	logger.Infow("pipeline running", "run_id", rt.runID)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping pipeline")

	if err := rt.pipeline.Stop(); err != nil {
		return fmt.Errorf("stop pipeline: %w", err)
	}
	if err := rt.dict.SaveAll(); err != nil {
		logger.Warnw("dictionary save on shutdown failed", "error", err)
	}
	return nil
}
