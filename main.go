package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/spreatty/fitdash/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "fitdash",
	Short: "Live dashboard for Bluetooth LE fitness devices",
	Long: `fitdash scans for heart rate monitors, power meters and smart bikes,
connects to one of them and shows its live metrics in the browser.

Set FITDASH_MOCK=true to run against simulated devices.`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.Flags().String("config", "", "Path to the YAML config file (default config.yaml, or $FITDASH_CONFIG)")
	rootCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
}

func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	if p := os.Getenv("FITDASH_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := LoadConfig(configPath(cmd))
	if err != nil {
		return err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := cfg.NewLogger()
	src := newSource(cfg, logger)
	defer closeSource(src, logger)

	sess := session.New(src, session.Options{
		ScanTimeout:    cfg.BLE.ScanTimeout,
		ConnectTimeout: cfg.BLE.ConnectTimeout,
	}, logger)
	defer sess.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gin.SetMode(gin.ReleaseMode)
	srv := NewServer(cfg, sess, logger)
	logger.WithFields(logrus.Fields{
		"address": cfg.Server.Address,
		"mock":    cfg.Mock,
		"session": sess.ID(),
	}).Info("fitdash ready")
	return srv.Run(ctx)
}
