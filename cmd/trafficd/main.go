// Command trafficd runs the congestion analysis pipeline and its operator API.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/curiousagents/traffic-core/engine/config"
	"github.com/curiousagents/traffic-core/engine/domain"
)

const version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "trafficd",
	Short: "trafficd - congestion detection, cause scoring and action recommendations",
	Long: `trafficd consumes road telemetry, raises congestion alerts, gathers
weather, event, news and social context, scores likely causes and ranks
mitigation actions whose measured outcomes feed back into later scoring.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TRAFFIC_CONFIG"),
		"YAML configuration file (defaults apply when empty)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(segmentCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "trafficd: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode separates configuration mistakes from runtime failures.
func exitCode(err error) int {
	if domain.KindOf(err).Fatal() {
		return 2
	}
	return 1
}

// loadConfig reads the configuration and installs the process logger.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Log.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
