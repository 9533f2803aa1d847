package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "iotguard",
		Short:         "Anomaly detection engine for smart-home IoT events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run ingest transports, the detection engine and the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	replayCmd = &cobra.Command{
		Use:   "replay [file.jsonl]",
		Short: "Evaluate events from a JSON-lines file and print one verdict per event",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}

	replayFlaggedOnly bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level from the config")
	replayCmd.Flags().BoolVar(&replayFlaggedOnly, "flagged", false, "print only events with at least one flag")
	rootCmd.AddCommand(serveCmd, replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "iotguard:", err)
		os.Exit(1)
	}
}
