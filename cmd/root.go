// Package cmd holds the joi-gateway CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joilabs/joi-gateway/pkg/protocol"
)

// Version is stamped at build time with
// -ldflags "-X github.com/joilabs/joi-gateway/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "joi-gateway",
		Short: "JOI Gateway — agent orchestration core",
		Long: "JOI Gateway is a personal agent orchestrator: long-term memory, a\n" +
			"knowledge store, scheduled turns and human-in-the-loop review, served\n" +
			"over WebSocket sessions.",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: config.json5 or $JOI_CONFIG)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("joi-gateway %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	})
	root.AddCommand(migrateCmd())
	return root
}

// resolveConfigPath picks the config file: --config flag, then
// $JOI_CONFIG, then ./config.json5.
func resolveConfigPath() string {
	switch {
	case cfgFile != "":
		return cfgFile
	case os.Getenv("JOI_CONFIG") != "":
		return os.Getenv("JOI_CONFIG")
	default:
		return "config.json5"
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
