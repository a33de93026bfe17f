// Package main provides the bzchat CLI, a terminal client for the Bazaar
// realtime messaging core.
//
// # Basic Usage
//
// Follow a conversation live:
//
//	bzchat tail --config bzchat.yaml --room conv-42
//
// Send a message:
//
//	bzchat send --room conv-42 "two pallets of oranges, delivery friday"
//
// # Environment Variables
//
//   - BZCHAT_CONFIG: Path to configuration file (default: bzchat.yaml)
//   - BAZAAR_TOKEN: Bearer credential for the gateway and REST API
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bzchat",
		Short: "bzchat - Bazaar realtime messaging client",
		Long: `bzchat talks to the Bazaar marketplace messaging stack: live events over
the realtime gateway, history and sends over the REST API.

The credential is read from BAZAAR_TOKEN.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildTailCmd(),
		buildSendCmd(),
		buildHistoryCmd(),
		buildRoomsCmd(),
	)

	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("BZCHAT_CONFIG"); env != "" {
		return env
	}
	return "bzchat.yaml"
}
