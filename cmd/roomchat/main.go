// Package main provides the terminal host for the roomchat client.
//
// The CLI embeds the same client core a browser page would: it restores the
// persisted session, keeps the realtime channel open while a command needs
// it, and releases everything on exit.
//
// # Basic Usage
//
//	roomchat login alice
//	roomchat rooms
//	roomchat chat <room-id>
//	roomchat logout
//
// # Environment Variables
//
//   - ROOMCHAT_CONFIG: path to the configuration file (default: roomchat.yaml when present)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath string
	debug      bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := buildRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "roomchat",
		Short: "Realtime room chat from the terminal",
		Long: `roomchat signs in to a chat backend, lists public and private rooms,
and keeps a live, optimistic timeline for the room you are in.

Sessions and the selected room persist between invocations.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML or JSON5 configuration file (or set ROOMCHAT_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(
		buildLoginCmd(),
		buildSignupCmd(),
		buildLogoutCmd(),
		buildRoomsCmd(),
		buildCreateRoomCmd(),
		buildJoinCmd(),
		buildChatCmd(),
		buildStatusCmd(),
	)
	return rootCmd
}
