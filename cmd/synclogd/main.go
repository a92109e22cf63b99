package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "synclogd",
		Short: "Action-log synchronization server",
		Long: `synclogd is a standalone action-log synchronization server.

Clients connect over WebSocket and exchange typed actions; the server
authorizes them, appends them to a shared log, and rebroadcasts them to
every subscribed client. Business logic lives in an HTTP backend the
server proxies access, resend, and process calls to.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("synclogd %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
