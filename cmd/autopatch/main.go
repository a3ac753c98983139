package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	serverURL string
	ownerID   string
)

var rootCmd = &cobra.Command{
	Use:   "autopatch",
	Short: "Repair failed deployments with sandboxed coding agents",
	Long: `autopatch watches a hosting platform for failed deployments, asks a coding
agent running in an isolated sandbox to fix the build, and opens a pull
request with the result. It also runs ad-hoc coding tasks against any
repository.

Start the server with "autopatch serve", then use the other commands to
drive it.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("AUTOPATCH_SERVER", "http://localhost:7080"), "autopatch server URL")
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", envOr("AUTOPATCH_OWNER", ""), "owner id sent with every request")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
