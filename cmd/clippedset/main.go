package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	apiURL   string
	apiToken string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "clippedset: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clippedset",
		Short: "Clipped Set operator and client CLI",
		Long: `clippedset uploads DJ sets and follows their detection jobs through the HTTP API,
and runs maintenance tasks such as migrations and stale job recovery against the backends directly.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("CLIPPEDSET_API_URL", "http://localhost:8080"), "Base URL of the API")
	cmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("CLIPPEDSET_TOKEN"), "Bearer token for API calls")
	cmd.AddCommand(
		newMigrateCmd(),
		newRecoverCmd(),
		newTokenCmd(),
		newUploadCmd(),
		newStatusCmd(),
		newListCmd(),
		newWatchCmd(),
	)
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
