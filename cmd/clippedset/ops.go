package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/clippedset/internal/app"
	"github.com/dharsanguruparan/clippedset/internal/auth"
	"github.com/dharsanguruparan/clippedset/internal/config"
	"github.com/dharsanguruparan/clippedset/internal/database"
	"github.com/dharsanguruparan/clippedset/internal/logging"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			db := database.OpenDB(pool)
			defer db.Close()
			if err := database.Migrate(ctx, db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newRecoverCmd() *cobra.Command {
	var threshold time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run one stale job recovery pass and print what it did",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadBackendConfig()
			if err != nil {
				return err
			}
			logger := logging.NewWithWriter(cmd.ErrOrStderr(), logging.Options{Level: cfg.LogLevel, Format: "text"})
			stack, err := app.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer stack.Close()

			orch := stack.Orchestrator(stack.AsynqDispatcher())
			if threshold <= 0 {
				threshold = cfg.StaleThreshold
			}
			report, err := orch.RecoverStale(ctx, threshold)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", 0, "Age after which a job counts as stale (default from config)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		email string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token signed with the configured JWT secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if os.Getenv("CLIPPEDSET_JWT_SECRET") == "" {
				return fmt.Errorf("CLIPPEDSET_JWT_SECRET must be set to issue tokens the api accepts")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := auth.NewProvider(cfg.JWTSecret, ttl).Issue(args[0], email)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

// loadBackendConfig loads config for commands that talk to the backends
// directly; they are meaningless against a throwaway memory store.
func loadBackendConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.StoreMode == config.StoreMemory {
		return nil, fmt.Errorf("store mode %q keeps state inside the api process", cfg.StoreMode)
	}
	return cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
