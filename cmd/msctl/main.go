// Command msctl runs operator tasks against a manuscript deployment: schema
// migrations, role changes, search reindexing and offline book splitting.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"manuscript/api/internal/config"
	"manuscript/api/internal/logging"
	"manuscript/api/internal/store"
)

var (
	logFormat string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:           "msctl",
	Short:         "Operator tooling for the manuscript API",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level")

	rootCmd.AddCommand(migrateCmd, setRoleCmd, reindexCmd, splitCmd, patternsCmd, detectCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	return logging.New(logFormat, logLevel)
}

// openDB loads the environment config and connects to PostgreSQL.
func openDB(ctx context.Context) (config.Config, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("database connection failed: %w", err)
	}
	return cfg, db, nil
}
