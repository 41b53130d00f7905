package main

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"manuscript/api/internal/rbac"
	"manuscript/api/internal/search"
	"manuscript/api/internal/store"
)

var migrateStatus bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		if migrateStatus {
			return printMigrationStatus(cmd, db, cfg.MigrationsDir)
		}
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "List applied and pending migrations without applying them")
}

func printMigrationStatus(cmd *cobra.Command, db *sql.DB, dir string) error {
	migrations, err := store.ListMigrations(dir)
	if err != nil {
		return err
	}
	applied, err := store.AppliedMigrations(cmd.Context(), db)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(applied))
	for _, version := range applied {
		done[version] = true
	}
	out := cmd.OutOrStdout()
	for _, m := range migrations {
		if m.Up == "" {
			continue
		}
		state := "pending"
		if done[filepath.Base(m.Up)] {
			state = "applied"
		}
		fmt.Fprintf(out, "%-8s %s\n", state, filepath.Base(m.Up))
	}
	return nil
}

var setRoleCmd = &cobra.Command{
	Use:   "set-role <email> <role>",
	Short: "Change a user's role (user, editor or admin)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := strings.ToLower(strings.TrimSpace(args[0]))
		role := strings.ToLower(strings.TrimSpace(args[1]))
		if !rbac.Valid(role) {
			return fmt.Errorf("invalid role %q", args[1])
		}

		ctx := cmd.Context()
		_, db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		users := store.NewPostgresStore(db)
		user, err := users.GetUserByEmail(ctx, email)
		if err != nil {
			return fmt.Errorf("lookup %s: %w", email, err)
		}
		if err := users.SetUserRole(ctx, user.ID, role); err != nil {
			return fmt.Errorf("set role: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", email, role)
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Push every book and project from PostgreSQL into Meilisearch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx := cmd.Context()
		cfg, db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		if !meiliClient.Healthy() {
			return fmt.Errorf("meilisearch at %s is not reachable", cfg.MeiliURL)
		}
		search.NewService(meiliClient, search.NewPgFTS(db), logger).ReindexAllFromPG(ctx)
		logger.Info("reindex finished", zap.String("meili_url", cfg.MeiliURL))
		return nil
	},
}
