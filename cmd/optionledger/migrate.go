package main

import (
	"database/sql"
	"fmt"

	"OptionLedger/internal/config"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back SQL migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, db, err := openMigrator()
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := m.Up(cmd.Context())
		if err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last applied migration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, db, err := openMigrator()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := m.Down(cmd.Context()); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "rolled back last migration")
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}

func openMigrator() (*persistence.Migrator, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	log := observability.NewLoggerWithLevel("migrate", observability.ParseLogLevel(cfg.LogLevel))
	return persistence.NewMigrator(db, cfg.MigrationsDir, log), db, nil
}
