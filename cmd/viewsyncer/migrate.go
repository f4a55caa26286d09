package main

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/viewsyncd/viewsyncer/internal/config"
)

func newMigrateCommand() *cobra.Command {
	var migrationsDir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending CVR store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			db, err := sql.Open("pgx", cfg.Database.DSN())
			if err != nil {
				return fmt.Errorf("open sql db: %w", err)
			}
			defer db.Close()

			if err := goose.SetDialect("postgres"); err != nil {
				return fmt.Errorf("set goose dialect: %w", err)
			}
			if err := goose.Up(db, migrationsDir); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}

			fmt.Println("migrations applied successfully")
			return nil
		},
	}

	cmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "directory containing goose migration files")
	return cmd
}
