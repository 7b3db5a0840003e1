package cli

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ammiranda/treeext/config"
	"github.com/ammiranda/treeext/internal/app"
	"github.com/ammiranda/treeext/internal/logging"
	"github.com/ammiranda/treeext/migrations"
	"github.com/ammiranda/treeext/repository"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(db *sql.DB, d migrations.Dialect) error {
			if err := migrations.RunMigrations(db, d); err != nil {
				return err
			}
			return printVersion(cmd, db, d)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(db *sql.DB, d migrations.Dialect) error {
			if err := migrations.RollbackMigration(db, d); err != nil {
				return err
			}
			return printVersion(cmd, db, d)
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(db *sql.DB, d migrations.Dialect) error {
			return printVersion(cmd, db, d)
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}

type dbStore interface {
	DB() *sql.DB
}

func dialect(s *config.Settings) (migrations.Dialect, error) {
	switch {
	case s.UsesPostgres():
		return migrations.Postgres, nil
	case s.UsesSQL():
		return migrations.SQLite, nil
	default:
		return "", fmt.Errorf("store driver %q has no schema", s.StoreDriver)
	}
}

// withDB opens the configured SQL store without applying migrations.
func withDB(cmd *cobra.Command, fn func(*sql.DB, migrations.Dialect) error) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	d, err := dialect(s)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	log := logging.New(logging.Options{Level: s.LogLevel, Console: true, Writer: cmd.ErrOrStderr()})
	store, err := app.OpenStore(ctx, s, log, repository.WithoutMigrations())
	if err != nil {
		return err
	}
	defer store.Cleanup(context.WithoutCancel(ctx))

	db, ok := store.(dbStore)
	if !ok {
		return fmt.Errorf("store driver %q has no database handle", s.StoreDriver)
	}
	return fn(db.DB(), d)
}

func printVersion(cmd *cobra.Command, db *sql.DB, d migrations.Dialect) error {
	v, dirty, err := migrations.Version(db, d)
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty)\n", v)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
	return nil
}
