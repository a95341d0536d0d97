package cmd

import (
	"fmt"
	"imgvec/internal/adapter/outbound/repository"
	"imgvec/internal/application/common/slogger"

	"github.com/spf13/cobra"
)

// newMigrateCmd creates and returns the migrate command.
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Run database migrations for the vector store table.

The catalog table is owned by another system and is never migrated.
Configuration for the database connection is loaded from config files and
environment variables.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(func(m *repository.Migrator) error {
					if err := m.Up(); err != nil {
						return err
					}
					return printMigrationVersion(cmd, m)
				})
			},
		},
		newMigrateDownCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied migration version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(func(m *repository.Migrator) error {
					return printMigrationVersion(cmd, m)
				})
			},
		},
	)
	return cmd
}

func newMigrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(func(m *repository.Migrator) error {
				if err := m.Down(steps); err != nil {
					return err
				}
				return printMigrationVersion(cmd, m)
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	return cmd
}

func withMigrator(fn func(*repository.Migrator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := repository.NewMigrator(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			slogger.WarnNoCtx("Failed to close migrator", slogger.Field("error", err.Error()))
		}
	}()
	return fn(m)
}

func printMigrationVersion(cmd *cobra.Command, m *repository.Migrator) error {
	ver, dirty, err := m.Version()
	if err != nil {
		return err
	}
	if dirty {
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty)\n", ver)
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "version %d\n", ver)
	return err
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	rootCmd.AddCommand(newMigrateCmd())
}
