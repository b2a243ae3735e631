package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/victornm/classquiz/internal/repository"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := loadConfig(*configPath)
				if err != nil {
					return err
				}
				return repository.Migrate(c.Postgres.DSN)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert every migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := loadConfig(*configPath)
				if err != nil {
					return err
				}
				if err := repository.Rollback(c.Postgres.DSN); err != nil {
					return fmt.Errorf("rollback: %w", err)
				}
				return nil
			},
		},
	)

	return cmd
}
