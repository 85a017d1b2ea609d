package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rafaeljc/segmentation/internal/database"
	"github.com/rafaeljc/segmentation/migrations"
)

var migrateStatus bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the segment and membership schema migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "list migrations and whether they are applied, without applying anything")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, l, err := loadConfig()
	if err != nil {
		return err
	}

	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	if migrateStatus {
		status, err := database.MigrationStatus(ctx, pool, migrations.FS)
		if err != nil {
			return err
		}
		for _, m := range status {
			state := "pending"
			if m.Applied {
				state = "applied"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-40s %s\n", m.ID, state)
		}
		return nil
	}

	n, err := database.Migrate(ctx, pool, migrations.FS, l)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
	return nil
}
