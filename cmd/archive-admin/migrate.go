package main

import (
	"fmt"

	"github.com/cuongbtq/ostdata-archive/internal/migrations"
	"github.com/spf13/cobra"
)

var migrateCatalog bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the download job table",
	Long:  "Creates the download job table and its indexes. With --catalog the observation run and data file tables are created too, for embedded deployments.",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateCatalog, "catalog", false, "Also create the catalog tables")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	if err := migrations.Migrate(ctx, e.db.GetDB()); err != nil {
		return err
	}
	if migrateCatalog {
		if err := migrations.MigrateCatalog(ctx, e.db.GetDB()); err != nil {
			return err
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return nil
}
