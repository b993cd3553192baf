package main

import (
	"mlm_service/internal/config"
	"mlm_service/internal/database"

	"github.com/spf13/cobra"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(config.FromContext(cmd.Context()))
			if err != nil {
				return err
			}
			defer a.close()
			return migrateAll(a)
		},
	}
}

func migrateAll(a *app) error {
	if err := database.Migrate(a.db, allModels()...); err != nil {
		return err
	}
	a.logger.Info("schema migrated")
	return nil
}
