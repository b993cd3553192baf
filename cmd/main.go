package main

import (
	"fmt"
	"os"

	"mlm_service/internal/config"

	"github.com/spf13/cobra"
)

const programName = "mlm"

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Binary-tree MLM network and compensation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(migrateCommand())
	rootCmd.AddCommand(runCommand())
	rootCmd.AddCommand(checkCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
