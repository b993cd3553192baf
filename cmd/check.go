package main

import (
	"fmt"

	"mlm_service/internal/config"

	"github.com/spf13/cobra"
)

func checkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify tree integrity and point ledger continuity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(config.FromContext(cmd.Context()))
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if err := a.network.CheckIntegrity(ctx); err != nil {
				return fmt.Errorf("tree integrity: %w", err)
			}
			if err := a.network.CheckLedger(ctx); err != nil {
				return fmt.Errorf("point ledger: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "tree and point ledger are consistent")
			return nil
		},
	}
}
