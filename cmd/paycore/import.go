package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ratixpay/paycore/internal/ingestion"
)

func importLegacyCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-legacy [csv]",
		Short: "Import a legacy sales export verbatim for reconciliation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			svc := ingestion.NewService(nil, a.transactions, "", a.logger)
			res, err := svc.ImportLegacy(context.Background(), data)
			if err != nil {
				return err
			}

			if reconcile, _ := cmd.Flags().GetBool("reconcile"); reconcile && res.RecordsImported > 0 {
				out, err := a.reconciler().RunFullReconciliation(context.Background())
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"import": res, "reconciliation": out})
			}
			return printJSON(res)
		},
	}
	cmd.Flags().Bool("reconcile", false, "run reconciliation after a successful import")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
