package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func seedCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the product catalog when the database has none",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			path, _ := cmd.Flags().GetString("catalog")
			n, err := a.seedProducts(context.Background(), path)
			if err != nil {
				return err
			}
			fmt.Printf("seeded %d products\n", n)
			return nil
		},
	}
	cmd.Flags().String("catalog", "testdata/products.json", "product catalog JSON file")
	return cmd
}
