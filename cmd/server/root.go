package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nerveband/content-checkmate-sub000/internal/app"
	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "checkmate",
		Short: "Ad policy compliance checks and fixes",
		Long: `checkmate analyzes ad creative for advertising policy violations and
asks an image editing model to fix the violations it finds.

Run "checkmate serve" to start the HTTP API.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml, ./configs/config.yaml)")

	root.AddCommand(newServeCmd(), newFixCmd(), newQuotaCmd())
	return root
}

// newApp loads configuration and builds the application.
func newApp(ctx context.Context) (*app.App, error) {
	cfg, err := app.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init application: %w", err)
	}
	return a, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
