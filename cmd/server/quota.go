package main

import (
	"github.com/nerveband/content-checkmate-sub000/internal/module/checkmate"
	"github.com/spf13/cobra"
)

func newQuotaCmd() *cobra.Command {
	var ip string

	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show today's remaining quota for a client address",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Stop()

			ctx := cmd.Context()
			return printJSON(cmd.OutOrStdout(), checkmate.UsageResponse{
				Analyze: application.AnalyzeLimiter().CheckQuota(ctx, ip),
				Fix:     application.FixLimiter().CheckQuota(ctx, ip),
			})
		},
	}

	cmd.Flags().StringVar(&ip, "ip", "127.0.0.1", "client address")
	return cmd
}
