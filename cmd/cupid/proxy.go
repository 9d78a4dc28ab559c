package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/cupid/pkg/budget"
	"github.com/pario-ai/cupid/pkg/proxy"
	"github.com/pario-ai/cupid/pkg/tracker"
)

func newProxyCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run and inspect the first-party proxy server",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if cfg.Server.UpstreamAPIKey == "" {
				return fmt.Errorf("server.upstream_api_key is required")
			}

			tr, err := tracker.New(cfg.Server.DBPath)
			if err != nil {
				return fmt.Errorf("init tracker: %w", err)
			}
			defer func() { _ = tr.Close() }()

			srv := proxy.New(cfg.Server, tr, budget.New(cfg.Server.Tiers, tr))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Printf("starting cupid proxy, upstream %s", cfg.Server.UpstreamURL)
			return srv.ListenAndServe(ctx)
		},
	}

	accountsCmd := &cobra.Command{
		Use:   "accounts",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			tr, err := tracker.New(cfg.Server.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			accounts, err := tr.ListAccounts(context.Background())
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Println("No accounts registered.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tDEVICE\tTIER\tCREATED")
			for _, a := range accounts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.UserID, a.DeviceID, a.Tier, a.CreatedAt.Format("2006-01-02T15:04:05"))
			}
			return w.Flush()
		},
	}

	var userID string
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show token usage per user and model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			tr, err := tracker.New(cfg.Server.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			summaries, err := tr.Summary(context.Background(), userID)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tMODEL\tREQUESTS\tPROMPT\tCOMPLETION\tTOTAL")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n",
					s.UserID, s.Model, s.RequestCount, s.TotalPrompt, s.TotalCompletion, s.TotalTokens)
			}
			return w.Flush()
		},
	}
	statsCmd.Flags().StringVar(&userID, "user", "", "filter by user id")

	cmd.AddCommand(serveCmd, accountsCmd, statsCmd)
	return cmd
}
