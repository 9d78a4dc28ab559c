package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/cupid/pkg/router"
	"github.com/pario-ai/cupid/pkg/store"
)

func newSessionCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the proxy session",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the stored proxy session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			kv, err := store.New(cfg.Client.StatePath)
			if err != nil {
				return err
			}
			defer func() { _ = kv.Close() }()

			ctx := context.Background()
			deviceID, err := store.DeviceID(ctx, kv)
			if err != nil {
				return err
			}
			fmt.Printf("Device:  %s\n", deviceID)

			sess, err := router.New(kv, router.WithProxyURL(cfg.Client.ProxyURL)).Session(ctx)
			if errors.Is(err, router.ErrNoSession) {
				fmt.Println("No proxy session. One is created on the first proxy request.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("User:    %s\nTier:    %s\nLimit:   %d/day\n", sess.UserID, sess.Tier, sess.DailyLimit)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the proxy session (the device id is kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			kv, err := store.New(cfg.Client.StatePath)
			if err != nil {
				return err
			}
			defer func() { _ = kv.Close() }()

			if err := router.New(kv, router.WithProxyURL(cfg.Client.ProxyURL)).ClearSession(context.Background()); err != nil {
				return err
			}
			fmt.Println("Proxy session cleared.")
			return nil
		},
	}

	cmd.AddCommand(showCmd, clearCmd)
	return cmd
}

func newUsageCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show today's proxy quota as reported by the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			c, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			u, err := c.router.Usage(context.Background())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tTIER\tLIMIT\tUSED\tREMAINING\tTOKENS")
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n", u.UserID, u.Tier, u.DailyLimit, u.UsedToday, u.RemainingToday, u.TokensToday)
			return w.Flush()
		},
	}
}

func newHealthCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the proxy is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			c, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			if !c.router.CheckHealth(context.Background()) {
				return fmt.Errorf("proxy at %s is not healthy", cfg.Client.ProxyURL)
			}
			fmt.Printf("proxy at %s is healthy\n", cfg.Client.ProxyURL)
			return nil
		},
	}
}
