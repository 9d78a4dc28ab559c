package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/cupid/pkg/models"
)

func newQueueCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay requests saved while offline",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queued requests, oldest first",
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

			items := c.queue.Snapshot()
			if len(items) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tQUEUED\tATTEMPTS")
			for _, q := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", q.ID, q.RequestType, q.EnqueuedAt.Format("2006-01-02T15:04:05"), q.RetryCount)
			}
			return w.Flush()
		},
	}

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Send queued requests now",
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

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Client.AuthMode != models.AuthDirect {
				c.orch.SetOnline(c.router.CheckHealth(ctx))
			}
			if c.queue.Size() > 0 && !c.queue.IsOnline() {
				return fmt.Errorf("proxy at %s is unreachable; %d requests stay queued", cfg.Client.ProxyURL, c.queue.Size())
			}

			results := c.orch.Replay(ctx)
			for _, rr := range results {
				switch {
				case rr.Err == nil:
					fmt.Printf("%s %s: delivered\n", rr.ID, rr.RequestType)
					if err := printResult(c, rr.Result, false); err != nil {
						return err
					}
				case rr.Evicted:
					fmt.Printf("%s %s: dropped, %s\n", rr.ID, rr.RequestType, rr.Err.UserMessage(language))
				default:
					fmt.Printf("%s %s: still queued, %s\n", rr.ID, rr.RequestType, rr.Err.UserMessage(language))
				}
			}
			fmt.Printf("%d requests left in the queue.\n", c.queue.Size())
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued request",
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

			n := c.queue.Size()
			c.queue.Clear()
			fmt.Printf("Dropped %d queued requests.\n", n)
			return nil
		},
	}

	cmd.AddCommand(listCmd, replayCmd, clearCmd)
	return cmd
}
