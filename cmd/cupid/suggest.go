package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pario-ai/cupid/pkg/models"
	"github.com/pario-ai/cupid/pkg/orchestrator"
)

type requestFlags struct {
	params orchestrator.Params
	model  string
	asJSON bool
}

func (f *requestFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.params.Culture, "culture", "western", "dating culture to match")
	cmd.Flags().StringVar(&f.params.Tone, "tone", "", "preferred tone")
	cmd.Flags().StringVar(&f.params.Context, "context", "", "earlier conversation")
	cmd.Flags().StringVar(&f.model, "model", "", "override the configured model")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the result as JSON")
}

func newSuggestCmd(load configLoader) *cobra.Command {
	var f requestFlags
	cmd := &cobra.Command{
		Use:   "suggest <message>",
		Short: "Suggest replies to a message you received",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.params.Message = strings.Join(args, " ")
			return runText(cmd, load, &f, orchestrator.FlirtResponse)
		},
	}
	f.bind(cmd)
	return cmd
}

func newStarterCmd(load configLoader) *cobra.Command {
	var f requestFlags
	cmd := &cobra.Command{
		Use:   "starter <profile>",
		Short: "Suggest opening lines for a profile",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.params.Message = strings.Join(args, " ")
			return runText(cmd, load, &f, orchestrator.ConversationStarter)
		},
	}
	f.bind(cmd)
	return cmd
}

type textBuilder func(model string, mode models.AuthMode, apiKey string, p orchestrator.Params) models.RequestDescriptor

func runText(cmd *cobra.Command, load configLoader, f *requestFlags, build textBuilder) error {
	cfg, err := load(cmd)
	if err != nil {
		return err
	}
	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	model := f.model
	if model == "" {
		model = cfg.Client.TextModel
	}
	desc := build(model, cfg.Client.AuthMode, cfg.Client.APIKey, f.params)

	id := cancelOnSignal(c)
	res, err := c.orch.GenerateSuggestion(context.Background(), id, desc)
	if err != nil {
		return err
	}
	return printResult(c, res, f.asJSON)
}

// cancelOnSignal returns a request id that is cancelled through the
// orchestrator when the process receives SIGINT or SIGTERM.
func cancelOnSignal(c *client) string {
	id := uuid.NewString()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		if c.orch.Cancel(id) {
			log.Printf("cancelling request %s", id)
		}
	}()
	return id
}

func printResult(c *client, res *orchestrator.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Analysis)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tSUGGESTION\tWHY")
	for _, s := range res.Analysis.Suggestions {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Type, s.Text, s.Reason)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if res.Analysis.ProTip != "" {
		fmt.Printf("\nPro tip: %s\n", res.Analysis.ProTip)
	}
	if lvl := res.Analysis.InterestLevel; lvl != nil {
		fmt.Printf("Interest: %d/100\n", *lvl)
	}
	if res.Analysis.Mood != "" {
		fmt.Printf("Mood: %s\n", res.Analysis.Mood)
	}

	switch {
	case res.Cached:
		fmt.Println("\n(cached)")
	case res.Analysis.Fallback:
		fmt.Println("\n(the model reply was unusable; showing generic suggestions)")
	default:
		total := c.orch.Usage().Total(time.Time{})
		fmt.Printf("\n%d tokens, ~$%.5f\n", total.Tokens, total.Cost)
	}
	return nil
}
