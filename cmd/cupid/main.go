package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/cupid/pkg/apierr"
	"github.com/pario-ai/cupid/pkg/config"
	"github.com/pario-ai/cupid/pkg/orchestrator"
)

var version = "dev"

// language selects the table for user-facing error messages.
var language = "en"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "cupid",
		Short:         "Cupid, AI reply suggestions for dating conversations",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "cupid.yaml", "path to config file")

	load := func(cmd *cobra.Command) (*config.Config, error) {
		return loadConfig(configPath, cmd.Flags().Changed("config"))
	}

	root.AddCommand(
		newSuggestCmd(load),
		newStarterCmd(load),
		newAnalyzeCmd(load),
		newSessionCmd(load),
		newUsageCmd(load),
		newHealthCmd(load),
		newCacheCmd(load),
		newQueueCmd(load),
		newProxyCmd(load),
	)

	if err := root.Execute(); err != nil {
		var ae *apierr.Error
		if errors.As(err, &ae) {
			fmt.Fprintf(os.Stderr, "%s (%s)\n", ae.UserMessage(language), ae.Code)
			if errors.Is(err, orchestrator.ErrQueued) {
				fmt.Fprintln(os.Stderr, "Run `cupid queue replay` once you are back online.")
			}
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

type configLoader func(cmd *cobra.Command) (*config.Config, error)

// loadConfig reads path. A missing file is only an error when the path was
// given explicitly; otherwise the defaults apply.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if cfg.Client.Language != "" {
		language = cfg.Client.Language
	}
	return cfg, nil
}
