package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pario-ai/cupid/pkg/orchestrator"
)

// maxImageBytes caps screenshots read from disk.
const maxImageBytes = 8 << 20

func newAnalyzeCmd(load configLoader) *cobra.Command {
	var f requestFlags
	var note string
	cmd := &cobra.Command{
		Use:   "analyze <screenshot path or URL>",
		Short: "Analyze a chat screenshot and suggest what to send next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			image, err := imageRef(args[0])
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
				model = cfg.Client.VisionModel
			}
			f.params.Message = note
			desc := orchestrator.ScreenshotAnalysis(model, cfg.Client.AuthMode, cfg.Client.APIKey, image, f.params)

			res, err := c.orch.AnalyzeImage(context.Background(), cancelOnSignal(c), desc)
			if err != nil {
				return err
			}
			return printResult(c, res, f.asJSON)
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&note, "note", "", "extra context for the analysis")
	return cmd
}

// imageRef returns arg unchanged when it is already a URL, otherwise reads the
// file and encodes it as a data URI.
func imageRef(arg string) (string, error) {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") || strings.HasPrefix(arg, "data:") {
		return arg, nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return "", fmt.Errorf("read screenshot: %w", err)
	}
	if len(data) > maxImageBytes {
		return "", fmt.Errorf("screenshot is larger than %d MB", maxImageBytes>>20)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("%s is not an image (%s)", arg, mime)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
