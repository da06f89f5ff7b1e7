package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/keepmind9/clibridge/internal/watchdog"
	"github.com/spf13/cobra"
)

var (
	inspectMessage string
	inspectJSON    bool
)

// InspectResult is the detector's verdict over a captured transcript.
type InspectResult struct {
	Phase          string `json:"phase"`
	Reason         string `json:"reason,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	Phrase         string `json:"phrase,omitempty"`
	ContentStarted bool   `json:"content_started"`
	Bytes          int    `json:"bytes"`
	Response       string `json:"response"`
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <transcript>",
	Short: "Run the turn detector over a captured pty transcript",
	Long: `Feed raw assistant output (for example captured with "script -q") through
the same cleaning and completion detector a live session uses, then print
what the detector decided and the response it would return.

Useful when tuning detector thresholds or an indicators file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read transcript: %w", err)
		}
		indicators, err := cfg.IndicatorsFile()
		if err != nil {
			return err
		}
		catalog, err := watchdog.NewCatalogStore(indicators)
		if err != nil {
			return fmt.Errorf("failed to load indicator catalog: %w", err)
		}

		result := inspectTranscript(data, inspectMessage, cfg.DetectorConfig(), catalog.Catalog())
		return writeInspectResult(cmd.OutOrStdout(), result, inspectJSON)
	},
}

// inspectTranscript replays data as one burst and checks the detector at
// the ready-settle and silence marks, as a live turn would.
func inspectTranscript(data []byte, message string, cfg watchdog.DetectorConfig, catalog *watchdog.Catalog) InspectResult {
	start := time.Unix(0, 0)
	d := watchdog.NewDetector(cfg, catalog, message, start)
	d.Feed(data, start)

	decision := d.Check(start)
	for _, wait := range []time.Duration{cfg.ReadySettle, cfg.SilenceThreshold} {
		if decision.Phase != watchdog.PhaseWaiting {
			break
		}
		decision = d.Check(start.Add(wait))
	}

	return InspectResult{
		Phase:          decision.Phase.String(),
		Reason:         decision.Reason,
		Prompt:         decision.Prompt,
		Phrase:         decision.Phrase,
		ContentStarted: d.ContentStarted(),
		Bytes:          d.Bytes(),
		Response:       d.Response(),
	}
}

func writeInspectResult(w io.Writer, result InspectResult, asJSON bool) error {
	if asJSON {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal json: %w", err)
		}
		fmt.Fprintln(w, string(output))
		return nil
	}

	fmt.Fprintf(w, "Phase:           %s\n", result.Phase)
	if result.Reason != "" {
		fmt.Fprintf(w, "Reason:          %s\n", result.Reason)
	}
	fmt.Fprintf(w, "Content started: %t\n", result.ContentStarted)
	fmt.Fprintf(w, "Bytes:           %d\n", result.Bytes)
	if result.Prompt != "" {
		fmt.Fprintf(w, "Matched phrase:  %s\n", result.Phrase)
		fmt.Fprintf(w, "\n--- prompt ---\n%s\n", result.Prompt)
	}
	fmt.Fprintf(w, "\n--- response ---\n%s\n", result.Response)
	return nil
}

func init() {
	inspectCmd.Flags().StringVarP(&inspectMessage, "message", "m", "", "Message that was sent, so its echo is recognized")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output in JSON format")
}
