package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"analysis-workers/internal/agent/report"
)

var extractFlags struct {
	file string
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Parse a saved model reply into the normalized report JSON",
	RunE:  runExtract,
}

func init() {
	f := extractCmd.Flags()
	f.StringVarP(&extractFlags.file, "file", "f", "", "File holding the final model text (required)")

	_ = extractCmd.MarkFlagRequired("file")
}

func runExtract(cmd *cobra.Command, _ []string) error {
	raw, err := os.ReadFile(extractFlags.file)
	if err != nil {
		return fmt.Errorf("read %s: %w", extractFlags.file, err)
	}

	rep := report.Extract(string(raw))
	if rep == nil {
		return fmt.Errorf("no structured report found in %s", extractFlags.file)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
