package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"analysis-workers/internal/agent/extcontext"
	"analysis-workers/internal/agent/gemini"
	"analysis-workers/internal/agent/orchestrator"
	"analysis-workers/internal/agent/sandbox"
	"analysis-workers/internal/common/config"
	"analysis-workers/internal/common/logger"
	"analysis-workers/internal/models"
)

var runFlags struct {
	dataset string
	message string
	history string
	out     string
	verbose bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Analyze a CSV file and write charts, report and summary",
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.dataset, "dataset", "d", "", "CSV file to analyze (required)")
	f.StringVarP(&runFlags.message, "message", "m", "Analyze this dataset and surface the key trends.", "User request")
	f.StringVar(&runFlags.history, "history", "", "JSON file with prior turns: [{\"role\":\"user\",\"content\":\"...\"}]")
	f.StringVarP(&runFlags.out, "out", "o", "analysis-out", "Output directory")
	f.BoolVarP(&runFlags.verbose, "verbose", "v", false, "Debug logging")

	_ = runCmd.MarkFlagRequired("dataset")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadLocal()
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if runFlags.verbose {
		level = "debug"
	}
	log := logger.NewStructured(level, "console")

	data, err := os.ReadFile(runFlags.dataset)
	if err != nil {
		return fmt.Errorf("read dataset: %w", err)
	}
	history, err := readHistory(runFlags.history)
	if err != nil {
		return err
	}

	provider, err := sandbox.NewDockerProvider(cfg.Agent.Sandbox, log)
	if err != nil {
		return err
	}
	defer provider.Close()

	orch := orchestrator.New(
		gemini.NewClient(gemini.Config{
			BaseURL:    cfg.APIs.Gemini.BaseURL,
			APIKey:     cfg.APIs.Gemini.APIKey,
			Model:      cfg.APIs.Gemini.Model,
			Timeout:    config.GetDuration(cfg.APIs.Gemini.Timeout),
			MaxRetries: cfg.APIs.Gemini.MaxRetries,
		}, log),
		provider,
		extcontext.NewFetcher(extcontext.Config{
			Endpoint:  cfg.APIs.Exa.MCPEndpoint,
			APIKey:    cfg.APIs.Exa.APIKey,
			CrawlTool: cfg.Agent.CrawlTool,
			Timeout:   config.GetDuration(cfg.Agent.ContextTimeout),
		}, log),
		orchestrator.Config{
			MinCharts:         cfg.Agent.MinCharts,
			MaxRounds:         cfg.Agent.MaxRounds,
			OutputCharLimit:   cfg.Agent.OutputCharLimit,
			FallbackMinLength: cfg.Agent.FallbackMinLength,
			SetupTimeout:      config.GetDuration(cfg.Agent.Sandbox.SetupTimeout),
		},
		log,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := orch.RunAnalysis(ctx, models.AnalysisRequest{
		Dataset:     data,
		UserMessage: runFlags.message,
		History:     history,
	})
	if err != nil {
		return err
	}

	if err := writeOutput(runFlags.out, out); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Rounds: %d, charts: %d, external context: %t\n",
		out.Metrics.Rounds, out.Metrics.ArtifactCount, out.Metrics.ExternalContextUsed)
	fmt.Fprintf(w, "Output written to %s\n\n%s\n", runFlags.out, out.Summary)
	return nil
}

func readHistory(path string) ([]models.Turn, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var turns []models.Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, fmt.Errorf("parse history %s: %w", path, err)
	}
	return turns, nil
}

// writeOutput lays out chart_N.png, summary.txt and, when the model produced
// one, report.json under dir.
func writeOutput(dir string, out *models.OrchestratorOutput) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for _, a := range out.Artifacts {
		name := filepath.Join(dir, fmt.Sprintf("chart_%d.png", a.Index))
		if err := os.WriteFile(name, a.PNG, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "summary.txt"), []byte(out.Summary+"\n"), 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if out.StructuredReport == nil {
		return nil
	}
	doc, err := json.MarshalIndent(out.StructuredReport, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "report.json"), doc, 0o644)
}
