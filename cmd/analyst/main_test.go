package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysis-workers/internal/models"
)

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return buf.String(), err
}

// ==========================
// extract
// ==========================

func TestExtract_PrintsNormalizedReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reply.txt")
	require.NoError(t, os.WriteFile(path, []byte("```json\n{\"summary\":\"Revenue up\",\"kpis\":[\"+10%\"]}\n```"), 0o600))

	out, err := executeRoot(t, "extract", "--file", path)
	require.NoError(t, err)

	var rep models.StructuredReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "Revenue up", rep.Summary)
	assert.Equal(t, []string{"+10%"}, rep.KPIs)
	assert.NotNil(t, rep.NextSteps)
}

func TestExtract_NoReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reply.txt")
	require.NoError(t, os.WriteFile(path, []byte("just prose"), 0o600))

	_, err := executeRoot(t, "extract", "--file", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no structured report")
}

// ==========================
// run output layout
// ==========================

func TestWriteOutput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	out := &models.OrchestratorOutput{
		Summary:          "Three charts",
		Artifacts:        []models.Artifact{{Index: 1, PNG: []byte("png1")}, {Index: 2, PNG: []byte("png2")}},
		StructuredReport: &models.StructuredReport{Summary: "Three charts"},
	}

	require.NoError(t, writeOutput(dir, out))

	chart, err := os.ReadFile(filepath.Join(dir, "chart_2.png"))
	require.NoError(t, err)
	assert.Equal(t, "png2", string(chart))

	summary, err := os.ReadFile(filepath.Join(dir, "summary.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Three charts\n", string(summary))
	assert.FileExists(t, filepath.Join(dir, "report.json"))
}

func TestWriteOutput_NoReport(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeOutput(dir, &models.OrchestratorOutput{Summary: "x"}))
	assert.NoFileExists(t, filepath.Join(dir, "report.json"))
}

func TestReadHistory(t *testing.T) {
	turns, err := readHistory("")
	require.NoError(t, err)
	assert.Nil(t, turns)

	path := filepath.Join(t.TempDir(), "h.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"role":"user","content":"hi"}]`), 0o600))
	turns, err = readHistory(path)
	require.NoError(t, err)
	assert.Equal(t, []models.Turn{{Role: models.RoleUser, Content: "hi"}}, turns)
}

// ==========================
// registry
// ==========================

func TestRegistry_ListsShippedActivities(t *testing.T) {
	out, err := executeRoot(t, "registry", "--path", filepath.Join("..", "..", "configs", "activity-registry.json"))
	require.NoError(t, err)
	assert.Contains(t, out, "3 activities")
	assert.Contains(t, out, "run-analysis")
	assert.Contains(t, out, "ANALYSIS_FAILED")
}

func TestRegistry_ChecksProcessErrorBoundaries(t *testing.T) {
	t.Cleanup(func() { registryFlags.bpmn = "" })

	out, err := executeRoot(t, "registry",
		"--path", filepath.Join("..", "..", "configs", "activity-registry.json"),
		"--bpmn", filepath.Join("..", "..", "bpmn", "csv-analysis.bpmn"),
	)
	require.NoError(t, err)
	assert.Contains(t, out, "All declared errors are caught")
	assert.NotContains(t, out, "uncaught")
}
