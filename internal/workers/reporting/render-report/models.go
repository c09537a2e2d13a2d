// internal/workers/reporting/render-report/models.go
package renderreport

import "analysis-workers/internal/models"

type Input struct {
	RunID            string                   `json:"runId"`
	ConversationID   string                   `json:"conversationId"`
	Summary          string                   `json:"summary"`
	ChartKeys        []string                 `json:"chartKeys"`
	StructuredReport *models.StructuredReport `json:"structuredReport,omitempty"`
	ExternalContext  string                   `json:"externalContext"`
}

type Output struct {
	ReportKey string `json:"reportKey"`
	ReportURL string `json:"reportUrl"`
	PageBytes int    `json:"pageBytes"`
}
