// internal/workers/analysis/run-analysis/models.go
package runanalysis

import (
	"analysis-workers/internal/common/validation"
	"analysis-workers/internal/models"
)

type Input struct {
	ConversationID string        `json:"conversationId"`
	DatasetKey     string        `json:"datasetKey"`
	UserMessage    string        `json:"userMessage"`
	History        []models.Turn `json:"history"`
}

type Output struct {
	RunID            string                   `json:"runId"`
	Summary          string                   `json:"summary"`
	ChartKeys        []string                 `json:"chartKeys"`
	StructuredReport *models.StructuredReport `json:"structuredReport,omitempty"`
	ExternalContext  string                   `json:"externalContext"`
	Metrics          models.RunMetrics        `json:"metrics"`
}

var inputSchema = validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"conversationId": {Type: "string", MinLength: validation.Int(1)},
		"datasetKey":     {Type: "string", MinLength: validation.Int(1)},
		"userMessage":    {Type: "string", MinLength: validation.Int(1)},
		"history": {
			Type: "array",
			Items: &validation.Property{
				Type: "object",
				Properties: map[string]validation.Property{
					"role":    {Type: "string", Enum: []string{string(models.RoleUser), string(models.RoleAssistant)}},
					"content": {Type: "string"},
				},
				Required: []string{"role", "content"},
			},
		},
	},
	Required: []string{"conversationId", "datasetKey", "userMessage"},
}
