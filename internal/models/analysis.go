// Package models holds the data shared by the analysis core, the workers and
// the webhook.
package models

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior exchange in the conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// AnalysisRequest is the input of a single analysis run.
type AnalysisRequest struct {
	Dataset     []byte `json:"-"`
	UserMessage string `json:"userMessage"`
	History     []Turn `json:"history,omitempty"`
}

// Artifact is a chart image produced inside the sandbox. Index is 1-based in
// completion order.
type Artifact struct {
	Index int    `json:"index"`
	PNG   []byte `json:"-"`
}

type RunMetrics struct {
	Rounds              int  `json:"rounds"`
	ArtifactCount       int  `json:"artifactCount"`
	ExternalContextUsed bool `json:"externalContextUsed"`
}

// OrchestratorOutput is the result of a completed run.
type OrchestratorOutput struct {
	Summary          string            `json:"summary"`
	Artifacts        []Artifact        `json:"-"`
	ExternalContext  string            `json:"externalContext"`
	StructuredReport *StructuredReport `json:"structuredReport,omitempty"`
	Metrics          RunMetrics        `json:"metrics"`
}
