package models

import "time"

// Session is the per-user conversation state kept between WhatsApp messages.
type Session struct {
	UserID      string    `json:"userId"`
	DatasetKey  string    `json:"datasetKey,omitempty"`
	DatasetName string    `json:"datasetName,omitempty"`
	History     []Turn    `json:"history"`
	LastRunID   string    `json:"lastRunId,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func NewSession(userID string) *Session {
	return &Session{UserID: userID, History: []Turn{}, UpdatedAt: time.Now().UTC()}
}

// HasDataset reports whether a CSV has been uploaded in this conversation.
func (s *Session) HasDataset() bool {
	return s.DatasetKey != ""
}

func (s *Session) AppendTurn(role Role, content string) {
	s.History = append(s.History, Turn{Role: role, Content: content})
	s.UpdatedAt = time.Now().UTC()
}
