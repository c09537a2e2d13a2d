// internal/workers/delivery/notify-user/models.go
package notifyuser

type Input struct {
	ConversationID string `json:"conversationId"`
	Kind           string `json:"kind"`
	Summary        string `json:"summary,omitempty"`
	ReportURL      string `json:"reportUrl,omitempty"`
	Email          string `json:"email,omitempty"`
	// Set by the boundary event when the analysis failed.
	OriginalErrorCode string `json:"originalErrorCode,omitempty"`
}

type Output struct {
	NotificationID string   `json:"notificationId"`
	Status         string   `json:"status"` // "sent", "failed", "disabled"
	Channels       []string `json:"channels"`
	SentAt         string   `json:"sentAt"` // ISO 8601
}

// Notification kinds
const (
	KindReportReady    = "report_ready"
	KindAnalysisFailed = "analysis_failed"
)

// Statuses
const (
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusDisabled = "disabled"
)

// Channels
const (
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
)
