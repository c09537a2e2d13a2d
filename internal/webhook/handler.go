// Package webhook receives WhatsApp Cloud API notifications, keeps the
// per-user session and starts the analysis process.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"analysis-workers/internal/common/logger"
	"analysis-workers/internal/common/metrics"
	"analysis-workers/internal/common/storage"
	"analysis-workers/internal/models"
)

const (
	Path = "/webhook/whatsapp"

	objectWhatsApp = "whatsapp_business_account"
	fieldMessages  = "messages"

	maxConcurrentMessages = 4
)

type Messenger interface {
	SendText(ctx context.Context, to, body string) (string, error)
	MarkAsRead(ctx context.Context, messageID string)
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error)
}

type Deduplicator interface {
	FirstSeen(ctx context.Context, messageID string) (bool, error)
}

type SessionStore interface {
	Get(ctx context.Context, userID string) (*models.Session, error)
	Update(ctx context.Context, userID string, mutate func(*models.Session)) (*models.Session, error)
}

type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// ProcessStarter creates a workflow instance; *camunda.Client satisfies it.
type ProcessStarter interface {
	StartProcess(ctx context.Context, processID string, variables interface{}) (int64, error)
}

// ProcessVariables seed the analysis process and become the run-analysis
// job input.
type ProcessVariables struct {
	ConversationID string        `json:"conversationId"`
	DatasetKey     string        `json:"datasetKey"`
	UserMessage    string        `json:"userMessage"`
	History        []models.Turn `json:"history"`
}

type Config struct {
	VerifyToken string
	ProcessID   string
}

type Handler struct {
	cfg       Config
	messenger Messenger
	dedup     Deduplicator
	sessions  SessionStore
	blobs     BlobStore
	processes ProcessStarter
	log       logger.Logger
}

func NewHandler(cfg Config, messenger Messenger, dedup Deduplicator, sessions SessionStore,
	blobs BlobStore, processes ProcessStarter, log logger.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		messenger: messenger,
		dedup:     dedup,
		sessions:  sessions,
		blobs:     blobs,
		processes: processes,
		log:       log.With(map[string]interface{}{"component": "webhook"}),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+Path, h.Verify)
	mux.HandleFunc("POST "+Path, h.Receive)
}

// Verify answers the Graph API subscription handshake.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	if mode != "subscribe" || h.cfg.VerifyToken == "" || q.Get("hub.verify_token") != h.cfg.VerifyToken {
		h.log.Warn("webhook verification failed", map[string]interface{}{"mode": mode})
		writeJSON(w, http.StatusForbidden, map[string]interface{}{"error": "Verification failed"})
		return
	}
	h.log.Info("webhook verified", nil)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// Receive processes every inbound message of a notification. Per-message
// failures are logged and never change the response.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	var payload models.WebhookPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Invalid payload"})
		return
	}
	if payload.Object != objectWhatsApp {
		h.log.Warn("unexpected webhook object", map[string]interface{}{"object": payload.Object})
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Invalid webhook object"})
		return
	}

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(maxConcurrentMessages)
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != fieldMessages {
				h.log.Debug("skipping change", map[string]interface{}{"field": change.Field})
				continue
			}
			if len(change.Value.Statuses) > 0 {
				continue
			}
			for _, msg := range change.Value.Messages {
				g.Go(func() error {
					if err := h.handleMessage(ctx, msg); err != nil {
						h.log.Error("message handling failed", map[string]interface{}{
							"messageId": msg.ID,
							"from":      msg.From,
							"error":     err.Error(),
						})
					}
					return nil
				})
			}
		}
	}
	_ = g.Wait()

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) handleMessage(ctx context.Context, msg models.WhatsAppMessage) error {
	first, err := h.dedup.FirstSeen(ctx, msg.ID)
	if err != nil {
		h.log.Warn("dedup unavailable, processing anyway", map[string]interface{}{
			"messageId": msg.ID,
			"error":     err.Error(),
		})
		first = true
	}
	if !first {
		metrics.WebhookMessagesTotal.WithLabelValues("duplicate").Inc()
		h.log.Info("skipping duplicate message", map[string]interface{}{"messageId": msg.ID})
		return nil
	}

	h.messenger.MarkAsRead(ctx, msg.ID)

	sess, err := h.sessions.Get(ctx, msg.From)
	if err != nil {
		return err
	}

	switch msg.Type {
	case models.MessageTypeDocument:
		if msg.Document == nil {
			return nil
		}
		if !isCSV(msg.Document) {
			metrics.WebhookMessagesTotal.WithLabelValues("other_document").Inc()
			return h.reply(ctx, msg.From, notCSVText)
		}
		metrics.WebhookMessagesTotal.WithLabelValues("csv").Inc()
		return h.handleCSV(ctx, sess, msg)

	case models.MessageTypeImage, models.MessageTypeAudio, models.MessageTypeVideo:
		metrics.WebhookMessagesTotal.WithLabelValues("media").Inc()
		return h.reply(ctx, msg.From, mediaText)

	case models.MessageTypeText:
		if msg.Text == nil || strings.TrimSpace(msg.Text.Body) == "" {
			return nil
		}
		if !sess.HasDataset() {
			metrics.WebhookMessagesTotal.WithLabelValues("welcome").Inc()
			return h.reply(ctx, msg.From, welcomeText)
		}
		metrics.WebhookMessagesTotal.WithLabelValues("follow_up").Inc()
		return h.handleFollowUp(ctx, sess, msg.Text.Body)

	default:
		metrics.WebhookMessagesTotal.WithLabelValues("ignored").Inc()
		h.log.Debug("ignoring message type", map[string]interface{}{"type": msg.Type})
		return nil
	}
}

func (h *Handler) handleCSV(ctx context.Context, sess *models.Session, msg models.WhatsAppMessage) error {
	data, _, err := h.messenger.DownloadMedia(ctx, msg.Document.ID)
	if err != nil {
		_ = h.reply(ctx, msg.From, downloadFailedText)
		return fmt.Errorf("download csv: %w", err)
	}
	key := storage.DatasetKey(msg.From, msg.ID)
	if err := h.blobs.Upload(ctx, key, data, "text/csv"); err != nil {
		_ = h.reply(ctx, msg.From, downloadFailedText)
		return fmt.Errorf("store csv: %w", err)
	}

	var prior []models.Turn
	sess, err = h.sessions.Update(ctx, sess.UserID, func(s *models.Session) {
		prior = append([]models.Turn{}, s.History...)
		s.DatasetKey = key
		s.DatasetName = msg.Document.Filename
		s.AppendTurn(models.RoleUser, uploadedTurn)
	})
	if err != nil {
		return err
	}

	request := strings.TrimSpace(msg.Document.Caption)
	if request == "" {
		request = defaultRequest
	}
	if err := h.reply(ctx, msg.From, csvReceivedText); err != nil {
		h.log.Warn("acknowledgement failed", map[string]interface{}{"to": msg.From, "error": err.Error()})
	}
	return h.start(ctx, sess, request, prior)
}

func (h *Handler) handleFollowUp(ctx context.Context, sess *models.Session, text string) error {
	var prior []models.Turn
	sess, err := h.sessions.Update(ctx, sess.UserID, func(s *models.Session) {
		prior = append([]models.Turn{}, s.History...)
		s.AppendTurn(models.RoleUser, text)
	})
	if err != nil {
		return err
	}
	if err := h.reply(ctx, sess.UserID, followUpText); err != nil {
		h.log.Warn("acknowledgement failed", map[string]interface{}{"to": sess.UserID, "error": err.Error()})
	}
	return h.start(ctx, sess, text, prior)
}

func (h *Handler) start(ctx context.Context, sess *models.Session, request string, history []models.Turn) error {
	key, err := h.processes.StartProcess(ctx, h.cfg.ProcessID, ProcessVariables{
		ConversationID: sess.UserID,
		DatasetKey:     sess.DatasetKey,
		UserMessage:    request,
		History:        history,
	})
	if err != nil {
		_ = h.reply(ctx, sess.UserID, startFailedText)
		return fmt.Errorf("start process: %w", err)
	}
	h.log.Info("analysis process started", map[string]interface{}{
		"conversationId":     sess.UserID,
		"processInstanceKey": key,
		"datasetKey":         sess.DatasetKey,
	})
	return nil
}

func (h *Handler) reply(ctx context.Context, to, text string) error {
	_, err := h.messenger.SendText(ctx, to, text)
	return err
}

func isCSV(doc *models.MediaRef) bool {
	return strings.Contains(strings.ToLower(doc.MimeType), "csv") ||
		strings.HasSuffix(strings.ToLower(doc.Filename), ".csv")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
