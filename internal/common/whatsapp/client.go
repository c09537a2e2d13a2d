// Package whatsapp is a thin client for the WhatsApp Cloud (Graph) API.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"analysis-workers/internal/common/config"
	"analysis-workers/internal/common/errors"
	httpc "analysis-workers/internal/common/http"
	"analysis-workers/internal/common/logger"
)

// maxMediaBytes bounds a downloaded attachment (WhatsApp documents cap at 100 MB).
const maxMediaBytes = 100 << 20

type Client struct {
	http          *httpc.Client
	baseURL       string
	phoneNumberID string
	token         string
	log           logger.Logger
}

func NewClient(cfg config.WhatsAppConfig, log logger.Logger, opts ...httpc.Option) *Client {
	opts = append([]httpc.Option{httpc.WithRetries(2, 250*time.Millisecond)}, opts...)
	return &Client{
		http:          httpc.NewClient(config.GetDuration(cfg.Timeout), opts...),
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		phoneNumberID: cfg.PhoneNumberID,
		token:         cfg.AccessToken,
		log:           log,
	}
}

// NormalizePhone strips everything but digits.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type textMessage struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

type documentMessage struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Document         struct {
		Link     string `json:"link"`
		Caption  string `json:"caption,omitempty"`
		Filename string `json:"filename,omitempty"`
	} `json:"document"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	msg := textMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               NormalizePhone(to),
		Type:             "text",
	}
	msg.Text.Body = body
	return c.send(ctx, msg)
}

func (c *Client) SendDocument(ctx context.Context, to, link, caption, filename string) (string, error) {
	msg := documentMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               NormalizePhone(to),
		Type:             "document",
	}
	msg.Document.Link = link
	msg.Document.Caption = caption
	msg.Document.Filename = filename
	return c.send(ctx, msg)
}

// MarkAsRead is best-effort; failures are logged only.
func (c *Client) MarkAsRead(ctx context.Context, messageID string) {
	if err := c.credentials(); err != nil {
		return
	}
	body := map[string]string{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	resp, err := c.http.PostJSON(ctx, c.messagesURL(), c.authHeader(), body)
	if err != nil {
		c.log.Warn("mark as read failed", map[string]interface{}{"messageId": messageID, "error": err.Error()})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.log.Warn("mark as read rejected", map[string]interface{}{"messageId": messageID, "status": resp.StatusCode})
	}
}

type mediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// DownloadMedia resolves a media ID to its URL and fetches the bytes.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	if err := c.credentials(); err != nil {
		return nil, "", err
	}

	resp, err := c.http.Get(ctx, c.baseURL+"/"+mediaID, c.authHeader())
	if err != nil {
		return nil, "", errors.NewExternalServiceError("whatsapp", fmt.Errorf("media lookup: %w", err))
	}
	var info mediaInfo
	err = decode(resp, &info)
	if err != nil {
		return nil, "", errors.NewExternalServiceError("whatsapp", fmt.Errorf("media lookup: %w", err))
	}
	if info.URL == "" {
		return nil, "", errors.NewExternalServiceError("whatsapp", fmt.Errorf("media %s has no url", mediaID))
	}

	resp, err = c.http.Get(ctx, info.URL, c.authHeader())
	if err != nil {
		return nil, "", errors.NewExternalServiceError("whatsapp", fmt.Errorf("media download: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", errors.NewExternalServiceError("whatsapp", fmt.Errorf("media download: status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", errors.NewExternalServiceError("whatsapp", fmt.Errorf("media read: %w", err))
	}
	if len(data) > maxMediaBytes {
		return nil, "", errors.NewInvalidInputError("media exceeds 100 MB")
	}
	return data, info.MimeType, nil
}

func (c *Client) send(ctx context.Context, msg interface{}) (string, error) {
	if err := c.credentials(); err != nil {
		return "", err
	}
	resp, err := c.http.PostJSON(ctx, c.messagesURL(), c.authHeader(), msg)
	if err != nil {
		return "", errors.NewNotificationSendError("whatsapp", err)
	}
	var out sendResponse
	if err := decode(resp, &out); err != nil {
		return "", errors.NewNotificationSendError("whatsapp", err)
	}
	if len(out.Messages) == 0 {
		return "", nil
	}
	return out.Messages[0].ID, nil
}

func (c *Client) credentials() error {
	if c.phoneNumberID == "" || c.token == "" {
		return errors.NewMissingCredentialsError("WHATSAPP_PHONE_NUMBER_ID / WHATSAPP_ACCESS_TOKEN")
	}
	return nil
}

func (c *Client) messagesURL() string {
	return fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
}

func (c *Client) authHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.token}
}

func decode(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
