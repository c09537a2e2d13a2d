package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysis-workers/internal/common/config"
	"analysis-workers/internal/common/errors"
	"analysis-workers/internal/common/logger"
)

type graphStub struct {
	mu     sync.Mutex
	bodies []map[string]interface{}
	srv    *httptest.Server
}

func newGraphStub(t *testing.T) *graphStub {
	g := &graphStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/PNID/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		g.mu.Lock()
		g.bodies = append(g.bodies, body)
		g.mu.Unlock()
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
	})
	mux.HandleFunc("/media-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"url":       g.srv.URL + "/files/media-1",
			"mime_type": "text/csv",
		})
	})
	mux.HandleFunc("/files/media-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("a,b\n1,2\n"))
	})
	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

func (g *graphStub) client(t *testing.T) *Client {
	return NewClient(config.WhatsAppConfig{
		BaseURL:       g.srv.URL,
		PhoneNumberID: "PNID",
		AccessToken:   "tok",
		Timeout:       2000,
	}, logger.NewTestLogger(t))
}

// ==========================
// Sending
// ==========================

func TestSendText(t *testing.T) {
	g := newGraphStub(t)

	id, err := g.client(t).SendText(context.Background(), "+1 (555) 123-4567", "hello")
	require.NoError(t, err)
	assert.Equal(t, "wamid.out", id)

	require.Len(t, g.bodies, 1)
	body := g.bodies[0]
	assert.Equal(t, "whatsapp", body["messaging_product"])
	assert.Equal(t, "individual", body["recipient_type"])
	assert.Equal(t, "15551234567", body["to"])
	assert.Equal(t, "text", body["type"])
	assert.Equal(t, map[string]interface{}{"preview_url": false, "body": "hello"}, body["text"])
}

func TestSendDocument(t *testing.T) {
	g := newGraphStub(t)

	_, err := g.client(t).SendDocument(context.Background(), "15551234567", "https://s3/x.pdf", "done", "report.pdf")
	require.NoError(t, err)

	doc := g.bodies[0]["document"].(map[string]interface{})
	assert.Equal(t, "https://s3/x.pdf", doc["link"])
	assert.Equal(t, "done", doc["caption"])
	assert.Equal(t, "report.pdf", doc["filename"])
}

func TestMarkAsRead(t *testing.T) {
	g := newGraphStub(t)

	g.client(t).MarkAsRead(context.Background(), "wamid.in")

	require.Len(t, g.bodies, 1)
	assert.Equal(t, "read", g.bodies[0]["status"])
	assert.Equal(t, "wamid.in", g.bodies[0]["message_id"])
}

func TestSend_MissingCredentials(t *testing.T) {
	c := NewClient(config.WhatsAppConfig{BaseURL: "http://unused"}, logger.NewNoOpLogger())

	_, err := c.SendText(context.Background(), "1", "x")
	assert.True(t, errors.HasCode(err, errors.ErrCodeMissingCredentials))
}

func TestSend_RejectedIsNotificationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid recipient"}}`))
	}))
	defer srv.Close()

	c := NewClient(config.WhatsAppConfig{BaseURL: srv.URL, PhoneNumberID: "P", AccessToken: "t", Timeout: 1000}, logger.NewNoOpLogger())
	_, err := c.SendText(context.Background(), "1", "x")

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotificationSendFailed))
	assert.Contains(t, err.Error(), "invalid recipient")
}

// ==========================
// Media
// ==========================

func TestDownloadMedia(t *testing.T) {
	g := newGraphStub(t)

	data, mime, err := g.client(t).DownloadMedia(context.Background(), "media-1")
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
	assert.Equal(t, "text/csv", mime)
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "4915112345678", NormalizePhone("+49 151 1234-5678"))
	assert.Equal(t, "", NormalizePhone("abc"))
}
