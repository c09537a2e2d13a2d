// internal/workers/delivery/notify-user/handler_test.go
package notifyuser

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysis-workers/internal/common/errors"
	"analysis-workers/internal/common/logger"
)

// ==========================
// Mock Implementations
// ==========================

type MockWhatsApp struct {
	err       error
	texts     []string
	documents []string
	captions  []string
}

func (m *MockWhatsApp) SendText(_ context.Context, _, body string) (string, error) {
	m.texts = append(m.texts, body)
	return "wamid", m.err
}

func (m *MockWhatsApp) SendDocument(_ context.Context, _, link, caption, _ string) (string, error) {
	m.documents = append(m.documents, link)
	m.captions = append(m.captions, caption)
	return "wamid", m.err
}

type MockSESService struct {
	SendEmailFunc func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

func (m *MockSESService) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	return m.SendEmailFunc(ctx, params, optFns...)
}

type MockSNSService struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *MockSNSService) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, params, optFns...)
}

// ==========================
// Test Helper Functions
// ==========================

func createTestConfig() *Config {
	return &Config{
		EmailEnabled: true,
		SMSEnabled:   true,
		FromEmail:    "reports@analyst.example",
		Timeout:      30 * time.Second,
	}
}

func reportReady() *Input {
	return &Input{
		ConversationID: "15551234567",
		Kind:           KindReportReady,
		Summary:        "Bookings rose 10% in March.",
		ReportURL:      "https://minio.local/reports/x.pdf?sig=1",
	}
}

type recorder struct {
	emails []*ses.SendEmailInput
	sms    []*sns.PublishInput
}

func newTestHandler(t *testing.T, wa *MockWhatsApp, cfg *Config, snsErr error) (*Handler, *recorder) {
	rec := &recorder{}
	sesMock := &MockSESService{SendEmailFunc: func(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
		rec.emails = append(rec.emails, in)
		return &ses.SendEmailOutput{}, nil
	}}
	snsMock := &MockSNSService{PublishFunc: func(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
		rec.sms = append(rec.sms, in)
		return &sns.PublishOutput{}, snsErr
	}}
	return NewHandler(cfg, wa, sesMock, snsMock, logger.NewTestLogger(t)), rec
}

// ==========================
// Core Functionality Tests
// ==========================

func TestHandler_Execute_ReportReady(t *testing.T) {
	wa := &MockWhatsApp{}
	h, rec := newTestHandler(t, wa, createTestConfig(), nil)

	out, err := h.execute(context.Background(), reportReady())
	require.NoError(t, err)

	assert.Equal(t, StatusSent, out.Status)
	assert.Equal(t, []string{ChannelWhatsApp}, out.Channels)
	assert.Len(t, out.NotificationID, 36)
	assert.Equal(t, []string{"https://minio.local/reports/x.pdf?sig=1"}, wa.documents)
	assert.Equal(t,
		"✅ *Analysis Complete!*\n\nBookings rose 10% in March.\n\n📊 Your detailed PDF report is ready 👇",
		wa.captions[0])
	assert.Empty(t, rec.sms)
	assert.Empty(t, rec.emails)
}

func TestHandler_Execute_ReportReadyWithEmail(t *testing.T) {
	wa := &MockWhatsApp{}
	h, rec := newTestHandler(t, wa, createTestConfig(), nil)
	in := reportReady()
	in.Email = "owner@hotel.example"

	out, err := h.execute(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []string{ChannelWhatsApp, ChannelEmail}, out.Channels)
	require.Len(t, rec.emails, 1)
	assert.Equal(t, []string{"owner@hotel.example"}, rec.emails[0].Destination.ToAddresses)
	assert.Equal(t, "reports@analyst.example", *rec.emails[0].Source)
	assert.Contains(t, *rec.emails[0].Message.Body.Html.Data, "x.pdf?sig=1")
}

func TestHandler_Execute_AnalysisFailed(t *testing.T) {
	wa := &MockWhatsApp{}
	h, _ := newTestHandler(t, wa, createTestConfig(), nil)

	out, err := h.execute(context.Background(), &Input{
		ConversationID:    "15551234567",
		Kind:              KindAnalysisFailed,
		Email:             "ignored@example.com",
		OriginalErrorCode: "SANDBOX_SETUP_TIMEOUT",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, out.Status)
	assert.Equal(t, []string{failureText}, wa.texts)
	assert.Empty(t, wa.documents)
}

func TestReportCaption_TruncatesLongSummaries(t *testing.T) {
	long := strings.Repeat("é", 250)
	caption := reportCaption(long)
	assert.Contains(t, caption, strings.Repeat("é", 200)+"...\n\n")
	assert.NotContains(t, caption, strings.Repeat("é", 201))
}

// ==========================
// Error Handling Tests
// ==========================

func TestHandler_Execute_SMSFallback(t *testing.T) {
	wa := &MockWhatsApp{err: errors.NewNotificationSendError("whatsapp", stderrors.New("131026"))}
	h, rec := newTestHandler(t, wa, createTestConfig(), nil)

	out, err := h.execute(context.Background(), reportReady())
	require.NoError(t, err)

	assert.Equal(t, StatusSent, out.Status)
	assert.Equal(t, []string{ChannelSMS}, out.Channels)
	require.Len(t, rec.sms, 1)
	assert.Equal(t, "+15551234567", *rec.sms[0].PhoneNumber)
	assert.True(t, strings.HasSuffix(*rec.sms[0].Message, "\nhttps://minio.local/reports/x.pdf?sig=1"))
	assert.NotContains(t, *rec.sms[0].Message, "*")
}

func TestHandler_Execute_AllChannelsFail(t *testing.T) {
	wa := &MockWhatsApp{err: errors.NewNotificationSendError("whatsapp", stderrors.New("down"))}
	h, _ := newTestHandler(t, wa, createTestConfig(), stderrors.New("throttled"))

	out, err := h.execute(context.Background(), reportReady())

	require.True(t, errors.HasCode(err, errors.ErrCodeNotificationSendFailed))
	assert.Equal(t, StatusFailed, out.Status)
	se, _ := errors.AsStandard(err)
	assert.Equal(t, 3, errors.ConvertToBPMNError(se).Retries)
}

func TestHandler_Execute_DisabledWithoutCredentials(t *testing.T) {
	wa := &MockWhatsApp{err: errors.NewMissingCredentialsError("WHATSAPP_ACCESS_TOKEN")}
	cfg := createTestConfig()
	cfg.SMSEnabled = false
	h, _ := newTestHandler(t, wa, cfg, nil)

	out, err := h.execute(context.Background(), reportReady())
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, out.Status)
	assert.Empty(t, out.Channels)
}

func TestHandler_Execute_InvalidInput(t *testing.T) {
	h, _ := newTestHandler(t, &MockWhatsApp{}, createTestConfig(), nil)

	_, err := h.execute(context.Background(), &Input{ConversationID: "1", Kind: "digest"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	_, err = h.execute(context.Background(), &Input{Kind: KindReportReady})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}
