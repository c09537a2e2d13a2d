// internal/workers/delivery/notify-user/handler.go
package notifyuser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/google/uuid"

	awsclient "analysis-workers/internal/common/aws"
	"analysis-workers/internal/common/errors"
	"analysis-workers/internal/common/logger"
	"analysis-workers/internal/common/metrics"
)

const (
	TaskType = "notify-user"
)

type WhatsAppSender interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendDocument(ctx context.Context, to, link, caption, filename string) (string, error)
}

// Define interfaces for mocking
type SESService interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Handler struct {
	config    *Config
	whatsapp  WhatsAppSender
	sesClient SESService
	snsClient SNSService
	errors    *errors.ErrorHandler
	logger    logger.Logger
}

// NewHandler accepts nil SES/SNS clients when those channels are disabled.
func NewHandler(config *Config, whatsapp WhatsAppSender, sesClient SESService, snsClient SNSService, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:    config,
		whatsapp:  whatsapp,
		sesClient: sesClient,
		snsClient: snsClient,
		errors:    errors.NewErrorHandler(log),
		logger:    log,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	h.HandleContext(context.Background(), client, job)
}

// HandleContext runs the job under parent, which carries the job span.
func (h *Handler) HandleContext(parent context.Context, client worker.JobClient, job entities.Job) {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		h.fail(client, job, errors.NewInvalidInputError(fmt.Sprintf("parse input: %v", err)))
		return
	}

	ctx, cancel := context.WithTimeout(parent, h.config.Timeout)
	defer cancel()

	output, err := h.execute(ctx, &input)
	if err != nil {
		h.fail(client, job, err)
		return
	}

	h.completeJob(client, job, output)
}

// execute tries WhatsApp first and falls back to SMS when it fails. Email is
// an extra channel for finished reports. When every attempted channel fails
// the returned error asks for a retry.
func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	if input.ConversationID == "" {
		return nil, errors.NewInvalidInputError("conversationId is required")
	}

	var body string
	switch input.Kind {
	case KindReportReady:
		body = reportCaption(input.Summary)
	case KindAnalysisFailed:
		body = failureText
	default:
		return nil, errors.NewInvalidInputError(fmt.Sprintf("unknown notification kind: %q", input.Kind))
	}

	out := &Output{
		NotificationID: uuid.New().String(),
		Channels:       []string{},
		SentAt:         time.Now().UTC().Format(time.RFC3339),
	}
	attempted := 0
	var lastErr error

	attempted++
	waErr := h.sendWhatsApp(ctx, input, body)
	if waErr == nil {
		out.Channels = append(out.Channels, ChannelWhatsApp)
	} else {
		lastErr = waErr
		h.logger.Error("whatsapp send failed", map[string]interface{}{
			"conversationId": input.ConversationID,
			"error":          waErr.Error(),
		})
		if h.config.SMSEnabled && h.snsClient != nil {
			attempted++
			link := ""
			if input.Kind == KindReportReady {
				link = input.ReportURL
			}
			if err := h.sendSMS(ctx, input.ConversationID, smsText(body, link)); err != nil {
				lastErr = err
				h.logger.Error("SMS send failed", map[string]interface{}{"error": err.Error()})
			} else {
				out.Channels = append(out.Channels, ChannelSMS)
			}
		}
	}

	if input.Kind == KindReportReady && input.Email != "" && h.config.EmailEnabled && h.sesClient != nil {
		attempted++
		if err := h.sendEmail(ctx, input); err != nil {
			lastErr = err
			h.logger.Error("email send failed", map[string]interface{}{"error": err.Error()})
		} else {
			out.Channels = append(out.Channels, ChannelEmail)
		}
	}

	switch {
	case len(out.Channels) > 0:
		out.Status = StatusSent
	case attempted == 1 && errors.HasCode(waErr, errors.ErrCodeMissingCredentials):
		out.Status = StatusDisabled
	default:
		out.Status = StatusFailed
		return out, errors.NewNotificationSendError("all channels", lastErr)
	}

	h.logger.Info("notification processed", map[string]interface{}{
		"notificationId":    out.NotificationID,
		"kind":              input.Kind,
		"status":            out.Status,
		"channels":          out.Channels,
		"originalErrorCode": input.OriginalErrorCode,
	})
	return out, nil
}

func (h *Handler) sendWhatsApp(ctx context.Context, input *Input, body string) error {
	var err error
	if input.Kind == KindReportReady && input.ReportURL != "" {
		_, err = h.whatsapp.SendDocument(ctx, input.ConversationID, input.ReportURL, body, reportFilename)
	} else {
		_, err = h.whatsapp.SendText(ctx, input.ConversationID, body)
	}
	return err
}

func (h *Handler) sendEmail(ctx context.Context, input *Input) error {
	html, text := emailBodies(input.Summary, input.ReportURL)
	_, err := h.sesClient.SendEmail(ctx, awsclient.BuildEmail(h.config.FromEmail, input.Email, emailSubject, html, text))
	return err
}

func (h *Handler) sendSMS(ctx context.Context, phone, message string) error {
	_, err := h.snsClient.Publish(ctx, awsclient.BuildSMS(phone, message, h.config.SMSSenderID))
	return err
}

func (h *Handler) fail(client worker.JobClient, job entities.Job, err error) {
	code := string(errors.ErrCodeInternal)
	if se, ok := errors.AsStandard(err); ok {
		code = string(se.Code)
	}
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, code).Inc()
	h.errors.HandleJobError(context.Background(), client, job, err)
}

func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if _, err := cmd.Send(context.Background()); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
}
