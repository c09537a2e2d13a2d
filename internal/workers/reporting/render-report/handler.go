// internal/workers/reporting/render-report/handler.go
package renderreport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"analysis-workers/internal/agent/report"
	"analysis-workers/internal/common/errors"
	"analysis-workers/internal/common/logger"
	"analysis-workers/internal/common/metrics"
	"analysis-workers/internal/common/storage"
	"analysis-workers/internal/common/validation"
)

const (
	TaskType = "render-report"
)

type BlobStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type Handler struct {
	config  *Config
	blobs   BlobStore
	printer PDFPrinter
	errors  *errors.ErrorHandler
	logger  logger.Logger
	now     func() time.Time
}

func NewHandler(config *Config, blobs BlobStore, printer PDFPrinter, log logger.Logger) *Handler {
	log = log.With(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:  config,
		blobs:   blobs,
		printer: printer,
		errors:  errors.NewErrorHandler(log),
		logger:  log,
		now:     time.Now,
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

	input, err := parseInput(job.Variables)
	if err != nil {
		h.fail(client, job, err)
		return
	}

	ctx, cancel := context.WithTimeout(parent, h.config.Timeout)
	defer cancel()

	output, err := h.execute(ctx, input)
	if err != nil {
		h.fail(client, job, err)
		return
	}

	h.completeJob(client, job, output)
}

// parseInput re-checks the structured report against the extraction schema
// before anything is rendered from it.
func parseInput(variables string) (*Input, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(variables), &raw); err != nil {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("parse input: %v", err))
	}
	if sr, ok := raw["structuredReport"]; ok && sr != nil {
		if res := validation.ValidateDocument(sr, report.Schema); !res.Valid {
			return nil, errors.NewReportValidationError(res.Error())
		}
	}

	var input Input
	if err := json.Unmarshal([]byte(variables), &input); err != nil {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("parse input: %v", err))
	}
	if input.ConversationID == "" {
		return nil, errors.NewInvalidInputError("conversationId is required")
	}
	return &input, nil
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	charts := make([][]byte, 0, len(input.ChartKeys))
	for _, key := range input.ChartKeys {
		png, err := h.blobs.Download(ctx, key)
		if err != nil {
			return nil, err
		}
		charts = append(charts, png)
	}

	html, err := renderHTML(buildView(input, charts, h.now()))
	if err != nil {
		return nil, errors.NewReportRenderError(fmt.Errorf("template: %w", err))
	}

	start := time.Now()
	pdf, err := h.printer.Print(ctx, html)
	if err != nil {
		return nil, errors.NewReportRenderError(fmt.Errorf("print pdf: %w", err))
	}
	h.logger.Info("report printed", map[string]interface{}{
		"runId":      input.RunID,
		"charts":     len(charts),
		"pdfBytes":   len(pdf),
		"durationMs": time.Since(start).Milliseconds(),
	})

	key := storage.ReportKey(input.ConversationID, h.now())
	if err := h.blobs.Upload(ctx, key, pdf, "application/pdf"); err != nil {
		return nil, err
	}
	url, err := h.blobs.PresignedURL(ctx, key, h.config.PresignExpiry)
	if err != nil {
		return nil, err
	}

	return &Output{
		ReportKey: key,
		ReportURL: url,
		PageBytes: len(pdf),
	}, nil
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
