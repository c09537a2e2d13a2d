// internal/workers/analysis/run-analysis/handler.go
package runanalysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"analysis-workers/internal/common/errors"
	"analysis-workers/internal/common/logger"
	"analysis-workers/internal/common/metrics"
	"analysis-workers/internal/common/storage"
	"analysis-workers/internal/common/validation"
	"analysis-workers/internal/models"
)

const (
	TaskType = "run-analysis"

	bookkeepingTimeout = 10 * time.Second
)

type Analyzer interface {
	RunAnalysis(ctx context.Context, req models.AnalysisRequest) (*models.OrchestratorOutput, error)
}

type BlobStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

type RunRecorder interface {
	Start(ctx context.Context, conversationID, datasetKey, userMessage string) (string, error)
	Complete(ctx context.Context, id string, out *models.OrchestratorOutput) error
	Fail(ctx context.Context, id, errorCode string) error
}

type SessionAppender interface {
	AppendTurn(ctx context.Context, userID string, role models.Role, content string) error
}

type Handler struct {
	config   *Config
	analyzer Analyzer
	blobs    BlobStore
	runs     RunRecorder
	sessions SessionAppender
	errors   *errors.ErrorHandler
	logger   logger.Logger
}

func NewHandler(config *Config, analyzer Analyzer, blobs BlobStore, runs RunRecorder, sessions SessionAppender, log logger.Logger) *Handler {
	log = log.With(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:   config,
		analyzer: analyzer,
		blobs:    blobs,
		runs:     runs,
		sessions: sessions,
		errors:   errors.NewErrorHandler(log),
		logger:   log,
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

func parseInput(variables string) (*Input, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(variables), &raw); err != nil {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("parse input: %v", err))
	}
	if res := validation.ValidateInput(raw, inputSchema); !res.Valid {
		return nil, errors.NewInvalidInputError(res.Error())
	}
	var input Input
	if err := json.Unmarshal([]byte(variables), &input); err != nil {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("parse input: %v", err))
	}
	return &input, nil
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	runID, err := h.runs.Start(ctx, input.ConversationID, input.DatasetKey, input.UserMessage)
	if err != nil {
		return nil, err
	}
	log := h.logger.With(map[string]interface{}{"runId": runID, "conversationId": input.ConversationID})

	dataset, err := h.blobs.Download(ctx, input.DatasetKey)
	if err != nil {
		h.failRun(ctx, runID, err)
		if errors.HasCode(err, errors.ErrCodeDatasetNotFound) {
			se, _ := errors.AsStandard(err)
			return nil, errors.NewAnalysisFailedError(se)
		}
		return nil, err
	}

	out, err := h.analyzer.RunAnalysis(ctx, models.AnalysisRequest{
		Dataset:     dataset,
		UserMessage: input.UserMessage,
		History:     input.History,
	})
	if err != nil {
		h.failRun(ctx, runID, err)
		if se, ok := errors.AsStandard(err); ok && errors.IsFatal(err) {
			return nil, errors.NewAnalysisFailedError(se)
		}
		return nil, err
	}

	chartKeys := make([]string, 0, len(out.Artifacts))
	for _, a := range out.Artifacts {
		key := storage.ChartKey(runID, a.Index)
		if err := h.blobs.Upload(ctx, key, a.PNG, "image/png"); err != nil {
			h.failRun(ctx, runID, err)
			return nil, err
		}
		chartKeys = append(chartKeys, key)
	}

	if err := h.runs.Complete(ctx, runID, out); err != nil {
		return nil, err
	}

	if err := h.sessions.AppendTurn(ctx, input.ConversationID, models.RoleAssistant, out.Summary); err != nil {
		log.Warn("session update failed", map[string]interface{}{"error": err.Error()})
	}

	log.Info("analysis finished", map[string]interface{}{
		"rounds": out.Metrics.Rounds,
		"charts": len(chartKeys),
	})

	return &Output{
		RunID:            runID,
		Summary:          out.Summary,
		ChartKeys:        chartKeys,
		StructuredReport: out.StructuredReport,
		ExternalContext:  out.ExternalContext,
		Metrics:          out.Metrics,
	}, nil
}

// failRun records the failure even when ctx has already expired.
func (h *Handler) failRun(ctx context.Context, runID string, cause error) {
	code := string(errors.ErrCodeInternal)
	if se, ok := errors.AsStandard(cause); ok {
		code = string(se.Code)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	if err := h.runs.Fail(ctx, runID, code); err != nil {
		h.logger.Warn("run bookkeeping failed", map[string]interface{}{
			"runId": runID,
			"error": err.Error(),
		})
	}
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
