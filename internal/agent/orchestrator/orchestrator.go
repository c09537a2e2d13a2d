// Package orchestrator drives the model through bounded rounds of sandboxed
// code execution until it produces an acceptable report.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"analysis-workers/internal/agent/dispatch"
	"analysis-workers/internal/agent/gemini"
	"analysis-workers/internal/agent/policy"
	"analysis-workers/internal/agent/report"
	"analysis-workers/internal/agent/sandbox"
	apperrors "analysis-workers/internal/common/errors"
	"analysis-workers/internal/common/logger"
	"analysis-workers/internal/common/metrics"
	"analysis-workers/internal/models"
)

const (
	DefaultMinCharts    = 3
	DefaultMaxRounds    = 10
	DefaultSetupTimeout = 30 * time.Second
	closeTimeout        = 30 * time.Second
)

// Model is the generative model used by the loop.
type Model interface {
	// Validate reports missing credentials before any work starts.
	Validate() error
	Generate(ctx context.Context, req *gemini.GenerateRequest) (*gemini.GenerateResponse, error)
}

type ContextFetcher interface {
	Fetch(ctx context.Context, message string) string
}

type Config struct {
	MinCharts         int
	MaxRounds         int
	OutputCharLimit   int
	FallbackMinLength int
	SetupTimeout      time.Duration
}

type Option func(*Orchestrator)

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

type Orchestrator struct {
	model    Model
	provider sandbox.Provider
	fetcher  ContextFetcher
	cfg      Config
	tools    []gemini.Tool
	log      logger.Logger
	tracer   trace.Tracer
}

func New(model Model, provider sandbox.Provider, fetcher ContextFetcher, cfg Config, log logger.Logger, opts ...Option) *Orchestrator {
	if cfg.MinCharts < 0 {
		cfg.MinCharts = DefaultMinCharts
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.OutputCharLimit <= 0 {
		cfg.OutputCharLimit = dispatch.DefaultOutputLimit
	}
	if cfg.FallbackMinLength <= 0 {
		cfg.FallbackMinLength = report.DefaultMinSummaryLength
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}

	params, _ := dispatch.RunPythonSchema.JSON()
	o := &Orchestrator{
		model:    model,
		provider: provider,
		fetcher:  fetcher,
		cfg:      cfg,
		tools: []gemini.Tool{{FunctionDeclarations: []gemini.FunctionDeclaration{{
			Name:        dispatch.ToolRunPython,
			Description: dispatch.RunPythonDescription,
			Parameters:  params,
		}}}},
		log:    log,
		tracer: noop.NewTracerProvider().Tracer("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// runState lives for one RunAnalysis call.
type runState struct {
	state     State
	round     int
	artifacts []models.Artifact
	// forcedContinue is set when a directive was issued in the current round.
	forcedContinue bool
	lastText       string
	pending        []gemini.FunctionCall
	contents       []gemini.Content
}

// RunAnalysis executes one analysis. It returns a complete output or a
// fatal *errors.StandardError; tool and model-output problems never fail it.
func (o *Orchestrator) RunAnalysis(ctx context.Context, req models.AnalysisRequest) (out *models.OrchestratorOutput, err error) {
	ctx, span := o.tracer.Start(ctx, "analysis.run", trace.WithAttributes(
		attribute.Int("dataset.bytes", len(req.Dataset)),
		attribute.Int("history.turns", len(req.History)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			metrics.AnalysisRunsTotal.WithLabelValues("failed").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.log.Error("analysis failed", map[string]interface{}{
				"error":      err.Error(),
				"durationMs": time.Since(start).Milliseconds(),
			})
		}
	}()

	if err := o.model.Validate(); err != nil {
		return nil, err
	}

	externalContext := ""
	if o.fetcher != nil {
		externalContext = o.fetcher.Fetch(ctx, req.UserMessage)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewAnalysisCancelledError(err)
	}

	sb, err := sandbox.Open(ctx, o.provider, o.cfg.SetupTimeout, o.log)
	if err != nil {
		return nil, err
	}
	defer o.closeSandbox(ctx, sb)

	if err := sb.Upload(ctx, req.Dataset); err != nil {
		if apperrors.IsFatal(err) {
			return nil, err
		}
		return nil, apperrors.NewDatasetUploadFailedError(err)
	}

	st := &runState{
		state:    AwaitingModel,
		contents: []gemini.Content{gemini.TextContent(gemini.RoleUser, firstTurn(req.UserMessage, req.History, externalContext))},
	}
	disp := dispatch.New(sb, o.cfg.OutputCharLimit, o.log)
	system := gemini.TextContent("", systemPrompt(o.cfg.MinCharts))

	if err := o.loop(ctx, st, disp, &system); err != nil {
		return nil, err
	}

	summary, structured := report.Finalize(st.lastText, o.cfg.FallbackMinLength)
	if structured == nil && st.lastText != "" {
		o.log.Warn("final answer is not a structured report", map[string]interface{}{
			"length": len(st.lastText),
		})
	}

	outcome := "accepted"
	if len(st.artifacts) < o.cfg.MinCharts {
		outcome = "accepted_short"
		o.log.Warn("run ended below the chart minimum", map[string]interface{}{
			"charts":    len(st.artifacts),
			"minCharts": o.cfg.MinCharts,
			"rounds":    st.round,
		})
	}
	metrics.AnalysisRunsTotal.WithLabelValues(outcome).Inc()
	metrics.AnalysisRounds.Observe(float64(st.round))
	metrics.AnalysisArtifacts.Observe(float64(len(st.artifacts)))
	span.SetAttributes(
		attribute.Int("analysis.rounds", st.round),
		attribute.Int("analysis.charts", len(st.artifacts)),
		attribute.String("analysis.outcome", outcome),
	)

	o.log.Info("analysis completed", map[string]interface{}{
		"rounds":          st.round,
		"charts":          len(st.artifacts),
		"structured":      structured != nil,
		"externalContext": externalContext != "",
		"durationMs":      time.Since(start).Milliseconds(),
	})

	return &models.OrchestratorOutput{
		Summary:          summary,
		Artifacts:        st.artifacts,
		ExternalContext:  externalContext,
		StructuredReport: structured,
		Metrics: models.RunMetrics{
			Rounds:              st.round,
			ArtifactCount:       len(st.artifacts),
			ExternalContextUsed: externalContext != "",
		},
	}, nil
}

func (o *Orchestrator) loop(ctx context.Context, st *runState, disp *dispatch.Dispatcher, system *gemini.Content) error {
	for st.state != Terminated {
		if err := ctx.Err(); err != nil {
			return apperrors.NewAnalysisCancelledError(err)
		}

		var ev Event
		switch st.state {
		case AwaitingModel:
			var err error
			if ev, err = o.awaitModel(ctx, st, system); err != nil {
				return err
			}
		case ToolCallsPending:
			ev = o.dispatchCalls(ctx, st, disp)
		case NaturalLanguageReceived:
			ev = o.evaluate(st)
		}

		next, err := transition(st.state, ev)
		if err != nil {
			return apperrors.NewInternalError(err)
		}
		o.log.Debug("loop transition", map[string]interface{}{
			"from":  st.state.String(),
			"event": ev.String(),
			"to":    next.String(),
			"round": st.round,
		})
		st.state = next
	}
	return nil
}

func (o *Orchestrator) awaitModel(ctx context.Context, st *runState, system *gemini.Content) (Event, error) {
	if st.round >= o.cfg.MaxRounds {
		o.log.Warn("round budget exhausted", map[string]interface{}{
			"rounds": st.round,
			"charts": len(st.artifacts),
		})
		return RoundsExhausted, nil
	}
	st.round++
	afterDirective := st.forcedContinue
	st.forcedContinue = false

	ctx, span := o.tracer.Start(ctx, "analysis.round", trace.WithAttributes(
		attribute.Int("round", st.round),
		attribute.Bool("after_directive", afterDirective),
	))
	defer span.End()

	resp, err := o.model.Generate(ctx, &gemini.GenerateRequest{
		SystemInstruction: system,
		Contents:          st.contents,
		Tools:             o.tools,
	})
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return 0, apperrors.NewAnalysisCancelledError(ctx.Err())
		}
		if apperrors.IsFatal(err) {
			return 0, err
		}
		return 0, apperrors.NewModelUnavailableError(err)
	}

	if len(resp.Calls) > 0 {
		span.SetAttributes(attribute.Int("tool_calls", len(resp.Calls)))
		o.log.Info("model requested tools", map[string]interface{}{
			"round": st.round,
			"calls": len(resp.Calls),
		})
		st.contents = append(st.contents, resp.Content)
		st.pending = resp.Calls
		return ToolCallsReceived, nil
	}

	st.lastText = strings.TrimSpace(resp.Text)
	o.log.Info("model answered in natural language", map[string]interface{}{
		"round":  st.round,
		"length": len(st.lastText),
	})
	return TextReceived, nil
}

// dispatchCalls runs every pending call in issue order and answers them in
// one user turn.
func (o *Orchestrator) dispatchCalls(ctx context.Context, st *runState, disp *dispatch.Dispatcher) Event {
	parts := make([]gemini.Part, 0, len(st.pending))
	for _, call := range st.pending {
		res := disp.Dispatch(ctx, dispatch.Decode(call.Name, call.Args), len(st.artifacts))
		for _, png := range res.Charts {
			st.artifacts = append(st.artifacts, models.Artifact{Index: len(st.artifacts) + 1, PNG: png})
		}
		parts = append(parts, gemini.Part{FunctionResponse: &gemini.FunctionResponse{
			Name:     call.Name,
			Response: res.Payload,
		}})
	}
	st.contents = append(st.contents, gemini.Content{Role: gemini.RoleUser, Parts: parts})
	st.pending = nil
	return ToolResultsSent
}

func (o *Orchestrator) evaluate(st *runState) Event {
	d := policy.Evaluate(len(st.artifacts), o.cfg.MinCharts, o.cfg.MaxRounds-st.round)
	if d.Verdict == policy.Accept {
		return Accepted
	}

	o.log.Warn("model tried to finish early, continuing", map[string]interface{}{
		"round":     st.round,
		"charts":    len(st.artifacts),
		"minCharts": o.cfg.MinCharts,
	})
	if st.lastText != "" {
		st.contents = append(st.contents, gemini.TextContent(gemini.RoleModel, st.lastText))
	}
	st.appendUserText(d.Directive)
	st.forcedContinue = true
	return DirectiveSent
}

// appendUserText adds text as a user turn, merging into a trailing user turn
// so roles keep alternating.
func (st *runState) appendUserText(text string) {
	if n := len(st.contents); n > 0 && st.contents[n-1].Role == gemini.RoleUser {
		st.contents[n-1].Parts = append(st.contents[n-1].Parts, gemini.Part{Text: text})
		return
	}
	st.contents = append(st.contents, gemini.TextContent(gemini.RoleUser, text))
}

func (o *Orchestrator) closeSandbox(ctx context.Context, sb sandbox.Sandbox) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := sb.Close(ctx); err != nil {
		o.log.Warn("sandbox close failed", map[string]interface{}{
			"sandboxId": sb.ID(),
			"error":     err.Error(),
		})
		return
	}
	o.log.Debug("sandbox closed", map[string]interface{}{"sandboxId": sb.ID()})
}
