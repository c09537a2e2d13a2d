package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysis-workers/internal/agent/gemini"
	"analysis-workers/internal/agent/policy"
	"analysis-workers/internal/agent/report"
	"analysis-workers/internal/agent/sandbox"
	apperrors "analysis-workers/internal/common/errors"
	"analysis-workers/internal/common/logger"
	"analysis-workers/internal/models"
)

// ==========================
// Fakes
// ==========================

// scriptedModel replays responses in order and repeats the last one.
type scriptedModel struct {
	mu          sync.Mutex
	validateErr error
	replies     []reply
	requests    []gemini.GenerateRequest
}

type reply struct {
	resp *gemini.GenerateResponse
	err  error
}

func (m *scriptedModel) Validate() error { return m.validateErr }

func (m *scriptedModel) Generate(_ context.Context, req *gemini.GenerateRequest) (*gemini.GenerateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := *req
	snapshot.Contents = append([]gemini.Content(nil), req.Contents...)
	m.requests = append(m.requests, snapshot)

	i := len(m.requests) - 1
	if i >= len(m.replies) {
		i = len(m.replies) - 1
	}
	return m.replies[i].resp, m.replies[i].err
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func text(s string) reply {
	return reply{resp: &gemini.GenerateResponse{Content: gemini.TextContent(gemini.RoleModel, s), Text: s}}
}

func toolCalls(codes ...string) reply {
	resp := &gemini.GenerateResponse{Content: gemini.Content{Role: gemini.RoleModel}}
	for _, code := range codes {
		call := gemini.FunctionCall{Name: "run_python", Args: map[string]interface{}{"code": code, "reasoning": "step"}}
		resp.Calls = append(resp.Calls, call)
		resp.Content.Parts = append(resp.Content.Parts, gemini.Part{FunctionCall: &call})
	}
	return reply{resp: resp}
}

func rawCall(name string, args map[string]interface{}) reply {
	call := gemini.FunctionCall{Name: name, Args: args}
	return reply{resp: &gemini.GenerateResponse{
		Content: gemini.Content{Role: gemini.RoleModel, Parts: []gemini.Part{{FunctionCall: &call}}},
		Calls:   []gemini.FunctionCall{call},
	}}
}

// fakeSandbox draws one chart for every cell whose code contains "plt.show".
type fakeSandbox struct {
	mu        sync.Mutex
	uploaded  []byte
	uploadErr error
	codes     []string
	closes    int
}

func (s *fakeSandbox) ID() string { return "fake-sb" }

func (s *fakeSandbox) Upload(_ context.Context, data []byte) error {
	s.uploaded = data
	return s.uploadErr
}

func (s *fakeSandbox) Execute(_ context.Context, code string) (*sandbox.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
	exec := &sandbox.Execution{Stdout: []string{"ran " + code}}
	if strings.Contains(code, "plt.show") {
		exec.Results = append(exec.Results, sandbox.Result{PNG: []byte(fmt.Sprintf("png-%d", len(s.codes)))})
	}
	if strings.Contains(code, "raise") {
		exec.Error = &sandbox.ExecutionError{Name: "ValueError", Value: "bad", Traceback: "tb"}
	}
	return exec, nil
}

func (s *fakeSandbox) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return stderrors.New("close failures are only logged")
}

type fakeProvider struct {
	sb    *fakeSandbox
	delay time.Duration
	err   error
	opens int
}

func (p *fakeProvider) Open(context.Context) (sandbox.Sandbox, error) {
	p.opens++
	time.Sleep(p.delay)
	if p.err != nil {
		return nil, p.err
	}
	return p.sb, nil
}

type fakeFetcher struct {
	text string
	seen string
}

func (f *fakeFetcher) Fetch(_ context.Context, message string) string {
	f.seen = message
	return f.text
}

type harness struct {
	model    *scriptedModel
	sb       *fakeSandbox
	provider *fakeProvider
	fetcher  *fakeFetcher
	orch     *Orchestrator
}

func newHarness(t *testing.T, replies ...reply) *harness {
	h := &harness{
		model:   &scriptedModel{replies: replies},
		sb:      &fakeSandbox{},
		fetcher: &fakeFetcher{},
	}
	h.provider = &fakeProvider{sb: h.sb}
	h.orch = New(h.model, h.provider, h.fetcher, Config{
		MinCharts:    3,
		MaxRounds:    10,
		SetupTimeout: time.Second,
	}, logger.NewTestLogger(t))
	return h
}

func request(msg string) models.AnalysisRequest {
	return models.AnalysisRequest{
		Dataset:     []byte("day,bookings\n1,10\n2,12\n3,9\n4,15\n5,11\n"),
		UserMessage: msg,
	}
}

const threeChartReport = `{"summary":"Bookings rose 10% over five days, peaking on day 4 at 15.","kpis":["Total bookings: 57"],` +
	`"charts":[{"title":"Trend","bullets":["up"]},{"title":"Distribution","bullets":["narrow"]},{"title":"By day","bullets":["day 4 peak"]}],` +
	`"external_context":[],"nextSteps":["Track weekly"]}`

// ==========================
// Scenarios
// ==========================

func TestRunAnalysis_ChartsThenStructuredReport(t *testing.T) {
	h := newHarness(t,
		toolCalls("plt.show() # 1", "plt.show() # 2", "plt.show() # 3"),
		text("```json\n"+threeChartReport+"\n```"),
	)

	out, err := h.orch.RunAnalysis(context.Background(), request("analyze bookings"))
	require.NoError(t, err)

	assert.Len(t, out.Artifacts, 3)
	for i, a := range out.Artifacts {
		assert.Equal(t, i+1, a.Index)
		assert.Equal(t, fmt.Sprintf("png-%d", i+1), string(a.PNG))
	}
	require.NotNil(t, out.StructuredReport)
	assert.Len(t, out.StructuredReport.Charts, 3)
	assert.Equal(t, "Bookings rose 10% over five days, peaking on day 4 at 15.", out.Summary)
	assert.Empty(t, out.ExternalContext)
	assert.Equal(t, models.RunMetrics{Rounds: 2, ArtifactCount: 3}, out.Metrics)

	assert.Equal(t, "analyze bookings", h.fetcher.seen)
	assert.Equal(t, request("").Dataset, h.sb.uploaded)
	assert.Equal(t, 1, h.sb.closes)

	// Round 2 saw the model's calls and one batched user turn of responses.
	second := h.model.requests[1]
	require.Len(t, second.Contents, 3)
	assert.Equal(t, gemini.RoleModel, second.Contents[1].Role)
	batch := second.Contents[2]
	assert.Equal(t, gemini.RoleUser, batch.Role)
	require.Len(t, batch.Parts, 3)
	for i, p := range batch.Parts {
		require.NotNil(t, p.FunctionResponse)
		assert.Equal(t, "run_python", p.FunctionResponse.Name)
		assert.Equal(t, "success", p.FunctionResponse.Response["status"])
		assert.Equal(t, i+1, p.FunctionResponse.Response["total_charts_so_far"])
	}
}

func TestRunAnalysis_TextOnlyModelStopsAtRoundLimit(t *testing.T) {
	h := newHarness(t, text(""))

	out, err := h.orch.RunAnalysis(context.Background(), request("analyze"))
	require.NoError(t, err)

	assert.Equal(t, 10, h.model.calls())
	assert.Equal(t, 10, out.Metrics.Rounds)
	assert.Empty(t, out.Artifacts)
	assert.Nil(t, out.StructuredReport)
	assert.Equal(t, report.FallbackSummary, out.Summary)
	assert.Equal(t, 1, h.sb.closes)
}

func TestRunAnalysis_ToolCallsEveryRoundExhaustBudget(t *testing.T) {
	h := newHarness(t, text("Short early answer that wants to stop right now."), toolCalls("print(1)"))

	out, err := h.orch.RunAnalysis(context.Background(), request("analyze"))
	require.NoError(t, err)

	assert.Equal(t, 10, h.model.calls())
	assert.Equal(t, 10, out.Metrics.Rounds)
	// The last round's call is still dispatched.
	assert.Len(t, h.sb.codes, 9)
	assert.Equal(t, report.FallbackSummary, out.Summary)
	assert.Equal(t, 1, h.sb.closes)
}

func TestRunAnalysis_DirectiveSentWhenFinishingEarly(t *testing.T) {
	early := "Here is my report already, with only one chart drawn so far."
	h := newHarness(t,
		toolCalls("plt.show()"),
		text(early),
		toolCalls("plt.show()", "plt.show()"),
		text(threeChartReport),
	)

	out, err := h.orch.RunAnalysis(context.Background(), request("analyze"))
	require.NoError(t, err)
	assert.Len(t, out.Artifacts, 3)
	assert.Equal(t, 4, out.Metrics.Rounds)

	third := h.model.requests[2]
	n := len(third.Contents)
	assert.Equal(t, gemini.TextContent(gemini.RoleModel, early), third.Contents[n-2])
	last := third.Contents[n-1]
	assert.Equal(t, gemini.RoleUser, last.Role)
	assert.Equal(t, policy.Directive(1, 3), last.Parts[len(last.Parts)-1].Text)
}

func TestRunAnalysis_EmptyTextDirectiveMergesIntoUserTurn(t *testing.T) {
	h := newHarness(t, toolCalls("print(1)"), text(""), text(""))
	h.orch.cfg.MaxRounds = 3

	_, err := h.orch.RunAnalysis(context.Background(), request("analyze"))
	require.NoError(t, err)

	third := h.model.requests[2]
	require.Len(t, third.Contents, 3)
	responses := third.Contents[2]
	assert.Equal(t, gemini.RoleUser, responses.Role)
	require.Len(t, responses.Parts, 2)
	assert.NotNil(t, responses.Parts[0].FunctionResponse)
	assert.Equal(t, policy.Directive(0, 3), responses.Parts[1].Text)
}

func TestRunAnalysis_ToolLevelErrorsFeedBack(t *testing.T) {
	h := newHarness(t,
		rawCall("web_search", map[string]interface{}{"q": "x"}),
		rawCall("run_python", map[string]interface{}{"code": "x"}),
		toolCalls("raise ValueError('bad')"),
		text(threeChartReport),
	)
	h.orch.cfg.MinCharts = 0

	out, err := h.orch.RunAnalysis(context.Background(), request("analyze"))
	require.NoError(t, err)
	assert.Equal(t, 4, out.Metrics.Rounds)

	resp := func(round int) map[string]interface{} {
		c := h.model.requests[round].Contents
		return c[len(c)-1].Parts[0].FunctionResponse.Response
	}
	assert.Equal(t, "Unknown tool: web_search", resp(1)["message"])
	assert.Contains(t, resp(2)["message"], "reasoning")
	assert.Equal(t, "ValueError", resp(3)["error_name"])
	assert.Equal(t, []string{"raise ValueError('bad')"}, h.sb.codes)
}

func TestRunAnalysis_FirstTurnCarriesContextAndHistory(t *testing.T) {
	h := newHarness(t, text(threeChartReport))
	h.orch.cfg.MinCharts = 0
	h.fetcher.text = "Source: https://bench.example\nOccupancy benchmark 70%."

	req := request("compare with https://bench.example")
	req.History = []models.Turn{
		{Role: models.RoleUser, Content: "Uploaded CSV file"},
		{Role: models.RoleAssistant, Content: "Bookings are stable."},
	}
	out, err := h.orch.RunAnalysis(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Metrics.ExternalContextUsed)
	assert.Equal(t, h.fetcher.text, out.ExternalContext)

	first := h.model.requests[0]
	require.NotNil(t, first.SystemInstruction)
	assert.Contains(t, first.SystemInstruction.Parts[0].Text, "Data Analyst & Report Builder Agent")
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "run_python", first.Tools[0].FunctionDeclarations[0].Name)

	assert.Equal(t,
		"External context from user-provided links (via Exa MCP):\n\n"+
			"Source: https://bench.example\nOccupancy benchmark 70%.\n\n"+
			"Conversation so far:\nUser: Uploaded CSV file\nAssistant: Bookings are stable.\n\n"+
			"Current user request:\ncompare with https://bench.example",
		first.Contents[0].Parts[0].Text)
}

// ==========================
// Fatal paths
// ==========================

func TestRunAnalysis_FatalErrors(t *testing.T) {
	t.Run("missing credentials before any work", func(t *testing.T) {
		h := newHarness(t, text("x"))
		h.model.validateErr = apperrors.NewMissingCredentialsError("GEMINI_API_KEY")

		_, err := h.orch.RunAnalysis(context.Background(), request("analyze"))
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingCredentials))
		assert.Zero(t, h.provider.opens)
		assert.Empty(t, h.fetcher.seen)
	})

	t.Run("sandbox setup timeout", func(t *testing.T) {
		h := newHarness(t, text("x"))
		h.provider.delay = 100 * time.Millisecond
		h.orch.cfg.SetupTimeout = 10 * time.Millisecond

		_, err := h.orch.RunAnalysis(context.Background(), request("analyze"))
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSandboxSetupTimeout))
		assert.Zero(t, h.model.calls())
		assert.Eventually(t, func() bool {
			h.sb.mu.Lock()
			defer h.sb.mu.Unlock()
			return h.sb.closes == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("sandbox unavailable", func(t *testing.T) {
		h := newHarness(t, text("x"))
		h.provider.err = stderrors.New("docker daemon unreachable")

		_, err := h.orch.RunAnalysis(context.Background(), request("analyze"))
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSandboxUnavailable))
		assert.Zero(t, h.model.calls())
	})

	t.Run("upload failure still tears down", func(t *testing.T) {
		h := newHarness(t, text("x"))
		h.sb.uploadErr = stderrors.New("disk full")

		_, err := h.orch.RunAnalysis(context.Background(), request("analyze"))
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatasetUploadFailed))
		assert.Equal(t, 1, h.sb.closes)
		assert.Zero(t, h.model.calls())
	})

	t.Run("model failure mid-loop tears down once", func(t *testing.T) {
		h := newHarness(t, toolCalls("plt.show()"), reply{err: gemini.ErrUnavailable})

		_, err := h.orch.RunAnalysis(context.Background(), request("analyze"))
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeModelUnavailable))
		assert.ErrorIs(t, err, gemini.ErrUnavailable)
		assert.Equal(t, 2, h.model.calls())
		assert.Equal(t, 1, h.sb.closes)
	})

	t.Run("caller cancellation", func(t *testing.T) {
		h := newHarness(t, toolCalls("print(1)"))
		ctx, cancel := context.WithCancel(context.Background())
		h.orch.fetcher = cancelingFetcher{cancel: cancel}

		_, err := h.orch.RunAnalysis(ctx, request("analyze"))
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAnalysisCancelled))
		assert.Zero(t, h.model.calls())
	})
}

type cancelingFetcher struct{ cancel context.CancelFunc }

func (f cancelingFetcher) Fetch(context.Context, string) string {
	f.cancel()
	return ""
}

// ==========================
// Transition table
// ==========================

func TestTransition(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		to   State
		ok   bool
	}{
		{AwaitingModel, ToolCallsReceived, ToolCallsPending, true},
		{AwaitingModel, TextReceived, NaturalLanguageReceived, true},
		{AwaitingModel, RoundsExhausted, Terminated, true},
		{ToolCallsPending, ToolResultsSent, AwaitingModel, true},
		{NaturalLanguageReceived, DirectiveSent, AwaitingModel, true},
		{NaturalLanguageReceived, Accepted, Terminated, true},
		{ToolCallsPending, Accepted, ToolCallsPending, false},
		{AwaitingModel, DirectiveSent, AwaitingModel, false},
		{Terminated, TextReceived, Terminated, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			to, err := transition(tt.from, tt.ev)
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.ok, err == nil)
		})
	}
}
