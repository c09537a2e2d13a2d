// internal/workers/analysis/run-analysis/handler_test.go
package runanalysis

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/commands"
	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"analysis-workers/internal/common/errors"
	"analysis-workers/internal/common/logger"
	"analysis-workers/internal/models"
)

// ==========================
// Test Helper Functions
// ==========================

type fakeAnalyzer struct {
	out     *models.OrchestratorOutput
	err     error
	seen    models.AnalysisRequest
	seenCtx context.Context
}

func (a *fakeAnalyzer) RunAnalysis(ctx context.Context, req models.AnalysisRequest) (*models.OrchestratorOutput, error) {
	a.seen = req
	a.seenCtx = ctx
	return a.out, a.err
}

// fakeGateway records job commands; calls it does not override panic.
type fakeGateway struct {
	pb.GatewayClient
	completed []*pb.CompleteJobRequest
	thrown    []*pb.ThrowErrorRequest
}

func (g *fakeGateway) CompleteJob(_ context.Context, in *pb.CompleteJobRequest, _ ...grpc.CallOption) (*pb.CompleteJobResponse, error) {
	g.completed = append(g.completed, in)
	return &pb.CompleteJobResponse{}, nil
}

func (g *fakeGateway) ThrowError(_ context.Context, in *pb.ThrowErrorRequest, _ ...grpc.CallOption) (*pb.ThrowErrorResponse, error) {
	g.thrown = append(g.thrown, in)
	return &pb.ThrowErrorResponse{}, nil
}

type fakeJobClient struct{ gw *fakeGateway }

func noRetry(context.Context, error) bool { return false }

func (c fakeJobClient) NewCompleteJobCommand() commands.CompleteJobCommandStep1 {
	return commands.NewCompleteJobCommand(c.gw, noRetry)
}

func (c fakeJobClient) NewFailJobCommand() commands.FailJobCommandStep1 {
	return commands.NewFailJobCommand(c.gw, noRetry)
}

func (c fakeJobClient) NewThrowErrorCommand() commands.ThrowErrorCommandStep1 {
	return commands.NewThrowErrorCommand(c.gw, noRetry)
}

type fakeBlobs struct {
	objects     map[string][]byte
	downloadErr error
	uploadErr   error
}

func (b *fakeBlobs) Download(_ context.Context, key string) ([]byte, error) {
	if b.downloadErr != nil {
		return nil, b.downloadErr
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, errors.NewDatasetNotFoundError(key)
	}
	return data, nil
}

func (b *fakeBlobs) Upload(_ context.Context, key string, data []byte, _ string) error {
	if b.uploadErr != nil {
		return b.uploadErr
	}
	b.objects[key] = data
	return nil
}

type fakeRuns struct {
	started   int
	completed *models.OrchestratorOutput
	failed    string
	startErr  error
}

func (r *fakeRuns) Start(context.Context, string, string, string) (string, error) {
	r.started++
	return "run-1", r.startErr
}

func (r *fakeRuns) Complete(_ context.Context, _ string, out *models.OrchestratorOutput) error {
	r.completed = out
	return nil
}

func (r *fakeRuns) Fail(_ context.Context, _ string, code string) error {
	r.failed = code
	return nil
}

type fakeSessions struct {
	turns []models.Turn
	err   error
}

func (s *fakeSessions) AppendTurn(_ context.Context, _ string, role models.Role, content string) error {
	s.turns = append(s.turns, models.Turn{Role: role, Content: content})
	return s.err
}

type deps struct {
	analyzer *fakeAnalyzer
	blobs    *fakeBlobs
	runs     *fakeRuns
	sessions *fakeSessions
	handler  *Handler
}

func newDeps(t *testing.T) *deps {
	d := &deps{
		analyzer: &fakeAnalyzer{out: &models.OrchestratorOutput{
			Summary:   "Bookings peaked on Saturdays.",
			Artifacts: []models.Artifact{{Index: 1, PNG: []byte("p1")}, {Index: 2, PNG: []byte("p2")}},
			Metrics:   models.RunMetrics{Rounds: 4, ArtifactCount: 2},
		}},
		blobs:    &fakeBlobs{objects: map[string][]byte{"datasets/u1/m1.csv": []byte("a,b\n1,2\n")}},
		runs:     &fakeRuns{},
		sessions: &fakeSessions{},
	}
	d.handler = NewHandler(&Config{Timeout: time.Minute}, d.analyzer, d.blobs, d.runs, d.sessions, logger.NewTestLogger(t))
	return d
}

func validInput() *Input {
	return &Input{
		ConversationID: "u1",
		DatasetKey:     "datasets/u1/m1.csv",
		UserMessage:    "analyze",
		History:        []models.Turn{{Role: models.RoleUser, Content: "Uploaded CSV file"}},
	}
}

// ==========================
// Input
// ==========================

func TestParseInput(t *testing.T) {
	tests := []struct {
		name    string
		vars    string
		wantErr bool
	}{
		{"valid", `{"conversationId":"u1","datasetKey":"k","userMessage":"go","history":[{"role":"user","content":"x"}]}`, false},
		{"null history", `{"conversationId":"u1","datasetKey":"k","userMessage":"go","history":null}`, true},
		{"missing dataset", `{"conversationId":"u1","userMessage":"go"}`, true},
		{"empty message", `{"conversationId":"u1","datasetKey":"k","userMessage":""}`, true},
		{"bad role", `{"conversationId":"u1","datasetKey":"k","userMessage":"go","history":[{"role":"bot","content":"x"}]}`, true},
		{"not json", `{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseInput(tt.vars)
			if tt.wantErr {
				assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
				return
			}
			assert.NoError(t, err)
		})
	}
}

// ==========================
// Core Functionality Tests
// ==========================

func TestHandler_Execute_Success(t *testing.T) {
	d := newDeps(t)

	out, err := d.handler.execute(context.Background(), validInput())
	require.NoError(t, err)

	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, []string{"charts/run-1/chart-1.png", "charts/run-1/chart-2.png"}, out.ChartKeys)
	assert.Equal(t, []byte("p2"), d.blobs.objects["charts/run-1/chart-2.png"])
	assert.Equal(t, 4, out.Metrics.Rounds)

	assert.Equal(t, []byte("a,b\n1,2\n"), d.analyzer.seen.Dataset)
	assert.Equal(t, validInput().History, d.analyzer.seen.History)
	assert.Same(t, d.analyzer.out, d.runs.completed)
	assert.Empty(t, d.runs.failed)
	assert.Equal(t, []models.Turn{{Role: models.RoleAssistant, Content: "Bookings peaked on Saturdays."}}, d.sessions.turns)
}

func TestHandler_Execute_SessionFailureIsNotFatal(t *testing.T) {
	d := newDeps(t)
	d.sessions.err = stderrors.New("redis down")

	_, err := d.handler.execute(context.Background(), validInput())
	assert.NoError(t, err)
}

// ==========================
// Error Handling Tests
// ==========================

func TestHandler_Execute_FatalAnalysisErrorBecomesAnalysisFailed(t *testing.T) {
	d := newDeps(t)
	d.analyzer.err = errors.NewSandboxUnavailableError(stderrors.New("docker down"))

	_, err := d.handler.execute(context.Background(), validInput())

	require.True(t, errors.HasCode(err, errors.ErrCodeAnalysisFailed))
	se, _ := errors.AsStandard(err)
	assert.Equal(t, "SANDBOX_UNAVAILABLE", se.Metadata["originalErrorCode"])
	assert.Equal(t, 0, errors.ConvertToBPMNError(se).Retries)
	assert.Equal(t, "SANDBOX_UNAVAILABLE", d.runs.failed)
	assert.Empty(t, d.sessions.turns)
}

func TestHandler_Execute_MissingDataset(t *testing.T) {
	d := newDeps(t)
	in := validInput()
	in.DatasetKey = "datasets/u1/gone.csv"

	_, err := d.handler.execute(context.Background(), in)

	assert.True(t, errors.HasCode(err, errors.ErrCodeAnalysisFailed))
	assert.Equal(t, "DATASET_NOT_FOUND", d.runs.failed)
}

func TestHandler_Execute_InfrastructureErrorsRetry(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(d *deps)
		wantCode errors.ErrorCode
	}{
		{
			name:     "storage download",
			setup:    func(d *deps) { d.blobs.downloadErr = errors.NewStorageError("download", stderrors.New("503")) },
			wantCode: errors.ErrCodeStorageFailed,
		},
		{
			name:     "chart upload",
			setup:    func(d *deps) { d.blobs.uploadErr = errors.NewStorageError("upload", stderrors.New("503")) },
			wantCode: errors.ErrCodeStorageFailed,
		},
		{
			name:     "run insert",
			setup:    func(d *deps) { d.runs.startErr = errors.NewDatabaseError("run insert", stderrors.New("conn reset")) },
			wantCode: errors.ErrCodeDatabaseFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDeps(t)
			tt.setup(d)

			_, err := d.handler.execute(context.Background(), validInput())

			require.True(t, errors.HasCode(err, tt.wantCode))
			se, _ := errors.AsStandard(err)
			assert.Greater(t, errors.ConvertToBPMNError(se).Retries, 0)
		})
	}
}

// ==========================
// Job handling
// ==========================

type spanKey struct{}

func TestHandler_HandleContext_RunsUnderJobContext(t *testing.T) {
	d := newDeps(t)
	gw := &fakeGateway{}
	job := entities.Job{ActivatedJob: &pb.ActivatedJob{
		Key:       7,
		Retries:   3,
		Variables: `{"conversationId":"u1","datasetKey":"datasets/u1/m1.csv","userMessage":"analyze","history":[{"role":"user","content":"Uploaded CSV file"}]}`,
	}}

	parent := context.WithValue(context.Background(), spanKey{}, "job-span")
	d.handler.HandleContext(parent, fakeJobClient{gw: gw}, job)

	require.NotNil(t, d.analyzer.seenCtx)
	assert.Equal(t, "job-span", d.analyzer.seenCtx.Value(spanKey{}))
	_, hasDeadline := d.analyzer.seenCtx.Deadline()
	assert.True(t, hasDeadline)

	require.Len(t, gw.completed, 1)
	assert.Equal(t, int64(7), gw.completed[0].JobKey)
	assert.Contains(t, gw.completed[0].Variables, `"runId":"run-1"`)
	assert.Empty(t, gw.thrown)
}

// ==========================
// Config
// ==========================

func TestTimeoutWithin_StaysInsideJobLease(t *testing.T) {
	tests := []struct {
		name string
		job  time.Duration
		want time.Duration
	}{
		{"default lease", 15 * time.Minute, 14 * time.Minute},
		{"short lease", 2 * time.Minute, 90 * time.Second},
		{"unset", 0, 14 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TimeoutWithin(tt.job)
			assert.Equal(t, tt.want, got)
			if tt.job > 0 {
				assert.Less(t, got, tt.job)
			}
		})
	}
	assert.Less(t, LoadConfig().Timeout, 15*time.Minute)
}
