package sandbox

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysis-workers/internal/common/config"
	apperrors "analysis-workers/internal/common/errors"
	"analysis-workers/internal/common/logger"
)

// fakeEngine plays the container: Exec writes the cell result into the
// bind-mounted workspace the way runner.py would.
type fakeEngine struct {
	spec      containerSpec
	started   bool
	removed   int
	execs     [][]string
	results   []Execution
	execErr   error
	startErr  error
	removeErr error
}

func (f *fakeEngine) Create(_ context.Context, spec containerSpec) (string, error) {
	f.spec = spec
	return "ctr-1", nil
}

func (f *fakeEngine) Start(context.Context, string) error {
	f.started = true
	return f.startErr
}

func (f *fakeEngine) Exec(_ context.Context, _ string, cmd []string) (int, []byte, error) {
	f.execs = append(f.execs, cmd)
	if f.execErr != nil {
		return 0, nil, f.execErr
	}
	if len(f.results) == 0 {
		return 137, []byte("Killed"), nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	raw, _ := json.Marshal(res)
	if err := os.WriteFile(f.hostPath(cmd[3]), raw, 0o644); err != nil {
		return 1, nil, err
	}
	return 0, nil, nil
}

func (f *fakeEngine) Remove(context.Context, string) error {
	f.removed++
	return f.removeErr
}

func (f *fakeEngine) hostPath(containerPath string) string {
	host := strings.SplitN(f.spec.Binds[0], ":", 2)[0]
	return filepath.Join(host, strings.TrimPrefix(containerPath, containerHome))
}

func newTestProvider(t *testing.T, e *fakeEngine) *DockerProvider {
	return newDockerProvider(e, config.SandboxConfig{
		Image:           "python-analysis:test",
		WorkspaceRoot:   t.TempDir(),
		Lifetime:        300000,
		MemoryBytes:     1 << 30,
		NanoCPUs:        1e9,
		NetworkDisabled: true,
	}, logger.NewTestLogger(t))
}

// ==========================
// DockerProvider
// ==========================

func TestDockerProvider_OpenPreparesWorkspace(t *testing.T) {
	e := &fakeEngine{}
	sb, err := newTestProvider(t, e).Open(context.Background())
	require.NoError(t, err)
	defer sb.Close(context.Background())

	assert.Equal(t, "ctr-1", sb.ID())
	assert.True(t, e.started)
	assert.Equal(t, []string{"sleep", "300"}, e.spec.Cmd)
	assert.True(t, e.spec.NoNetwork)
	assert.Equal(t, int64(1<<30), e.spec.MemoryBytes)
	require.Len(t, e.spec.Binds, 1)
	assert.True(t, strings.HasSuffix(e.spec.Binds[0], ":/home/user"))

	runner, err := os.ReadFile(e.hostPath("/home/user/.runner.py"))
	require.NoError(t, err)
	assert.Equal(t, runnerScript, runner)
}

func TestDockerProvider_StartFailureCleansUp(t *testing.T) {
	e := &fakeEngine{startErr: stderrors.New("no such image")}
	_, err := newTestProvider(t, e).Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, e.removed)
}

func TestDockerSandbox_UploadAndExecute(t *testing.T) {
	e := &fakeEngine{results: []Execution{
		{Stdout: []string{"rows: 5"}, Results: []Result{{Text: "5"}, {PNG: []byte{0x89, 'P', 'N', 'G'}}}},
		{Error: &ExecutionError{Name: "KeyError", Value: "'price'", Traceback: "tb"}},
	}}
	sb, err := newTestProvider(t, e).Open(context.Background())
	require.NoError(t, err)
	defer sb.Close(context.Background())

	require.NoError(t, sb.Upload(context.Background(), []byte("a,b\n1,2\n")))
	data, err := os.ReadFile(e.hostPath(DatasetPath))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))

	first, err := sb.Execute(context.Background(), "print('rows: 5')")
	require.NoError(t, err)
	assert.Equal(t, []string{"rows: 5"}, first.Stdout)
	assert.Len(t, first.Images(), 1)
	assert.Nil(t, first.Error)

	cell, err := os.ReadFile(e.hostPath(e.execs[0][2]))
	require.NoError(t, err)
	assert.Equal(t, "print('rows: 5')", string(cell))

	second, err := sb.Execute(context.Background(), "df['price']")
	require.NoError(t, err)
	require.NotNil(t, second.Error)
	assert.Equal(t, "KeyError", second.Error.Name)
	assert.NotEqual(t, e.execs[0][3], e.execs[1][3])
}

func TestDockerSandbox_ExecuteWithoutResultIsInfraError(t *testing.T) {
	e := &fakeEngine{}
	sb, err := newTestProvider(t, e).Open(context.Background())
	require.NoError(t, err)
	defer sb.Close(context.Background())

	_, err = sb.Execute(context.Background(), "x = [0] * 10**12")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited 137")
	assert.Contains(t, err.Error(), "Killed")
}

func TestDockerSandbox_CloseIsIdempotentAndToleratesNotFound(t *testing.T) {
	e := &fakeEngine{removeErr: errdefs.ErrNotFound}
	sb, err := newTestProvider(t, e).Open(context.Background())
	require.NoError(t, err)
	workspace := strings.SplitN(e.spec.Binds[0], ":", 2)[0]

	assert.NoError(t, sb.Close(context.Background()))
	assert.NoError(t, sb.Close(context.Background()))
	assert.Equal(t, 1, e.removed)

	_, statErr := os.Stat(workspace)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDockerSandbox_CloseReportsRemoveFailure(t *testing.T) {
	e := &fakeEngine{removeErr: stderrors.New("daemon gone")}
	sb, err := newTestProvider(t, e).Open(context.Background())
	require.NoError(t, err)
	assert.ErrorContains(t, sb.Close(context.Background()), "daemon gone")
}

func TestDockerSandbox_UploadFailureIsFatal(t *testing.T) {
	sb := &dockerSandbox{workspace: filepath.Join(t.TempDir(), "missing"), log: logger.NewNoOpLogger()}
	err := sb.Upload(context.Background(), []byte("x"))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatasetUploadFailed))
}
