package sandbox

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"

	"analysis-workers/internal/common/config"
	apperrors "analysis-workers/internal/common/errors"
	"analysis-workers/internal/common/logger"
)

//go:embed runner.py
var runnerScript []byte

const (
	containerHome = "/home/user"
	cellsDir      = ".cells"
	runnerName    = ".runner.py"
)

// containerSpec is what the provider needs from the container engine.
type containerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	WorkingDir  string
	Binds       []string
	NanoCPUs    int64
	MemoryBytes int64
	NoNetwork   bool
}

// engine is the narrow slice of the Docker API the sandbox uses.
type engine interface {
	Create(ctx context.Context, spec containerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, cmd []string) (exitCode int, output []byte, err error)
	Remove(ctx context.Context, id string) error
}

// DockerProvider opens one container per sandbox with the host workspace
// bind-mounted at /home/user.
type DockerProvider struct {
	engine engine
	cfg    config.SandboxConfig
	log    logger.Logger
}

func NewDockerProvider(cfg config.SandboxConfig, log logger.Logger) (*DockerProvider, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, apperrors.NewSandboxUnavailableError(fmt.Errorf("create docker client: %w", err))
	}
	return newDockerProvider(&mobyEngine{client: cli}, cfg, log), nil
}

func newDockerProvider(e engine, cfg config.SandboxConfig, log logger.Logger) *DockerProvider {
	return &DockerProvider{engine: e, cfg: cfg, log: log}
}

func (p *DockerProvider) Open(ctx context.Context) (Sandbox, error) {
	workspace, err := os.MkdirTemp(p.cfg.WorkspaceRoot, "sandbox-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	// The container may run as a different uid than the worker.
	if err := os.Chmod(workspace, 0o777); err != nil {
		_ = os.RemoveAll(workspace)
		return nil, fmt.Errorf("chmod workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(workspace, cellsDir), 0o777); err != nil {
		_ = os.RemoveAll(workspace)
		return nil, fmt.Errorf("create cells dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, runnerName), runnerScript, 0o644); err != nil {
		_ = os.RemoveAll(workspace)
		return nil, fmt.Errorf("write runner: %w", err)
	}

	lifetime := config.GetDuration(p.cfg.Lifetime)
	spec := containerSpec{
		Name:        "analysis-sandbox-" + uuid.NewString()[:8],
		Image:       p.cfg.Image,
		Cmd:         []string{"sleep", strconv.Itoa(int(lifetime.Seconds()))},
		WorkingDir:  containerHome,
		Binds:       []string{workspace + ":" + containerHome},
		NanoCPUs:    p.cfg.NanoCPUs,
		MemoryBytes: p.cfg.MemoryBytes,
		NoNetwork:   p.cfg.NetworkDisabled,
	}

	id, err := p.engine.Create(ctx, spec)
	if err != nil {
		_ = os.RemoveAll(workspace)
		return nil, fmt.Errorf("create container: %w", err)
	}
	sb := &dockerSandbox{id: id, workspace: workspace, engine: p.engine, log: p.log}
	if err := p.engine.Start(ctx, id); err != nil {
		_ = sb.Close(context.Background())
		return nil, fmt.Errorf("start container: %w", err)
	}

	p.log.Debug("sandbox container started", map[string]interface{}{
		"containerId": id,
		"image":       spec.Image,
		"lifetime":    lifetime.String(),
	})
	return sb, nil
}

type dockerSandbox struct {
	id        string
	workspace string
	engine    engine
	log       logger.Logger

	cells     atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

func (s *dockerSandbox) ID() string { return s.id }

func (s *dockerSandbox) Upload(_ context.Context, data []byte) error {
	dst := filepath.Join(s.workspace, filepath.Base(DatasetPath))
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return apperrors.NewDatasetUploadFailedError(err)
	}
	return nil
}

func (s *dockerSandbox) Execute(ctx context.Context, code string) (*Execution, error) {
	n := s.cells.Add(1)
	cell := fmt.Sprintf("cell-%03d.py", n)
	result := fmt.Sprintf("cell-%03d.json", n)

	if err := os.WriteFile(filepath.Join(s.workspace, cellsDir, cell), []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("write cell: %w", err)
	}

	cmd := []string{
		"python", containerHome + "/" + runnerName,
		containerHome + "/" + cellsDir + "/" + cell,
		containerHome + "/" + cellsDir + "/" + result,
	}
	exitCode, output, err := s.engine.Exec(ctx, s.id, cmd)
	if err != nil {
		return nil, fmt.Errorf("exec cell %d: %w", n, err)
	}

	raw, err := os.ReadFile(filepath.Join(s.workspace, cellsDir, result))
	if err != nil {
		// The runner died before writing a result, e.g. OOM-killed.
		return nil, fmt.Errorf("cell %d exited %d without result: %s", n, exitCode, tail(output, 500))
	}
	var exec Execution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return nil, fmt.Errorf("decode cell %d result: %w", n, err)
	}
	return &exec, nil
}

// Close removes the container and its workspace. Repeated calls return the
// first outcome.
func (s *dockerSandbox) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if err := s.engine.Remove(ctx, s.id); err != nil && !errdefs.IsNotFound(err) {
			s.closeErr = fmt.Errorf("remove container %s: %w", s.id, err)
		}
		if err := os.RemoveAll(s.workspace); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("remove workspace: %w", err)
		}
	})
	return s.closeErr
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

// mobyEngine adapts the Docker client to engine.
type mobyEngine struct {
	client *client.Client
}

func (m *mobyEngine) Create(ctx context.Context, spec containerSpec) (string, error) {
	opts := client.ContainerCreateOptions{
		Name:  spec.Name,
		Image: spec.Image,
		Config: &container.Config{
			Cmd:          spec.Cmd,
			WorkingDir:   spec.WorkingDir,
			AttachStdout: true,
			AttachStderr: true,
		},
		HostConfig: &container.HostConfig{
			Binds: spec.Binds,
			Resources: container.Resources{
				NanoCPUs: spec.NanoCPUs,
				Memory:   spec.MemoryBytes,
			},
		},
	}
	if spec.NoNetwork {
		opts.HostConfig.NetworkMode = "none"
	}
	result, err := m.client.ContainerCreate(ctx, opts)
	if err != nil {
		return "", err
	}
	return result.ID, nil
}

func (m *mobyEngine) Start(ctx context.Context, id string) error {
	_, err := m.client.ContainerStart(ctx, id, client.ContainerStartOptions{})
	return err
}

func (m *mobyEngine) Exec(ctx context.Context, id string, cmd []string) (int, []byte, error) {
	created, err := m.client.ExecCreate(ctx, id, client.ExecCreateOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("create exec: %w", err)
	}

	attach, err := m.client.ExecAttach(ctx, created.ID, client.ExecAttachOptions{})
	if err != nil {
		return 0, nil, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	output, err := io.ReadAll(attach.Reader)
	if err != nil {
		return 0, nil, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := m.client.ExecInspect(ctx, created.ID, client.ExecInspectOptions{})
	if err != nil {
		return 0, output, fmt.Errorf("inspect exec: %w", err)
	}
	return inspect.ExitCode, output, nil
}

func (m *mobyEngine) Remove(ctx context.Context, id string) error {
	_, err := m.client.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true})
	return err
}

// Ping checks the daemon; used by readiness probes.
func (p *DockerProvider) Ping(ctx context.Context) error {
	m, ok := p.engine.(*mobyEngine)
	if !ok {
		return nil
	}
	_, err := m.client.Ping(ctx, client.PingOptions{})
	return err
}

// Close releases the Docker client.
func (p *DockerProvider) Close() error {
	if m, ok := p.engine.(*mobyEngine); ok {
		return m.client.Close()
	}
	return nil
}
