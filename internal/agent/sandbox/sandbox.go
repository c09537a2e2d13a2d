// Package sandbox runs model-written Python against the uploaded dataset in
// an isolated environment, one environment per analysis run.
package sandbox

import (
	"context"
	"time"

	apperrors "analysis-workers/internal/common/errors"
	"analysis-workers/internal/common/logger"
	"analysis-workers/internal/common/metrics"
)

// DatasetPath is where Upload places the CSV inside the sandbox.
const DatasetPath = "/home/user/data.csv"

// Result is one rich output of a cell: a text repr or a PNG image.
type Result struct {
	Text string `json:"text,omitempty"`
	PNG  []byte `json:"png,omitempty"`
}

// ExecutionError describes an exception raised by the executed code.
type ExecutionError struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`
}

// Execution is the captured outcome of one cell. A non-nil Error means the
// code raised; the infrastructure itself still worked.
type Execution struct {
	Stdout  []string        `json:"stdout"`
	Stderr  []string        `json:"stderr"`
	Results []Result        `json:"results"`
	Error   *ExecutionError `json:"error,omitempty"`
}

// Images returns the PNG outputs in display order.
func (e *Execution) Images() [][]byte {
	var out [][]byte
	for _, r := range e.Results {
		if len(r.PNG) > 0 {
			out = append(out, r.PNG)
		}
	}
	return out
}

type Sandbox interface {
	ID() string
	// Upload writes data to DatasetPath.
	Upload(ctx context.Context, data []byte) error
	// Execute runs one cell. The error is reserved for infrastructure failures.
	Execute(ctx context.Context, code string) (*Execution, error)
	Close(ctx context.Context) error
}

type Provider interface {
	Open(ctx context.Context) (Sandbox, error)
}

type openResult struct {
	sb  Sandbox
	err error
}

// Open creates a sandbox through p, giving up after timeout. A sandbox that
// finishes opening after the guard fired is closed in the background.
func Open(ctx context.Context, p Provider, timeout time.Duration, log logger.Logger) (Sandbox, error) {
	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	done := make(chan openResult, 1)
	go func() {
		sb, err := p.Open(openCtx)
		done <- openResult{sb: sb, err: err}
	}()

	guard := time.NewTimer(timeout)
	defer guard.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, classifyOpenError(ctx, res.err)
		}
		metrics.SandboxSetupSeconds.Observe(time.Since(start).Seconds())
		log.Info("sandbox opened", map[string]interface{}{
			"sandboxId":  res.sb.ID(),
			"durationMs": time.Since(start).Milliseconds(),
		})
		return res.sb, nil

	case <-guard.C:
		go reapLate(done, log)
		log.Error("sandbox setup timed out", map[string]interface{}{
			"timeout": timeout.String(),
		})
		return nil, apperrors.NewSandboxSetupTimeoutError(timeout)

	case <-ctx.Done():
		go reapLate(done, log)
		return nil, apperrors.NewAnalysisCancelledError(ctx.Err())
	}
}

func reapLate(done <-chan openResult, log logger.Logger) {
	res := <-done
	if res.err != nil || res.sb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := res.sb.Close(ctx); err != nil {
		log.Warn("failed to close late sandbox", map[string]interface{}{
			"sandboxId": res.sb.ID(),
			"error":     err.Error(),
		})
	}
}

func classifyOpenError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return apperrors.NewAnalysisCancelledError(ctx.Err())
	}
	if apperrors.IsFatal(err) {
		return err
	}
	return apperrors.NewSandboxUnavailableError(err)
}
