package dispatch

import (
	"context"
	"strings"
	"unicode/utf8"

	"analysis-workers/internal/agent/sandbox"
	"analysis-workers/internal/common/logger"
	"analysis-workers/internal/common/metrics"
)

// DefaultOutputLimit caps stdout and data_preview in characters.
const DefaultOutputLimit = 2000

// Executor is the part of a sandbox the dispatcher needs.
type Executor interface {
	Execute(ctx context.Context, code string) (*sandbox.Execution, error)
}

// Result is the normalized response to one tool call.
type Result struct {
	Name    string
	Status  string
	Payload map[string]interface{}
	// Charts holds PNGs produced by this call in display order.
	Charts [][]byte
}

type Dispatcher struct {
	exec  Executor
	limit int
	log   logger.Logger
}

func New(exec Executor, outputLimit int, log logger.Logger) *Dispatcher {
	if outputLimit <= 0 {
		outputLimit = DefaultOutputLimit
	}
	return &Dispatcher{exec: exec, limit: outputLimit, log: log}
}

// Dispatch executes call and always returns a payload for the model, even
// for unknown tools and infrastructure failures. totalSoFar is the number of
// charts produced before this call.
func (d *Dispatcher) Dispatch(ctx context.Context, call ToolCall, totalSoFar int) Result {
	var res Result
	switch c := call.(type) {
	case RunPython:
		res = d.runPython(ctx, c, totalSoFar)
	case UnknownTool:
		d.log.Warn("unknown tool requested", map[string]interface{}{"tool": c.Name})
		res = errorResult(c.Name, "rejected", "Unknown tool: "+c.Name)
	case InvalidCall:
		d.log.Warn("invalid tool arguments", map[string]interface{}{
			"tool":     c.Name,
			"problems": c.Problems,
		})
		res = errorResult(c.Name, "rejected", c.message())
	default:
		res = errorResult(call.ToolName(), "rejected", "Unknown tool: "+call.ToolName())
	}
	metrics.ToolCallsTotal.WithLabelValues(res.Status).Inc()
	return res
}

func (d *Dispatcher) runPython(ctx context.Context, c RunPython, totalSoFar int) Result {
	d.log.Info("executing run_python", map[string]interface{}{
		"reasoning": truncate(c.Reasoning, 200),
		"codeBytes": len(c.Code),
	})

	exec, err := d.exec.Execute(ctx, c.Code)
	if err != nil {
		d.log.Error("sandbox execution failed", map[string]interface{}{"error": err.Error()})
		return errorResult(ToolRunPython, "failed", err.Error())
	}

	charts := exec.Images()
	d.log.Debug("run_python finished", map[string]interface{}{
		"stdoutLines": len(exec.Stdout),
		"stderrLines": len(exec.Stderr),
		"results":     len(exec.Results),
		"charts":      len(charts),
		"hasError":    exec.Error != nil,
	})

	if exec.Error != nil {
		return Result{
			Name:   ToolRunPython,
			Status: "error",
			Charts: charts,
			Payload: map[string]interface{}{
				"status":           "error",
				"error_name":       exec.Error.Name,
				"error_value":      exec.Error.Value,
				"traceback":        exec.Error.Traceback,
				"charts_generated": len(charts),
			},
		}
	}

	var texts []string
	for _, r := range exec.Results {
		if r.Text != "" {
			texts = append(texts, r.Text)
		}
	}
	return Result{
		Name:   ToolRunPython,
		Status: "success",
		Charts: charts,
		Payload: map[string]interface{}{
			"status":              "success",
			"stdout":              truncate(strings.Join(exec.Stdout, "\n"), d.limit),
			"data_preview":        truncate(strings.Join(texts, "\n"), d.limit),
			"charts_generated":    len(charts),
			"total_charts_so_far": totalSoFar + len(charts),
		},
	}
}

func errorResult(name, status, message string) Result {
	return Result{
		Name:   name,
		Status: status,
		Payload: map[string]interface{}{
			"status":  "error",
			"message": message,
		},
	}
}

// truncate keeps the first n characters of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
