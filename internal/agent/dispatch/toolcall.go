// Package dispatch maps model tool calls onto the sandbox and normalizes the
// outcome into a bounded payload the model can read back.
package dispatch

import (
	"fmt"
	"strings"

	"analysis-workers/internal/agent/sandbox"
	"analysis-workers/internal/common/validation"
)

const ToolRunPython = "run_python"

// ToolCall is the closed set of calls the dispatcher understands.
type ToolCall interface {
	ToolName() string
	sealed()
}

// RunPython executes one cell in the sandbox.
type RunPython struct {
	Code      string
	Reasoning string
}

// UnknownTool is a call to a name that is not advertised.
type UnknownTool struct {
	Name string
}

// InvalidCall is an advertised tool with arguments that fail its schema.
type InvalidCall struct {
	Name     string
	Problems []string
}

func (RunPython) ToolName() string     { return ToolRunPython }
func (c UnknownTool) ToolName() string { return c.Name }
func (c InvalidCall) ToolName() string { return c.Name }

func (RunPython) sealed()   {}
func (UnknownTool) sealed() {}
func (InvalidCall) sealed() {}

// RunPythonDescription is advertised to the model with the tool schema.
var RunPythonDescription = strings.Join([]string{
	"Run Python code to analyze the CSV and generate charts.",
	"- The CSV file is located at '" + sandbox.DatasetPath + "'.",
	"- ALWAYS start with:",
	"  import pandas as pd",
	"  df = pd.read_csv('" + sandbox.DatasetPath + "')",
	"- For complex analysis, you MAY:",
	"  - Create SQLite DB with sqlite3",
	"  - df.to_sql('data', conn, if_exists='replace', index=False)",
	"- Use matplotlib.pyplot as plt and ALWAYS call plt.show() for charts.",
}, "\n")

// RunPythonSchema is the argument schema for run_python.
var RunPythonSchema = validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"code": {
			Type:        "string",
			Description: "The Python code to execute in a single cell.",
			MinLength:   validation.Int(1),
		},
		"reasoning": {
			Type:        "string",
			Description: "Brief explanation of what this code is trying to do.",
		},
	},
	Required: []string{"code", "reasoning"},
}

// Decode turns a raw model call into a ToolCall. It never fails; rejected
// calls come back as UnknownTool or InvalidCall.
func Decode(name string, args map[string]interface{}) ToolCall {
	if name != ToolRunPython {
		return UnknownTool{Name: name}
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if res := validation.ValidateInput(args, RunPythonSchema); !res.Valid {
		return InvalidCall{Name: name, Problems: res.GetErrorMessages()}
	}
	code, _ := args["code"].(string)
	reasoning, _ := args["reasoning"].(string)
	if strings.TrimSpace(code) == "" {
		return InvalidCall{Name: name, Problems: []string{"code: must not be blank"}}
	}
	return RunPython{Code: code, Reasoning: reasoning}
}

func (c InvalidCall) message() string {
	return fmt.Sprintf("Invalid arguments for %s: %s", c.Name, strings.Join(c.Problems, "; "))
}
