// pkg/registry/registry.go
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// DefaultPath is where the worker manager looks for the registry.
const DefaultPath = "configs/activity-registry.json"

func LoadRegistry(path string) (*ActivityRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reg ActivityRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &reg, nil
}

// Find returns the activity serving taskType.
func (r *ActivityRegistry) Find(taskType string) (Activity, bool) {
	if r == nil {
		return Activity{}, false
	}
	for _, a := range r.Activities {
		if a.TaskType == taskType {
			return a, true
		}
	}
	return Activity{}, false
}

// ThrowsError reports whether taskType declares the BPMN error code.
func (r *ActivityRegistry) ThrowsError(taskType, code string) bool {
	a, ok := r.Find(taskType)
	if !ok {
		return false
	}
	for _, c := range a.ErrorCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Validate checks for duplicate IDs and task types, missing task types,
// unparsable timeouts and negative retries. All problems are reported at once.
func (r *ActivityRegistry) Validate() error {
	var problems []string
	ids := make(map[string]bool, len(r.Activities))
	types := make(map[string]bool, len(r.Activities))

	for i, a := range r.Activities {
		label := a.ID
		if label == "" {
			label = fmt.Sprintf("activities[%d]", i)
			problems = append(problems, label+": missing id")
		}
		if ids[a.ID] && a.ID != "" {
			problems = append(problems, label+": duplicate id")
		}
		ids[a.ID] = true

		switch {
		case a.TaskType == "":
			problems = append(problems, label+": missing taskType")
		case types[a.TaskType]:
			problems = append(problems, label+": duplicate taskType "+a.TaskType)
		}
		types[a.TaskType] = true

		if a.Timeout != "" {
			if _, err := time.ParseDuration(a.Timeout); err != nil {
				problems = append(problems, fmt.Sprintf("%s: invalid timeout %q", label, a.Timeout))
			}
		}
		if a.Retries < 0 {
			problems = append(problems, label+": retries must not be negative")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("activity registry: %s", strings.Join(problems, "; "))
	}
	return nil
}
