// pkg/registry/process.go
package registry

import (
	"encoding/xml"
	"fmt"
	"os"
	"sort"
)

type bpmnDefinitions struct {
	Errors    []bpmnError   `xml:"error"`
	Processes []bpmnProcess `xml:"process"`
}

type bpmnError struct {
	ID   string `xml:"id,attr"`
	Code string `xml:"errorCode,attr"`
}

type bpmnProcess struct {
	ID           string            `xml:"id,attr"`
	ServiceTasks []bpmnServiceTask `xml:"serviceTask"`
	Boundaries   []bpmnBoundary    `xml:"boundaryEvent"`
}

type bpmnServiceTask struct {
	ID         string `xml:"id,attr"`
	Definition struct {
		Type string `xml:"type,attr"`
	} `xml:"extensionElements>taskDefinition"`
}

type bpmnBoundary struct {
	AttachedTo string `xml:"attachedToRef,attr"`
	ErrorDefs  []struct {
		ErrorRef string `xml:"errorRef,attr"`
	} `xml:"errorEventDefinition"`
}

// UncaughtError is a declared error code that a service task can throw but
// no error boundary on that task catches. Zeebe turns those into incidents.
type UncaughtError struct {
	ProcessID string
	TaskID    string
	TaskType  string
	Code      string
}

func (u UncaughtError) String() string {
	return fmt.Sprintf("%s/%s (%s): %s", u.ProcessID, u.TaskID, u.TaskType, u.Code)
}

// UncaughtErrorsInFile reads a BPMN file and checks it with UncaughtErrors.
func (r *ActivityRegistry) UncaughtErrorsInFile(path string) ([]UncaughtError, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return r.UncaughtErrors(data)
}

// UncaughtErrors matches every service task in the process XML against its
// registry activity. An error boundary without errorRef catches every code.
// Tasks whose type is not in the registry are skipped.
func (r *ActivityRegistry) UncaughtErrors(processXML []byte) ([]UncaughtError, error) {
	var defs bpmnDefinitions
	if err := xml.Unmarshal(processXML, &defs); err != nil {
		return nil, fmt.Errorf("parse bpmn: %w", err)
	}

	codeByRef := make(map[string]string, len(defs.Errors))
	for _, e := range defs.Errors {
		codeByRef[e.ID] = e.Code
	}

	var out []UncaughtError
	for _, p := range defs.Processes {
		catchAll := make(map[string]bool)
		caught := make(map[string]map[string]bool)
		for _, b := range p.Boundaries {
			for _, d := range b.ErrorDefs {
				if d.ErrorRef == "" {
					catchAll[b.AttachedTo] = true
					continue
				}
				if caught[b.AttachedTo] == nil {
					caught[b.AttachedTo] = make(map[string]bool)
				}
				caught[b.AttachedTo][codeByRef[d.ErrorRef]] = true
			}
		}

		for _, task := range p.ServiceTasks {
			activity, ok := r.Find(task.Definition.Type)
			if !ok || catchAll[task.ID] {
				continue
			}
			for _, code := range activity.ErrorCodes {
				if !caught[task.ID][code] {
					out = append(out, UncaughtError{
						ProcessID: p.ID,
						TaskID:    task.ID,
						TaskType:  task.Definition.Type,
						Code:      code,
					})
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}
