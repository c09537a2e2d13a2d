// Package policy decides whether a natural-language answer may end an
// analysis run, based on how many charts exist so far.
package policy

import (
	"fmt"
	"strings"
)

type Verdict int

const (
	Accept Verdict = iota
	Continue
)

func (v Verdict) String() string {
	if v == Accept {
		return "accept"
	}
	return "continue"
}

type Decision struct {
	Verdict Verdict
	// Directive is set only when Verdict is Continue.
	Directive string
	// Short marks an acceptance forced by an exhausted budget.
	Short bool
}

// Evaluate accepts once artifacts reaches minimum or no rounds remain.
func Evaluate(artifacts, minimum, remaining int) Decision {
	if artifacts >= minimum {
		return Decision{Verdict: Accept}
	}
	if remaining <= 0 {
		return Decision{Verdict: Accept, Short: true}
	}
	return Decision{Verdict: Continue, Directive: Directive(artifacts, minimum)}
}

// Directive is the corrective user turn sent when the model stops early.
func Directive(artifacts, minimum int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You have not yet generated the required %d charts. So far you have generated %d chart(s). Please continue the analysis:\n", minimum, artifacts)
	b.WriteString("- Use run_python to compute more metrics if needed\n")
	fmt.Fprintf(&b, "- Use run_python again to generate at least %d additional visualizations with matplotlib and plt.show()\n", minimum-artifacts)
	b.WriteString("Remember to weave in the external context from the system messages where relevant.\n")
	b.WriteString("Do not write a final report until all required charts are created.")
	return b.String()
}
