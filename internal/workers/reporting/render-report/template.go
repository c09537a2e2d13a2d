// internal/workers/reporting/render-report/template.go
package renderreport

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"fmt"
	"html/template"
	"strings"
	"time"

	"analysis-workers/internal/models"
)

//go:embed report.html.tmpl
var reportTemplateText string

var reportTemplate = template.Must(template.New("report").Parse(reportTemplateText))

type chartView struct {
	Number  int
	Title   string
	DataURI template.URL
	Bullets []string
}

type reportView struct {
	Title             string
	GeneratedAt       string
	SummaryParagraphs []string
	KPIs              []string
	Charts            []chartView
	ExternalContext   []string
	NextSteps         []string
	AdditionalDetails []string
}

// buildView merges the model's text with the structured report, preferring
// the report's sections when present.
func buildView(input *Input, charts [][]byte, now time.Time) reportView {
	v := reportView{
		Title:             "Data Analysis Report",
		GeneratedAt:       now.UTC().Format("2 Jan 2006 15:04 MST"),
		SummaryParagraphs: paragraphs(input.Summary),
	}

	r := input.StructuredReport
	v.Charts = chartViews(r, charts)

	if r != nil {
		v.KPIs = r.KPIs
		v.ExternalContext = r.ExternalContext
		v.NextSteps = r.NextSteps
		v.AdditionalDetails = r.AdditionalDetails
	}
	if len(v.ExternalContext) == 0 && strings.TrimSpace(input.ExternalContext) != "" {
		v.ExternalContext = paragraphs(input.ExternalContext)
	}
	return v
}

// chartViews lines chart images up with the report's chart blocks by
// position. Charts the model never described keep a numbered title.
func chartViews(r *models.StructuredReport, charts [][]byte) []chartView {
	out := make([]chartView, 0, len(charts))
	for i, png := range charts {
		c := chartView{
			Number:  i + 1,
			Title:   fmt.Sprintf("Chart %d", i+1),
			DataURI: template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(png)),
		}
		if insight, ok := r.ChartFor(i); ok {
			if strings.TrimSpace(insight.Title) != "" {
				c.Title = insight.Title
			}
			c.Bullets = insight.Bullets
		}
		out = append(out, c)
	}
	return out
}

func renderHTML(v reportView) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// paragraphs splits on blank lines.
func paragraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
