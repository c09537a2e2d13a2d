package models

// ChartInsight pairs a chart with its bullet points. Position in
// StructuredReport.Charts matches the artifact order.
type ChartInsight struct {
	Title   string   `json:"title"`
	Bullets []string `json:"bullets"`
}

// StructuredReport is the normalized JSON report. List fields are never nil
// once produced by the extractor.
type StructuredReport struct {
	Summary           string         `json:"summary"`
	KPIs              []string       `json:"kpis"`
	Charts            []ChartInsight `json:"charts"`
	ExternalContext   []string       `json:"externalContext"`
	NextSteps         []string       `json:"nextSteps"`
	AdditionalDetails []string       `json:"additionalDetails"`
}

// ChartFor returns the insight block aligned with the i-th chart (0-based),
// or false when the model described fewer charts than it drew.
func (r *StructuredReport) ChartFor(i int) (ChartInsight, bool) {
	if r == nil || i < 0 || i >= len(r.Charts) {
		return ChartInsight{}, false
	}
	return r.Charts[i], true
}
