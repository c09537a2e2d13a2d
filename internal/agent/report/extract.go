// Package report turns the model's final answer into a StructuredReport.
// Extraction is two independent stages: StripFences then Parse.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"analysis-workers/internal/common/validation"
	"analysis-workers/internal/models"
)

// FallbackSummary replaces a final answer that is empty or too short.
const FallbackSummary = "The analysis completed, but the model returned a very short response. Please review the generated charts and logs for details."

// DefaultMinSummaryLength is the shortest summary kept as-is.
const DefaultMinSummaryLength = 50

var (
	leadingFence  = regexp.MustCompile("^```(?:json)?\n?")
	trailingFence = regexp.MustCompile("```$")
)

// StripFences removes one optional markdown code fence around a JSON body.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	s = leadingFence.ReplaceAllString(s, "")
	s = trailingFence.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// Parse strictly decodes text as a JSON object and normalizes it. It returns
// nil for anything that is not a single JSON object.
func Parse(text string) *models.StructuredReport {
	if text == "" {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var root interface{}
	if err := dec.Decode(&root); err != nil {
		return nil
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil
	}
	obj, ok := root.(map[string]interface{})
	if !ok {
		return nil
	}

	r := &models.StructuredReport{
		Summary:           summaryOf(obj["summary"]),
		KPIs:              coerceArray(obj["kpis"]),
		Charts:            chartsOf(obj["charts"]),
		ExternalContext:   aliased(obj, "externalContext", "external_context"),
		NextSteps:         aliased(obj, "nextSteps", "next_steps"),
		AdditionalDetails: aliased(obj, "additionalDetails", "additional_details"),
	}
	if res := validation.ValidateDocument(r, Schema); !res.Valid {
		return nil
	}
	return r
}

// Extract is Parse(StripFences(raw)).
func Extract(raw string) *models.StructuredReport {
	return Parse(StripFences(raw))
}

// Finalize picks the run's headline summary. A parsed report with a
// non-empty summary supersedes the raw text; anything shorter than minLen
// runes becomes FallbackSummary.
func Finalize(raw string, minLen int) (string, *models.StructuredReport) {
	rep := Extract(raw)
	summary := raw
	if rep != nil && rep.Summary != "" {
		summary = rep.Summary
	}
	if utf8.RuneCountInString(strings.TrimSpace(summary)) < minLen {
		summary = FallbackSummary
	}
	return summary, rep
}

func summaryOf(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		if !s {
			return ""
		}
	case json.Number:
		if f, err := s.Float64(); err == nil && f == 0 {
			return ""
		}
	}
	return stringify(v)
}

func chartsOf(v interface{}) []models.ChartInsight {
	items, ok := v.([]interface{})
	if !ok {
		return []models.ChartInsight{}
	}
	charts := make([]models.ChartInsight, 0, len(items))
	for i, item := range items {
		obj, _ := item.(map[string]interface{})
		title := ""
		if t, ok := obj["title"]; ok && t != nil {
			title = stringify(t)
		}
		if title == "" {
			title = fmt.Sprintf("Chart %d", i+1)
		}
		charts = append(charts, models.ChartInsight{
			Title:   title,
			Bullets: coerceArray(obj["bullets"]),
		})
	}
	return charts
}

// aliased prefers the camelCase key when it holds an array.
func aliased(obj map[string]interface{}, camel, snake string) []string {
	if _, ok := obj[camel].([]interface{}); ok {
		return coerceArray(obj[camel])
	}
	return coerceArray(obj[snake])
}

func coerceArray(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, stringify(item))
	}
	return out
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(x); err != nil {
			return fmt.Sprint(x)
		}
		return strings.TrimSpace(buf.String())
	}
}
