package report

// Schema describes a normalized StructuredReport. The render-report worker
// validates its input against the same document.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["summary", "kpis", "charts", "externalContext", "nextSteps", "additionalDetails"],
  "properties": {
    "summary": {"type": "string"},
    "kpis": {"type": "array", "items": {"type": "string"}},
    "charts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title", "bullets"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "bullets": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "externalContext": {"type": "array", "items": {"type": "string"}},
    "nextSteps": {"type": "array", "items": {"type": "string"}},
    "additionalDetails": {"type": "array", "items": {"type": "string"}}
  }
}`
