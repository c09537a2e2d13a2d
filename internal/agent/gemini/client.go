// Package gemini is a minimal client for the Gemini generateContent API with
// function calling.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "analysis-workers/internal/common/errors"
	httpc "analysis-workers/internal/common/http"
	"analysis-workers/internal/common/logger"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-2.0-flash"
)

var (
	ErrUnauthorized = errors.New("gemini: unauthorized")
	ErrRateLimited  = errors.New("gemini: rate limited")
	ErrUnavailable  = errors.New("gemini: unavailable")
)

type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

type Client struct {
	http    *httpc.Client
	baseURL string
	apiKey  string
	model   string
	log     logger.Logger
}

func NewClient(cfg Config, log logger.Logger, opts ...httpc.Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	opts = append([]httpc.Option{httpc.WithRetries(cfg.MaxRetries, 500*time.Millisecond)}, opts...)
	return &Client{
		http:    httpc.NewClient(cfg.Timeout, opts...),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		log:     log,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Validate fails with MISSING_CREDENTIALS when no API key is configured.
func (c *Client) Validate() error {
	if strings.TrimSpace(c.apiKey) == "" {
		return apperrors.NewMissingCredentialsError("GEMINI_API_KEY or GOOGLE_API_KEY")
	}
	return nil
}

// Generate sends one generateContent request. Transport errors, 429 and 5xx
// are retried by the underlying client before being mapped to a sentinel.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.baseURL, url.PathEscape(c.model), url.QueryEscape(c.apiKey))

	start := time.Now()
	resp, err := c.http.PostJSON(ctx, endpoint, nil, req)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, ErrUnavailable
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gemini error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var raw generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("gemini decode: %w", err)
	}

	out := &GenerateResponse{Content: Content{Role: RoleModel}}
	if len(raw.Candidates) > 0 {
		cand := raw.Candidates[0]
		out.Content.Parts = cand.Content.Parts
		out.FinishReason = cand.FinishReason
		out.Text, out.Calls = splitParts(cand.Content.Parts)
	}

	c.log.Debug("gemini response", map[string]interface{}{
		"model":      c.model,
		"toolCalls":  len(out.Calls),
		"textLength": len(out.Text),
		"durationMs": time.Since(start).Milliseconds(),
	})
	return out, nil
}

func splitParts(parts []Part) (string, []FunctionCall) {
	var text strings.Builder
	var calls []FunctionCall
	for _, p := range parts {
		if p.Text != "" {
			text.WriteString(p.Text)
		}
		if p.FunctionCall != nil {
			call := *p.FunctionCall
			if call.Args == nil {
				call.Args = map[string]interface{}{}
			}
			calls = append(calls, call)
		}
	}
	return text.String(), calls
}
