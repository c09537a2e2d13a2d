// Package extcontext pulls best-effort context for URLs mentioned in a user
// request through the Exa MCP server. It never fails a run: every problem
// degrades to an empty string.
package extcontext

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"analysis-workers/internal/common/logger"
	"analysis-workers/internal/common/metrics"
)

const (
	DefaultCrawlTool   = "crawling_exa"
	DefaultTimeout     = 10 * time.Minute
	DefaultMaxChars    = 3000
	clientName         = "analysis-workers"
	clientVersion      = "v1.0.0"
	exaAPIKeyQueryName = "exaApiKey"
)

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// ExtractURLs returns the distinct URLs in text in first-seen order.
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(matches))
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		urls = append(urls, m)
	}
	return urls
}

// Connector opens an MCP client session.
type Connector func(ctx context.Context) (*sdkmcp.ClientSession, error)

type Config struct {
	Endpoint  string
	APIKey    string
	CrawlTool string
	Timeout   time.Duration
	MaxChars  int
}

type Fetcher struct {
	connect  Connector
	tool     string
	timeout  time.Duration
	maxChars int
	log      logger.Logger
}

// NewFetcher builds a fetcher over the Streamable HTTP transport. Without an
// endpoint or API key the fetcher is disabled and Fetch always returns "".
func NewFetcher(cfg Config, log logger.Logger) *Fetcher {
	var connect Connector
	if cfg.Endpoint != "" && cfg.APIKey != "" {
		connect = streamableConnector(cfg.Endpoint, cfg.APIKey)
	}
	return newFetcher(connect, cfg, log)
}

func newFetcher(connect Connector, cfg Config, log logger.Logger) *Fetcher {
	if cfg.CrawlTool == "" {
		cfg.CrawlTool = DefaultCrawlTool
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	return &Fetcher{
		connect:  connect,
		tool:     cfg.CrawlTool,
		timeout:  cfg.Timeout,
		maxChars: cfg.MaxChars,
		log:      log,
	}
}

func streamableConnector(endpoint, apiKey string) Connector {
	return func(ctx context.Context) (*sdkmcp.ClientSession, error) {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set(exaAPIKeyQueryName, apiKey)
		u.RawQuery = q.Encode()

		client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: clientName, Version: clientVersion}, nil)
		return client.Connect(ctx, &sdkmcp.StreamableClientTransport{
			Endpoint:   u.String(),
			HTTPClient: &http.Client{},
		}, nil)
	}
}

// Fetch returns the crawled text for every URL in message, or "".
func (f *Fetcher) Fetch(ctx context.Context, message string) string {
	urls := ExtractURLs(message)
	if len(urls) == 0 {
		f.log.Debug("no URLs detected for external context", nil)
		metrics.ContextFetchesTotal.WithLabelValues("skipped").Inc()
		return ""
	}
	if f.connect == nil {
		f.log.Warn("Exa MCP not configured, skipping external context", map[string]interface{}{
			"urls": len(urls),
		})
		metrics.ContextFetchesTotal.WithLabelValues("skipped").Inc()
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	session, err := f.connect(ctx)
	if err != nil {
		f.log.Warn("Exa MCP connect failed", map[string]interface{}{"error": err.Error()})
		metrics.ContextFetchesTotal.WithLabelValues("failed").Inc()
		return ""
	}
	defer func() {
		if err := session.Close(); err != nil {
			f.log.Warn("Exa MCP session close failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	if !f.supported(ctx, session) {
		f.log.Warn("Exa MCP server does not offer the crawl tool", map[string]interface{}{"tool": f.tool})
		metrics.ContextFetchesTotal.WithLabelValues("skipped").Inc()
		return ""
	}

	var blocks []string
	for _, u := range urls {
		text, err := f.crawl(ctx, session, u)
		if err != nil {
			f.log.Warn("crawl failed", map[string]interface{}{"url": u, "error": err.Error()})
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if text == "" {
			continue
		}
		blocks = append(blocks, "Source: "+u+"\n"+text)
	}

	if len(blocks) == 0 {
		metrics.ContextFetchesTotal.WithLabelValues("empty").Inc()
		return ""
	}
	metrics.ContextFetchesTotal.WithLabelValues("used").Inc()
	f.log.Info("external context fetched", map[string]interface{}{
		"urls":    len(urls),
		"sources": len(blocks),
	})
	return strings.Join(blocks, "\n\n")
}

func (f *Fetcher) supported(ctx context.Context, session *sdkmcp.ClientSession) bool {
	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		f.log.Warn("Exa MCP list tools failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	for _, t := range tools.Tools {
		if t.Name == f.tool {
			return true
		}
	}
	return false
}

func (f *Fetcher) crawl(ctx context.Context, session *sdkmcp.ClientSession, u string) (string, error) {
	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name: f.tool,
		Arguments: map[string]any{
			"url":           u,
			"maxCharacters": f.maxChars,
		},
	})
	if err != nil {
		return "", err
	}

	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*sdkmcp.TextContent); ok && strings.TrimSpace(tc.Text) != "" {
			parts = append(parts, strings.TrimSpace(tc.Text))
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "", &toolError{msg: text}
	}
	return capRunes(text, f.maxChars), nil
}

type toolError struct{ msg string }

func (e *toolError) Error() string {
	if e.msg == "" {
		return "tool returned an error"
	}
	return "tool returned an error: " + e.msg
}

func capRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
