package extcontext

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysis-workers/internal/common/logger"
)

type crawlInput struct {
	URL           string `json:"url" jsonschema:"page to crawl"`
	MaxCharacters int    `json:"maxCharacters,omitempty" jsonschema:"character cap"`
}

// newExaStub registers a crawl tool that answers from pages; unknown URLs
// fail as tool errors.
func newExaStub(tool string, pages map[string]string) *sdkmcp.Server {
	srv := sdkmcp.NewServer(&sdkmcp.Implementation{Name: "exa-stub", Version: "v0.0.1"}, nil)
	sdkmcp.AddTool(srv, &sdkmcp.Tool{Name: tool, Description: "crawl a page"},
		func(_ context.Context, _ *sdkmcp.CallToolRequest, in crawlInput) (*sdkmcp.CallToolResult, any, error) {
			text, ok := pages[in.URL]
			if !ok {
				return nil, nil, stderrors.New("crawl failed for " + in.URL)
			}
			return &sdkmcp.CallToolResult{
				Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: text}},
			}, nil, nil
		})
	return srv
}

// inMemory connects to srv and remembers the client session for inspection.
func inMemory(t *testing.T, srv *sdkmcp.Server, got **sdkmcp.ClientSession) Connector {
	return func(ctx context.Context) (*sdkmcp.ClientSession, error) {
		t1, t2 := sdkmcp.NewInMemoryTransports()
		ss, err := srv.Connect(ctx, t1, nil)
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { _ = ss.Close() })

		client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
		cs, err := client.Connect(ctx, t2, nil)
		if got != nil {
			*got = cs
		}
		return cs, err
	}
}

// ==========================
// ExtractURLs
// ==========================

func TestExtractURLs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"none", "analyze revenue by region", []string{}},
		{"single", "compare with https://example.com/bench please", []string{"https://example.com/bench"}},
		{"dedup keeps order", "http://a.io x https://b.io http://a.io", []string{"http://a.io", "https://b.io"}},
		{"stops at whitespace", "see https://x.org/p?q=1\nand more", []string{"https://x.org/p?q=1"}},
		{"ignores other schemes", "ftp://files.example.com", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractURLs(tt.in))
		})
	}
}

// ==========================
// Fetch
// ==========================

func TestFetch_CombinesSourcesAndCapsText(t *testing.T) {
	srv := newExaStub(DefaultCrawlTool, map[string]string{
		"https://a.example": "Industry occupancy averages 72%.",
		"https://b.example": strings.Repeat("x", 50),
	})
	var session *sdkmcp.ClientSession
	f := newFetcher(inMemory(t, srv, &session), Config{MaxChars: 20}, logger.NewTestLogger(t))

	got := f.Fetch(context.Background(), "use https://a.example and https://b.example and https://missing.example")

	assert.Equal(t,
		"Source: https://a.example\nIndustry occupancy a\n\nSource: https://b.example\n"+strings.Repeat("x", 20),
		got)

	require.NotNil(t, session)
	_, err := session.ListTools(context.Background(), nil)
	assert.Error(t, err, "session should be closed after Fetch")
}

func TestFetch_DegradesToEmpty(t *testing.T) {
	t.Run("no urls never connects", func(t *testing.T) {
		connected := false
		f := newFetcher(func(context.Context) (*sdkmcp.ClientSession, error) {
			connected = true
			return nil, stderrors.New("unexpected")
		}, Config{}, logger.NewNoOpLogger())

		assert.Empty(t, f.Fetch(context.Background(), "no links here"))
		assert.False(t, connected)
	})

	t.Run("missing credentials", func(t *testing.T) {
		f := NewFetcher(Config{Endpoint: "https://mcp.exa.ai/mcp"}, logger.NewNoOpLogger())
		assert.Empty(t, f.Fetch(context.Background(), "https://a.example"))
	})

	t.Run("connect failure", func(t *testing.T) {
		f := newFetcher(func(context.Context) (*sdkmcp.ClientSession, error) {
			return nil, stderrors.New("dial tcp: refused")
		}, Config{}, logger.NewNoOpLogger())
		assert.Empty(t, f.Fetch(context.Background(), "https://a.example"))
	})

	t.Run("crawl tool not offered", func(t *testing.T) {
		srv := newExaStub("web_search_exa", map[string]string{"https://a.example": "text"})
		f := newFetcher(inMemory(t, srv, nil), Config{}, logger.NewNoOpLogger())
		assert.Empty(t, f.Fetch(context.Background(), "https://a.example"))
	})

	t.Run("every url fails", func(t *testing.T) {
		srv := newExaStub(DefaultCrawlTool, map[string]string{})
		f := newFetcher(inMemory(t, srv, nil), Config{}, logger.NewNoOpLogger())
		assert.Empty(t, f.Fetch(context.Background(), "https://a.example https://b.example"))
	})
}

func TestFetch_BoundedByOwnTimeout(t *testing.T) {
	f := newFetcher(func(ctx context.Context) (*sdkmcp.ClientSession, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, Config{Timeout: 20 * time.Millisecond}, logger.NewNoOpLogger())

	start := time.Now()
	assert.Empty(t, f.Fetch(context.Background(), "https://slow.example"))
	assert.Less(t, time.Since(start), time.Second)
}
