package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/refnote/internal/ingest"
	"github.com/kalambet/refnote/internal/pipeline"
	"github.com/kalambet/refnote/internal/proxy"
	"github.com/kalambet/refnote/internal/records"
	"github.com/kalambet/refnote/internal/session"
	"github.com/kalambet/refnote/internal/storage"
)

const testToken = "test-token-12345"

type mockCompleter struct {
	response string
	err      error
	prompts  []string
}

func (m *mockCompleter) Complete(_ context.Context, apiKey, prompt string) (string, error) {
	if apiKey == "" {
		return "", proxy.ErrMissingCredential
	}
	m.prompts = append(m.prompts, prompt)
	return m.response, m.err
}

type testEnv struct {
	session *session.Session
	store   *records.Store
	llm     *mockCompleter
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	kv, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	store, err := records.OpenDir(kv, t.TempDir(), records.Options{Logger: logger})
	if err != nil {
		t.Fatalf("opening records: %v", err)
	}

	llm := &mockCompleter{response: "test answer"}
	d := pipeline.New(llm, store, func() string { return apiKey }, pipeline.Options{Logger: logger})
	im := ingest.New(store, ingest.Options{Logger: logger, HTTPClient: &http.Client{Timeout: 5 * time.Second}})
	s := session.New(store, d, im, session.Options{Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	<-s.Ready()

	return &testEnv{session: s, store: store, llm: llm}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}
