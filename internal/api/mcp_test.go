package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func TestMCPTool_AddNote(t *testing.T) {
	env := newTestEnv(t, "k")
	handler := mcpAddNote(MCPDeps{Session: env.session})

	req := makeCallToolRequest("add_note", map[string]interface{}{
		"title":   "Go preference",
		"content": "I prefer Go for backend services",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if !strings.HasPrefix(toolText(t, result), "Stored note ") {
		t.Errorf("text = %q", toolText(t, result))
	}

	notes := env.store.ListNotes()
	if len(notes) != 1 || notes[0].Content != "I prefer Go for backend services" {
		t.Fatalf("notes = %+v", notes)
	}
}

func TestMCPTool_AddNote_MissingContent(t *testing.T) {
	env := newTestEnv(t, "k")
	handler := mcpAddNote(MCPDeps{Session: env.session})

	result, err := handler(context.Background(), makeCallToolRequest("add_note", map[string]interface{}{"title": "x"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
}

func TestMCPTool_Query(t *testing.T) {
	env := newTestEnv(t, "k")
	handler := mcpQuery(MCPDeps{Session: env.session})

	result, err := handler(context.Background(), makeCallToolRequest("query", map[string]interface{}{"query": "hi"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError || toolText(t, result) != "test answer" {
		t.Fatalf("result = %q (error=%v)", toolText(t, result), result.IsError)
	}
	if len(env.store.ListHistory()) != 1 {
		t.Error("history not recorded")
	}
}

func TestMCPTool_Query_MissingKey(t *testing.T) {
	env := newTestEnv(t, "")
	handler := mcpQuery(MCPDeps{Session: env.session})

	result, err := handler(context.Background(), makeCallToolRequest("query", map[string]interface{}{"query": "hi"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "missing API key") {
		t.Errorf("result = %q", toolText(t, result))
	}
}

func TestMCPTool_ListNotesAndSelect(t *testing.T) {
	env := newTestEnv(t, "k")
	deps := MCPDeps{Session: env.session}
	ctx := context.Background()

	n, err := env.session.SaveNote(ctx, "Title", strings.Repeat("é", 300))
	if err != nil {
		t.Fatal(err)
	}

	result, _ := mcpSelectReference(deps)(ctx, makeCallToolRequest("select_reference", map[string]interface{}{
		"kind": "note", "id": n.ID,
	}))
	if result.IsError {
		t.Fatalf("select failed: %s", toolText(t, result))
	}

	result, err = mcpListNotes(deps)(ctx, makeCallToolRequest("list_notes", map[string]interface{}{"limit": 5}))
	if err != nil || result.IsError {
		t.Fatalf("list failed: %v", err)
	}
	var notes []struct {
		ID       string `json:"id"`
		Preview  string `json:"preview"`
		Selected bool   `json:"selected"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &notes); err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if len(notes) != 1 || notes[0].ID != n.ID || !notes[0].Selected {
		t.Fatalf("notes = %+v", notes)
	}
	if got := len([]rune(notes[0].Preview)); got != 203 {
		t.Errorf("preview runes = %d, want 203", got)
	}
}

func TestMCPTool_SelectReference_BadKind(t *testing.T) {
	env := newTestEnv(t, "k")
	result, _ := mcpSelectReference(MCPDeps{Session: env.session})(context.Background(),
		makeCallToolRequest("select_reference", map[string]interface{}{"kind": "history", "id": "x"}))
	if !result.IsError {
		t.Error("expected tool error")
	}
}

func TestMCPTool_ImportURL(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><head><title>Bark</title></head><body><p>Cork.</p></body></html>")
	}))
	defer page.Close()

	env := newTestEnv(t, "k")
	handler := mcpImportURL(MCPDeps{Session: env.session})
	ctx := context.Background()

	result, _ := handler(ctx, makeCallToolRequest("import_url", map[string]interface{}{"url": page.URL}))
	if result.IsError {
		t.Fatalf("import failed: %s", toolText(t, result))
	}
	if w := env.store.ListWebImports(); len(w) != 1 || w[0].Title != "Bark" {
		t.Fatalf("web imports = %+v", w)
	}

	result, _ = handler(ctx, makeCallToolRequest("import_url", map[string]interface{}{"url": page.URL, "save_as": "note"}))
	if result.IsError {
		t.Fatalf("import as note failed: %s", toolText(t, result))
	}
	if n := env.store.ListNotes(); len(n) != 1 || !strings.HasPrefix(n[0].Content, "source: "+page.URL) {
		t.Fatalf("notes = %+v", n)
	}

	result, _ = handler(ctx, makeCallToolRequest("import_url", map[string]interface{}{"url": "not a url"}))
	if !result.IsError {
		t.Error("expected error for invalid URL")
	}
}

func TestMCPResource_Recent(t *testing.T) {
	env := newTestEnv(t, "k")
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		if _, err := env.session.Filter(ctx, fmt.Sprintf("question %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	contents, err := mcpResourceRecent(MCPDeps{Session: env.session})(ctx, makeReadResourceRequest(recentHistoryURI))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var items []map[string]string
	if err := json.Unmarshal([]byte(tc.Text), &items); err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if len(items) != 10 {
		t.Errorf("items = %d, want 10", len(items))
	}
}

func TestNewMCPServer(t *testing.T) {
	env := newTestEnv(t, "k")
	if s := NewMCPServer(MCPDeps{Session: env.session}); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
