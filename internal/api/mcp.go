package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/refnote/internal/records"
	"github.com/kalambet/refnote/internal/session"
)

const recentHistoryURI = "refnote://history/recent"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Session *session.Session
}

// NewMCPServer creates an MCP server with all refnote tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"refnote",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("refnote: personal notes and web references that can be attached to LLM queries."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("query",
			mcp.WithDescription("Ask the configured LLM a question. Currently selected notes and web imports are attached as reference material, and the answer is saved to history."),
			mcp.WithString("query", mcp.Description("The question to ask"), mcp.Required()),
		),
		mcpQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("add_note",
			mcp.WithDescription("Save a note that can later be selected as reference material."),
			mcp.WithString("title", mcp.Description("Note title")),
			mcp.WithString("content", mcp.Description("Note body"), mcp.Required()),
		),
		mcpAddNote(deps),
	)

	s.AddTool(
		mcp.NewTool("list_notes",
			mcp.WithDescription("List saved notes, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of notes (default 20)")),
		),
		mcpListNotes(deps),
	)

	s.AddTool(
		mcp.NewTool("select_reference",
			mcp.WithDescription("Toggle whether a note or web import is attached to subsequent queries."),
			mcp.WithString("kind", mcp.Description(`"note" or "web_import"`), mcp.Required()),
			mcp.WithString("id", mcp.Description("Record id"), mcp.Required()),
		),
		mcpSelectReference(deps),
	)

	s.AddTool(
		mcp.NewTool("import_url",
			mcp.WithDescription("Fetch a web page, extract its text and save it as a web import or a note."),
			mcp.WithString("url", mcp.Description("Page URL including scheme"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Optional title; defaults to the page title")),
			mcp.WithString("save_as", mcp.Description(`"web_import" (default) or "note"`)),
		),
		mcpImportURL(deps),
	)

	s.AddResource(
		mcp.NewResource(
			recentHistoryURI,
			"Recent Queries",
			mcp.WithResourceDescription("Last 10 queries from history"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || query == "" {
			return mcpError("query is required"), nil
		}
		res, err := deps.Session.Filter(ctx, query)
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return mcpText(res.Response), nil
	}
}

func mcpAddNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		title := req.GetString("title", "")

		n, err := deps.Session.SaveNote(ctx, title, content)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored note %s", n.ID)), nil
	}
}

func mcpListNotes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		v := deps.Session.Snapshot()
		notes := v.Notes
		if len(notes) > limit {
			notes = notes[:limit]
		}

		selected := make(map[string]bool, len(v.SelectedNoteIDs))
		for _, id := range v.SelectedNoteIDs {
			selected[id] = true
		}

		type noteSummary struct {
			ID       string `json:"id"`
			Title    string `json:"title"`
			Date     string `json:"date"`
			Preview  string `json:"preview"`
			Selected bool   `json:"selected"`
		}
		out := make([]noteSummary, len(notes))
		for i, n := range notes {
			out[i] = noteSummary{
				ID:       n.ID,
				Title:    n.Title,
				Date:     records.DisplayTime(n, time.Local),
				Preview:  truncateRunes(n.Content, 200),
				Selected: selected[n.ID],
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal notes: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSelectReference(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kind, err := req.RequireString("kind")
		if err != nil {
			return mcpError("kind is required"), nil
		}
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		var selected bool
		switch records.Kind(kind) {
		case records.KindNote:
			selected, err = deps.Session.ToggleNote(ctx, id)
		case records.KindWebImport:
			selected, err = deps.Session.ToggleWebImport(ctx, id)
		default:
			return mcpError(`kind must be "note" or "web_import"`), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to toggle: %v", err)), nil
		}
		if selected {
			return mcpText(fmt.Sprintf("Selected %s %s", kind, id)), nil
		}
		return mcpText(fmt.Sprintf("Not selected: %s %s", kind, id)), nil
	}
}

func mcpImportURL(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}
		title := req.GetString("title", "")
		saveAs := records.Kind(req.GetString("save_as", string(records.KindWebImport)))
		if saveAs != records.KindWebImport && saveAs != records.KindNote {
			return mcpError(`save_as must be "web_import" or "note"`), nil
		}

		if _, err := deps.Session.ImportURL(ctx, url, title); err != nil {
			return mcpError(fmt.Sprintf("import failed: %v", err)), nil
		}

		if saveAs == records.KindNote {
			n, err := deps.Session.ConfirmImportAsNote(ctx)
			if err != nil {
				return mcpError(fmt.Sprintf("fetched but failed to save: %v", err)), nil
			}
			return mcpText(fmt.Sprintf("Stored note %s (%s)", n.ID, n.Title)), nil
		}
		w, err := deps.Session.ConfirmImportAsWebImport(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("fetched but failed to save: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored web import %s (%s)", w.ID, w.Title)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		hist := deps.Session.Snapshot().History
		if len(hist) > 10 {
			hist = hist[:10]
		}

		type historySummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Query     string `json:"query"`
		}

		summaries := make([]historySummary, len(hist))
		for i, h := range hist {
			summaries[i] = historySummary{
				ID:        h.ID,
				CreatedAt: h.Timestamp.Format(time.RFC3339),
				Query:     truncateRunes(h.Keyword, 200),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal history: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
