package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/refnote/internal/api"
	"github.com/kalambet/refnote/internal/config"
	"github.com/kalambet/refnote/internal/ingest"
	"github.com/kalambet/refnote/internal/records"
	"github.com/kalambet/refnote/internal/session"
	"github.com/kalambet/refnote/internal/storage"
)

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Ask the LLM, attaching the selected references",
	Long: `Ask the configured LLM a question.

Notes and web imports selected with "refnote select" are attached as
reference material. The answer is saved to history; when references were
attached it is also saved as a note.

Examples:
  refnote query "summarize photosynthesis"
  refnote select note 3f2a9c1e && refnote query "explain my note"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/query", api.QueryRequest{Query: strings.Join(args, " ")})
		if err != nil {
			return err
		}

		var result api.QueryResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), result.Response)
		if !result.HistoryStored {
			printStep("Same query answered within the last day, history unchanged")
		}
		if result.NoteID != "" {
			printSuccess("Saved answer as note %s", shortID(result.NoteID))
		}
		return nil
	},
}

// --- note ---

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "Manage notes",
}

var noteAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a note",
	Long: `Create a note.

Examples:
  refnote note add --title "Botany" --content "Chlorophyll absorbs red light"
  refnote note add --title "Reading list" --file ./list.md`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		content, _ := cmd.Flags().GetString("content")
		file, _ := cmd.Flags().GetString("file")

		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			content = string(data)
		}
		if strings.TrimSpace(title) == "" && strings.TrimSpace(content) == "" {
			return fmt.Errorf("one of --title, --content or --file is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/notes", api.NoteRequest{Title: title, Content: content})
		if err != nil {
			return err
		}

		var n records.Note
		if err := decodeJSON(resp, &n); err != nil {
			return err
		}

		printSuccess("Saved note %s", shortID(n.ID))
		return nil
	},
}

var noteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notes, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		var notes []records.Note
		if err := fetchList(cmd, "/notes", limit, &notes); err != nil {
			return err
		}
		if len(notes) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No notes found.")
			return nil
		}

		selected, err := fetchSelection(cmd)
		if err != nil {
			return err
		}
		for _, n := range notes {
			summary := n.Title
			if selected[n.ID] {
				summary = "[x] " + summary
			}
			printEntry(cmd.OutOrStdout(), n, summary)
		}
		return nil
	},
}

var noteShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a note as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var notes []records.Note
		if err := fetchList(cmd, "/notes", 500, &notes); err != nil {
			return err
		}
		n, err := matchID(notes, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(n)
	},
}

var noteDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deleteByID(cmd, "/notes", args[0], func(id string) error {
			var notes []records.Note
			if err := fetchList(cmd, "/notes", 500, &notes); err != nil {
				return err
			}
			n, err := matchID(notes, id)
			if err != nil {
				return err
			}
			return deleteExact(cmd, "/notes/"+n.ID)
		})
	},
}

func init() {
	noteAddCmd.Flags().String("title", "", "note title")
	noteAddCmd.Flags().String("content", "", "note content")
	noteAddCmd.Flags().String("file", "", "read note content from a file")
	noteListCmd.Flags().Int("limit", 50, "maximum number of notes to list")
	noteCmd.AddCommand(noteAddCmd)
	noteCmd.AddCommand(noteListCmd)
	noteCmd.AddCommand(noteShowCmd)
	noteCmd.AddCommand(noteDeleteCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse query history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List past queries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		var hist []records.HistoryRecord
		if err := fetchList(cmd, "/history", limit, &hist); err != nil {
			return err
		}
		if len(hist) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No history yet.")
			return nil
		}
		for _, h := range hist {
			printEntry(cmd.OutOrStdout(), h, h.Keyword)
		}
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the stored answer for a past query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var hist []records.HistoryRecord
		if err := fetchList(cmd, "/history", 500, &hist); err != nil {
			return err
		}
		h, err := matchID(hist, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n%s\n", colorize(colorBold, h.Keyword), h.Content)
		return nil
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a history entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deleteByID(cmd, "/history", args[0], func(id string) error {
			var hist []records.HistoryRecord
			if err := fetchList(cmd, "/history", 500, &hist); err != nil {
				return err
			}
			h, err := matchID(hist, id)
			if err != nil {
				return err
			}
			return deleteExact(cmd, "/history/"+h.ID)
		})
	},
}

func init() {
	historyListCmd.Flags().Int("limit", 20, "maximum number of entries to list")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyDeleteCmd)
}

// --- web imports ---

var webImportCmd = &cobra.Command{
	Use:     "webimport",
	Aliases: []string{"web"},
	Short:   "Manage imported web pages",
}

var webImportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List web imports, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		var items []records.WebImport
		if err := fetchList(cmd, "/web-imports", limit, &items); err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No web imports found.")
			return nil
		}

		selected, err := fetchSelection(cmd)
		if err != nil {
			return err
		}
		for _, w := range items {
			summary := w.Title + " <" + w.URL + ">"
			if selected[w.ID] {
				summary = "[x] " + summary
			}
			printEntry(cmd.OutOrStdout(), w, summary)
		}
		return nil
	},
}

var webImportDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a web import",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deleteByID(cmd, "/web-imports", args[0], func(id string) error {
			w, err := findWebImport(cmd, id)
			if err != nil {
				return err
			}
			return deleteExact(cmd, "/web-imports/"+w.ID)
		})
	},
}

var webImportConvertCmd = &cobra.Command{
	Use:   "convert <id>",
	Short: "Copy a web import into a new note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := findWebImport(cmd, args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/web-imports/"+url.PathEscape(w.ID)+"/convert", nil)
		if err != nil {
			return err
		}
		var n records.Note
		if err := decodeJSON(resp, &n); err != nil {
			return err
		}
		printSuccess("Saved %q as note %s", w.Title, shortID(n.ID))
		return nil
	},
}

func findWebImport(cmd *cobra.Command, id string) (records.WebImport, error) {
	var items []records.WebImport
	if err := fetchList(cmd, "/web-imports", 500, &items); err != nil {
		return records.WebImport{}, err
	}
	return matchID(items, id)
}

func init() {
	webImportListCmd.Flags().Int("limit", 50, "maximum number of web imports to list")
	webImportCmd.AddCommand(webImportListCmd)
	webImportCmd.AddCommand(webImportDeleteCmd)
	webImportCmd.AddCommand(webImportConvertCmd)
}

// --- select ---

var selectCmd = &cobra.Command{
	Use:   "select [note|web_import] [id]",
	Short: "Toggle a reference for the next query",
	Long: `Toggle whether a note or web import is attached to the next query.

Examples:
  refnote select note 3f2a9c1e
  refnote select web_import 77b0d2aa
  refnote select --clear`,
	Args: func(cmd *cobra.Command, args []string) error {
		if clearAll, _ := cmd.Flags().GetBool("clear"); clearAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if clearAll, _ := cmd.Flags().GetBool("clear"); clearAll {
			resp, err := client.delete(cmd.Context(), "/selection")
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Selection cleared")
			return nil
		}

		kind := records.Kind(args[0])
		var id string
		switch kind {
		case records.KindNote:
			var notes []records.Note
			if err := fetchList(cmd, "/notes", 500, &notes); err != nil {
				return err
			}
			n, err := matchID(notes, args[1])
			if err != nil {
				return err
			}
			id = n.ID
		case records.KindWebImport:
			w, err := findWebImport(cmd, args[1])
			if err != nil {
				return err
			}
			id = w.ID
		default:
			return fmt.Errorf("kind must be %q or %q", records.KindNote, records.KindWebImport)
		}

		resp, err := client.post(cmd.Context(), "/selection/toggle", api.ToggleRequest{Kind: kind, ID: id})
		if err != nil {
			return err
		}
		var result struct {
			Selected bool `json:"selected"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Selected {
			printSuccess("Selected %s %s", kind, shortID(id))
		} else {
			printSuccess("Deselected %s %s", kind, shortID(id))
		}
		return nil
	},
}

func init() {
	selectCmd.Flags().Bool("clear", false, "deselect everything")
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <url>",
	Short: "Fetch a web page and save it as a reference",
	Long: `Fetch a web page, extract its text and save it.

By default the page is saved as a web import. With --as note it is saved as
a note whose content starts with the source URL. With --preview the page is
fetched and printed but left staged on the server; run "refnote import
--discard" to drop it.

Examples:
  refnote import https://example.com/article
  refnote import https://example.com/paper.pdf --title "Paper" --as note`,
	Args: func(cmd *cobra.Command, args []string) error {
		if discard, _ := cmd.Flags().GetBool("discard"); discard {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		as, _ := cmd.Flags().GetString("as")
		preview, _ := cmd.Flags().GetBool("preview")
		discard, _ := cmd.Flags().GetBool("discard")

		kind := records.Kind(as)
		if kind != records.KindWebImport && kind != records.KindNote {
			return fmt.Errorf("--as must be %q or %q", records.KindWebImport, records.KindNote)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if discard {
			resp, err := client.delete(cmd.Context(), "/imports")
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Staged import discarded")
			return nil
		}

		if _, err := ingest.ValidateURL(args[0]); err != nil {
			return err
		}

		printStep("Fetching %s...", args[0])
		resp, err := client.post(cmd.Context(), "/imports", api.ImportRequest{URL: args[0], Title: title})
		if err != nil {
			return err
		}
		var staged ingest.Staged
		if err := decodeJSON(resp, &staged); err != nil {
			return err
		}

		if preview {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n\n%s\n", colorize(colorBold, staged.Title), staged.URL, staged.Text)
			return nil
		}

		resp, err = client.post(cmd.Context(), "/imports/confirm", api.ConfirmRequest{As: kind})
		if err != nil {
			return err
		}
		var saved struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &saved); err != nil {
			return err
		}
		printSuccess("Saved %q as %s %s", staged.Title, kind, shortID(saved.ID))
		return nil
	},
}

func init() {
	importCmd.Flags().String("title", "", "title to use instead of the page title")
	importCmd.Flags().String("as", string(records.KindWebImport), "save as web_import or note")
	importCmd.Flags().Bool("preview", false, "print the extracted text and leave it staged")
	importCmd.Flags().Bool("discard", false, "drop the currently staged import")
}

// --- data ---

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Export or purge stored data",
}

var dataExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all stored data as JSONL",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		enc := json.NewEncoder(w)

		var view session.View
		resp, err := client.get(cmd.Context(), "/state")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}

		for _, h := range view.History {
			if err := enc.Encode(map[string]any{"type": records.KindHistory, "data": h}); err != nil {
				return err
			}
		}
		for _, n := range view.Notes {
			if err := enc.Encode(map[string]any{"type": records.KindNote, "data": n}); err != nil {
				return err
			}
		}
		for _, wi := range view.WebImports {
			if err := enc.Encode(map[string]any{"type": records.KindWebImport, "data": wi}); err != nil {
				return err
			}
		}

		if output != "" {
			printSuccess("Data exported to %s", output)
		}
		return nil
	},
}

var dataPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all history, notes and web imports",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL stored data. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/data")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("All data purged")
		return nil
	},
}

func init() {
	dataExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	dataPurgeCmd.Flags().Bool("confirm", false, "confirm data purge")
	dataCmd.AddCommand(dataExportCmd)
	dataCmd.AddCommand(dataPurgeCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}

		key, src, err := lookupAPIKey(cfg)
		if err != nil {
			return err
		}
		if src == config.SourceNone {
			fmt.Fprintf(out, "  %s = (not set)\n", colorize(colorBold, "proxy.api_key"))
		} else {
			fmt.Fprintf(out, "  %s = %s (%s)\n", colorize(colorBold, "proxy.api_key"), config.MaskKey(key), src)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key <api-key>",
	Short: "Store the LLM API key",
	Long: `Store the LLM API key in the local data store.

Pass an empty string to remove the stored key. REFNOTE_API_KEY, when set,
takes precedence over the stored key.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		creds := config.NewCredentials(cfg, store)
		if err := creds.SetAPIKey(args[0]); err != nil {
			return err
		}

		key, src := creds.Lookup()
		switch {
		case strings.TrimSpace(args[0]) == "" && src == config.SourceNone:
			printSuccess("API key removed")
		case strings.TrimSpace(args[0]) == "":
			printWarning("Stored API key removed, still using %s from %s", config.MaskKey(key), src)
		case src != config.SourceStore:
			printWarning("API key stored, but %s from %s takes precedence", config.MaskKey(key), src)
		default:
			printSuccess("API key set (%s)", config.MaskKey(key))
		}
		return nil
	},
}

func lookupAPIKey(cfg config.Config) (string, config.KeySource, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return "", config.SourceNone, fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()
	key, src := config.NewCredentials(cfg, store).Lookup()
	return key, src, nil
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configSetKeyCmd)
}

// --- helpers ---

func fetchList(cmd *cobra.Command, path string, limit int, v any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(cmd.Context(), fmt.Sprintf("%s?limit=%d", path, limit))
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}

// fetchSelection returns the ids currently attached to the next query.
func fetchSelection(cmd *cobra.Command) (map[string]bool, error) {
	client, err := newAPIClient()
	if err != nil {
		return nil, err
	}
	resp, err := client.get(cmd.Context(), "/state")
	if err != nil {
		return nil, err
	}
	var view session.View
	if err := decodeJSON(resp, &view); err != nil {
		return nil, err
	}
	selected := make(map[string]bool, len(view.SelectedNoteIDs)+len(view.SelectedWebImportIDs))
	for _, id := range view.SelectedNoteIDs {
		selected[id] = true
	}
	for _, id := range view.SelectedWebImportIDs {
		selected[id] = true
	}
	return selected, nil
}

// matchID resolves a full id or a unique id prefix, as printed by the list
// commands.
func matchID[E records.Entry](entries []E, id string) (E, error) {
	var (
		found E
		n     int
	)
	for _, e := range entries {
		if e.EntryID() == id {
			return e, nil
		}
		if strings.HasPrefix(e.EntryID(), id) {
			found = e
			n++
		}
	}
	switch n {
	case 0:
		return found, fmt.Errorf("no entry matches %q", id)
	case 1:
		return found, nil
	default:
		return found, fmt.Errorf("%q matches %d entries, use a longer id", id, n)
	}
}

// deleteByID deletes path/id directly when id looks complete and falls back
// to prefix resolution otherwise.
func deleteByID(cmd *cobra.Command, path, id string, resolve func(id string) error) error {
	if len(id) < 36 {
		return resolve(id)
	}
	err := deleteExact(cmd, path+"/"+url.PathEscape(id))
	if isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("no entry matches %q", id)
	}
	return err
}

func deleteExact(cmd *cobra.Command, path string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.delete(cmd.Context(), path)
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return err
	}
	printSuccess("Deleted %s", shortID(path[strings.LastIndex(path, "/")+1:]))
	return nil
}
