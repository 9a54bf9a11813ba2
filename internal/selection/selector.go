// Package selection tracks which notes and web imports are attached to the
// next query as reference material.
package selection

import (
	"slices"

	"github.com/kalambet/refnote/internal/records"
)

// Selector holds two independent id sets. It is not safe for concurrent use;
// the owning session serializes access.
type Selector struct {
	notes      map[string]struct{}
	webImports map[string]struct{}
}

func New() *Selector {
	return &Selector{
		notes:      make(map[string]struct{}),
		webImports: make(map[string]struct{}),
	}
}

// ToggleNote flips membership of id and reports whether it is now selected.
func (s *Selector) ToggleNote(id string) bool {
	return toggle(s.notes, id)
}

func (s *Selector) ToggleWebImport(id string) bool {
	return toggle(s.webImports, id)
}

func toggle(set map[string]struct{}, id string) bool {
	if _, ok := set[id]; ok {
		delete(set, id)
		return false
	}
	set[id] = struct{}{}
	return true
}

func (s *Selector) Clear() {
	clear(s.notes)
	clear(s.webImports)
}

func (s *Selector) RemoveNote(id string)      { delete(s.notes, id) }
func (s *Selector) RemoveWebImport(id string) { delete(s.webImports, id) }

// Prune drops every selected id that is not in the given existing sets.
func (s *Selector) Prune(noteIDs, webImportIDs []string) {
	prune(s.notes, noteIDs)
	prune(s.webImports, webImportIDs)
}

func prune(set map[string]struct{}, existing []string) {
	keep := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		keep[id] = struct{}{}
	}
	for id := range set {
		if _, ok := keep[id]; !ok {
			delete(set, id)
		}
	}
}

func (s *Selector) IsNoteSelected(id string) bool {
	_, ok := s.notes[id]
	return ok
}

func (s *Selector) IsWebImportSelected(id string) bool {
	_, ok := s.webImports[id]
	return ok
}

func (s *Selector) HasSelection() bool {
	return len(s.notes) > 0 || len(s.webImports) > 0
}

// NoteIDs returns the selected note ids in ascending order.
func (s *Selector) NoteIDs() []string      { return keys(s.notes) }
func (s *Selector) WebImportIDs() []string { return keys(s.webImports) }

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// SelectedNotes filters all down to the selected notes, keeping its order.
func (s *Selector) SelectedNotes(all []records.Note) []records.Note {
	var out []records.Note
	for _, n := range all {
		if s.IsNoteSelected(n.ID) {
			out = append(out, n)
		}
	}
	return out
}

func (s *Selector) SelectedWebImports(all []records.WebImport) []records.WebImport {
	var out []records.WebImport
	for _, w := range all {
		if s.IsWebImportSelected(w.ID) {
			out = append(out, w)
		}
	}
	return out
}
