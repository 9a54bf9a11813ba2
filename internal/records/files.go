package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/hack-pad/hackpadfs"
)

const unitExt = ".json"

func (s *Store) dirPath(dir string) string {
	if s.root == "" {
		return dir
	}
	return path.Join(s.root, dir)
}

func (s *Store) unitPath(dir, id string) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("invalid record id %q", id)
	}
	return path.Join(s.dirPath(dir), id+unitExt), nil
}

// validID rejects ids that would escape the record directory.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

func writeUnit[T any](s *Store, dir, id string, v T) error {
	p, err := s.unitPath(dir, id)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", id, err)
	}
	if err := hackpadfs.WriteFullFile(s.fs, p, b, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	return nil
}

func readUnit[T any](s *Store, dir, id string) (T, error) {
	var zero T
	p, err := s.unitPath(dir, id)
	if err != nil {
		return zero, err
	}
	b, err := hackpadfs.ReadFile(s.fs, p)
	if errors.Is(err, hackpadfs.ErrNotExist) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("reading %s: %w", p, err)
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return zero, fmt.Errorf("decoding %s: %w", p, err)
	}
	return v, nil
}

func removeUnit(s *Store, dir, id string) error {
	p, err := s.unitPath(dir, id)
	if err != nil {
		return err
	}
	if err := hackpadfs.Remove(s.fs, p); err != nil && !errors.Is(err, hackpadfs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", p, err)
	}
	return nil
}

// decodeResult is the outcome of loading one unit. A failed unit is dropped
// by the caller without affecting its siblings.
type decodeResult[T any] struct {
	value T
	name  string
	err   error
}

func loadUnit[T any](s *Store, p string) decodeResult[T] {
	r := decodeResult[T]{name: path.Base(p)}
	b, err := hackpadfs.ReadFile(s.fs, p)
	if err != nil {
		r.err = err
		return r
	}
	r.err = json.Unmarshal(b, &r.value)
	return r
}

func listUnits[T any](s *Store, dir string) []T {
	entries, err := hackpadfs.ReadDir(s.fs, s.dirPath(dir))
	if err != nil {
		if !errors.Is(err, hackpadfs.ErrNotExist) {
			s.logger.Error("listing records", "dir", dir, "error", err)
		}
		return nil
	}

	out := make([]T, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), unitExt) {
			continue
		}
		r := loadUnit[T](s, path.Join(s.dirPath(dir), e.Name()))
		if r.err != nil {
			s.logger.Warn("skipping unreadable record", "dir", dir, "file", r.name, "error", r.err)
			continue
		}
		out = append(out, r.value)
	}
	return out
}
