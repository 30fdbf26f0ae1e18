package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/JakeFAU/pukiwiki-dumper/internal/wiki"
)

// Phase names a dump phase whose completion is recorded by a marker file.
type Phase string

// Dump phases, in the order the orchestrator runs them.
const (
	PhaseContent Phase = "content"
	PhaseHTML    Phase = "html"
	PhaseAttach  Phase = "attach"
)

const (
	pagesFile   = "pages.jsonl"
	attachsFile = "attachs.jsonl"
)

func (s *Store) markerPath(p Phase) string {
	return filepath.Join(s.root, string(p)+"_dumped.mark")
}

// Done reports whether phase p has completed in an earlier run.
func (s *Store) Done(p Phase) bool {
	return s.Exists(s.markerPath(p))
}

// MarkDone records that phase p completed. Marked phases are never rerun.
func (s *Store) MarkDone(p Phase) error {
	return s.WriteFile(s.markerPath(p), []byte("done"))
}

// LoadPages returns the saved enumeration. ok is false when none exists.
func (s *Store) LoadPages() ([]wiki.Page, bool, error) {
	return loadJSONL[wiki.Page](s.metaPath(pagesFile))
}

// SavePages records the enumeration as the input of every later phase.
func (s *Store) SavePages(pages []wiki.Page) error {
	return saveJSONL(s, s.metaPath(pagesFile), pages)
}

// LoadAttachments returns the saved attachment listing. ok is false when none
// exists.
func (s *Store) LoadAttachments() ([]wiki.Attachment, bool, error) {
	return loadJSONL[wiki.Attachment](s.metaPath(attachsFile))
}

// SaveAttachments records the attachment listing.
func (s *Store) SaveAttachments(attachs []wiki.Attachment) error {
	return saveJSONL(s, s.metaPath(attachsFile), attachs)
}

// SaveChanges records the revision listing of title.
func (s *Store) SaveChanges(title string, revs []wiki.Revision) error {
	data, err := json.MarshalIndent(revs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal changes of %q: %w", title, err)
	}
	return s.WriteFile(s.ChangesPath(title), data)
}

func loadJSONL[T any](path string) ([]T, bool, error) {
	f, err := os.Open(path) // #nosec G304 -- path is derived from the dump root.
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, false, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	return out, true, nil
}

func saveJSONL[T any](s *Store, path string, items []T) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("encode %s entry %d: %w", filepath.Base(path), i, err)
		}
	}
	return s.WriteFile(path, buf.Bytes())
}
