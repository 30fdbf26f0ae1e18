// Package checkpoint is the filesystem record of what a dump has captured.
// The existence of a file is the only signal that a unit of work is done.
package checkpoint

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/JakeFAU/pukiwiki-dumper/internal/wiki"
)

// DefaultNameLimit is the longest single path component most filesystems accept.
const DefaultNameLimit = 255

// Layout directories under the dump root.
const (
	MetaDir   = "dumpMeta"
	WikiDir   = "wiki"
	AtticDir  = "attic"
	HTMLDir   = "html"
	AttachDir = "attach"
)

// Config captures the parameters for a Store.
type Config struct {
	// Root is the dump directory.
	Root string
	// NameLimit caps the length of one path component. Longer names are split
	// into subdirectories.
	NameLimit int
}

// Store reads and writes checkpoint artifacts below one dump root.
type Store struct {
	root      string
	nameLimit int
}

// New opens the dump directory, creating it when missing.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("dump directory is required")
	}
	if cfg.NameLimit <= 0 {
		cfg.NameLimit = DefaultNameLimit
	}

	info, err := os.Stat(cfg.Root)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.Root, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create dump directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat dump directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("dump path %s is not a directory", cfg.Root)
	}
	for _, dir := range []string{MetaDir, WikiDir, AtticDir, HTMLDir, AttachDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Root, dir), 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{root: filepath.Clean(cfg.Root), nameLimit: cfg.NameLimit}, nil
}

// Root returns the dump directory.
func (s *Store) Root() string {
	return s.root
}

// HexKey is the reversible filesystem key of an identifier: upper-case hex of
// its UTF-8 bytes.
func HexKey(id string) string {
	return strings.ToUpper(hex.EncodeToString([]byte(id)))
}

// SplitName breaks name into components of at most limit bytes, so a name
// longer than twice the limit spans several directory levels. Callers pass the
// full file name, suffix included. A name that fits is returned unchanged.
func SplitName(name string, limit int) string {
	if limit <= 0 || len(name) <= limit {
		return name
	}
	parts := make([]string, 0, len(name)/limit+1)
	for len(name) > limit {
		parts = append(parts, name[:limit])
		name = name[limit:]
	}
	parts = append(parts, name)
	return filepath.Join(parts...)
}

func (s *Store) path(dir, name string) string {
	return filepath.Join(s.root, dir, SplitName(name, s.nameLimit))
}

// PagePath is where the current text of title lives.
func (s *Store) PagePath(title string) string {
	return s.path(WikiDir, HexKey(title)+".txt")
}

// RevisionPath is where revision rev of title lives.
func (s *Store) RevisionPath(title, rev string) string {
	return s.path(AtticDir, HexKey(title)+"."+rev+".txt")
}

// ChangesPath is where the revision listing of title is recorded.
func (s *Store) ChangesPath(title string) string {
	return s.path(AtticDir, HexKey(title)+".changes.json")
}

// HTMLPath is where the rendered snapshot of title lives.
func (s *Store) HTMLPath(title string) string {
	return s.path(HTMLDir, HexKey(title)+".html")
}

// AttachmentPath is where the bytes of a are stored. Past ages carry a
// .<age> suffix.
func (s *Store) AttachmentPath(a wiki.Attachment) string {
	name := HexKey(a.Refer) + "_" + HexKey(a.File)
	if a.Age > 0 {
		name += "." + strconv.Itoa(a.Age)
	}
	return s.path(AttachDir, name)
}

func (s *Store) metaPath(name string) string {
	return filepath.Join(s.root, MetaDir, name)
}

// Exists reports whether path is present.
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Size returns the size of path, or -1 when it is absent.
func (s *Store) Size(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}

// WriteFile atomically replaces path with data.
func (s *Store) WriteFile(path string, data []byte) error {
	_, err := s.WriteStream(path, bytes.NewReader(data))
	return err
}

// WriteStream copies r into a temporary sibling of path and renames it into
// place once r is exhausted, so a crash never leaves a truncated artifact.
func (s *Store) WriteStream(path string, r io.Reader) (int64, error) {
	if err := s.within(path); err != nil {
		return 0, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return n, fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return n, fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return n, fmt.Errorf("rename into %s: %w", path, err)
	}
	return n, nil
}

func (s *Store) within(path string) error {
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, s.root+string(filepath.Separator)) {
		return fmt.Errorf("path %s escapes dump directory", path)
	}
	return nil
}
