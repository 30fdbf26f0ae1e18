package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/JakeFAU/pukiwiki-dumper/internal/wiki"
)

const (
	lockFile   = "dump.lock"
	configFile = "config.json"
)

// Lock is exclusive ownership of a dump directory.
type Lock struct {
	path  string
	owner string
}

// Lock claims the dump directory for this process. A second claimant gets
// wiki.ErrDumpLocked until the first releases.
func (s *Store) Lock() (*Lock, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate lock owner: %w", err)
	}
	path := s.metaPath(lockFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) // #nosec G304 -- path is derived from the dump root.
	if errors.Is(err, os.ErrExist) {
		holder, _ := os.ReadFile(path) // #nosec G304 -- same path as above.
		return nil, fmt.Errorf("%w: held by %s", wiki.ErrDumpLocked, strings.TrimSpace(string(holder)))
	}
	if err != nil {
		return nil, fmt.Errorf("create lock: %w", err)
	}
	_, err = f.WriteString(id.String() + "\n")
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock: %w", err)
	}
	return &Lock{path: path, owner: id.String()}, nil
}

// Owner is the run id written into the lock file.
func (l *Lock) Owner() string {
	return l.owner
}

// Release removes the lock if this process still owns it.
func (l *Lock) Release() error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if strings.TrimSpace(string(data)) != l.owner {
		return fmt.Errorf("lock taken over by %s", strings.TrimSpace(string(data)))
	}
	if err := os.Remove(l.path); err != nil {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// RunConfig is the per-run record kept in dumpMeta/config.json.
type RunConfig struct {
	URLInput      string `json:"url_input,omitempty"`
	PukiURL       string `json:"puki_url,omitempty"`
	BaseURL       string `json:"base_url,omitempty"`
	DumperVersion string `json:"dumper_version,omitempty"`
	RunID         string `json:"run_id,omitempty"`
}

// UpdateRunConfig merges rc into config.json. Keys written by other tools are
// preserved, and empty fields of rc leave existing values alone.
func (s *Store) UpdateRunConfig(rc RunConfig) error {
	path := s.metaPath(configFile)
	merged := map[string]any{}
	if data, err := os.ReadFile(path); err == nil { // #nosec G304 -- path is derived from the dump root.
		if err := json.Unmarshal(data, &merged); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	update, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(update, &fields); err != nil {
		return fmt.Errorf("unmarshal run config: %w", err)
	}
	for k, v := range fields {
		merged[k] = v
	}

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return s.WriteFile(path, out)
}

// LoadRunConfig reads config.json. A missing file yields a zero RunConfig.
func (s *Store) LoadRunConfig() (RunConfig, error) {
	var rc RunConfig
	data, err := os.ReadFile(s.metaPath(configFile))
	if errors.Is(err, os.ErrNotExist) {
		return rc, nil
	}
	if err != nil {
		return rc, fmt.Errorf("read run config: %w", err)
	}
	if err := json.Unmarshal(data, &rc); err != nil {
		return rc, fmt.Errorf("parse run config: %w", err)
	}
	return rc, nil
}
