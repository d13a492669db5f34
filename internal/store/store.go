package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CorruptError reports a storage file whose content could not be parsed.
// The file is left untouched so the caller can Inspect and Quarantine.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt account storage at %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// IsCorrupt reports whether err indicates corrupt storage.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}

// Store persists one scope's AccountStorage file.
type Store struct {
	path string
}

// New returns a Store bound to the resolved scope's file.
func New(scope Scope) *Store {
	return &Store{path: scope.Path}
}

// NewAt returns a Store bound to an explicit file path.
func NewAt(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the scope's file. A missing file is not an error and yields
// the empty default. Malformed content or a record without a refresh token
// is surfaced as *CorruptError and is never auto-repaired or discarded;
// corrupt records must go through Inspect and Quarantine, never into
// selection.
func (s *Store) Load() (*Storage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyStorage(), nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	var st Storage
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &CorruptError{Path: s.path, Err: err}
	}
	for i := range st.Accounts {
		if st.Accounts[i].RefreshToken == "" {
			return nil, &CorruptError{
				Path: s.path,
				Err:  fmt.Errorf("account record %d has no refresh token", i),
			}
		}
	}

	st.normalize()
	return &st, nil
}

// Save runs a read-modify-write cycle under an exclusive advisory lock:
// read the current persisted state (or the empty default), apply mutate,
// write atomically via temp-file-then-rename. The lock is released on every
// exit path. This is the only sanctioned mutation path.
//
// If the persisted content is corrupt the save is refused with *CorruptError
// so the evidence survives for Inspect/Quarantine.
func (s *Store) Save(mutate func(*Storage) error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	lock, err := acquireLock(s.path + ".lock")
	if err != nil {
		return fmt.Errorf("lock %s: %w", s.path, err)
	}
	defer lock.release()

	cur, err := s.Load()
	if err != nil {
		return err
	}

	if err := mutate(cur); err != nil {
		return err
	}
	cur.Version = CurrentVersion
	cur.normalize()

	return writeAtomic(s.path, cur)
}

// writeAtomic marshals v and writes it with temp-then-rename semantics so a
// crash never leaves a torn live file.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".accounts-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	success = true
	return nil
}
