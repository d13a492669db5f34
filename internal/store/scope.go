package store

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// ScopeKind says which storage file a scope resolves to.
type ScopeKind string

const (
	ScopeGlobal  ScopeKind = "global"
	ScopeProject ScopeKind = "project"
)

const (
	storageFileName = "accounts.json"
	projectDirName  = ".rotor"
)

// Scope is a resolved storage location. Path may not exist yet; an absent
// file is an empty scope, not an error.
type Scope struct {
	Kind ScopeKind
	Path string
}

// ScopeOptions controls resolution. Zero values resolve to the global scope
// under the user config directory.
type ScopeOptions struct {
	// WorkDir is the directory to search for a project root. Defaults to
	// the process working directory.
	WorkDir string
	// PerProject enables project-local storage.
	PerProject bool
	// FallbackToGlobal lets a project root without a storage file fall
	// back to the global file. Off by default: without it a project root
	// with no file is an empty project scope and the user's global
	// credentials are never read.
	FallbackToGlobal bool
	// GlobalDir overrides the global storage directory (tests).
	GlobalDir string
	// LegacyPath overrides the legacy single-location file (tests).
	LegacyPath string
}

// ResolveScope picks the storage file for this process: the nearest project
// root's dedicated file when per-project mode is on, otherwise the global
// file. The global scope migrates a legacy single-location file lazily on
// first access; project scopes never do.
func ResolveScope(opts ScopeOptions) (Scope, error) {
	if opts.PerProject {
		workDir := opts.WorkDir
		if workDir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return Scope{}, fmt.Errorf("resolve working directory: %w", err)
			}
			workDir = wd
		}
		if root, ok := findProjectRoot(workDir); ok {
			path := filepath.Join(root, projectDirName, storageFileName)
			if _, err := os.Stat(path); err == nil || !opts.FallbackToGlobal {
				return Scope{Kind: ScopeProject, Path: path}, nil
			}
			// Explicitly configured fallback only.
		}
	}
	return resolveGlobal(opts)
}

func resolveGlobal(opts ScopeOptions) (Scope, error) {
	dir := opts.GlobalDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return Scope{}, fmt.Errorf("resolve config dir: %w", err)
		}
		dir = filepath.Join(base, "rotor")
	}
	path := filepath.Join(dir, storageFileName)

	if err := migrateLegacy(path, opts.LegacyPath); err != nil {
		log.Printf("⚠️ Legacy storage migration failed: %v", err)
	}
	return Scope{Kind: ScopeGlobal, Path: path}, nil
}

// findProjectRoot walks up from dir looking for a directory that carries a
// project marker.
func findProjectRoot(dir string) (string, bool) {
	cur := filepath.Clean(dir)
	for {
		for _, marker := range []string{projectDirName, ".git"} {
			if info, err := os.Stat(filepath.Join(cur, marker)); err == nil && info.IsDir() {
				return cur, true
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", false
		}
		cur = parent
	}
}

// migrateLegacy moves a version-1 single-location file into the new global
// location. Runs once: a present destination wins and the legacy file is
// left alone.
func migrateLegacy(dst, legacyPath string) error {
	if legacyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		legacyPath = filepath.Join(home, ".rotor", storageFileName)
	}
	if legacyPath == dst {
		return nil
	}
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	src, err := os.Open(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Remove(legacyPath); err != nil {
		log.Printf("⚠️ Could not remove legacy storage %s: %v", legacyPath, err)
	}
	log.Printf("📦 Migrated legacy account storage %s -> %s", legacyPath, dst)
	return nil
}
