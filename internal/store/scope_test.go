package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveScopeGlobal(t *testing.T) {
	globalDir := t.TempDir()

	scope, err := ResolveScope(ScopeOptions{
		GlobalDir:  globalDir,
		LegacyPath: filepath.Join(t.TempDir(), "none.json"),
	})
	if err != nil {
		t.Fatalf("ResolveScope() error = %v", err)
	}
	if scope.Kind != ScopeGlobal {
		t.Errorf("Kind = %s, want global", scope.Kind)
	}
	if scope.Path != filepath.Join(globalDir, "accounts.json") {
		t.Errorf("Path = %s", scope.Path)
	}
}

func TestResolveScopeProjectWithFile(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(filepath.Join(root, ".rotor"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	projectFile := filepath.Join(root, ".rotor", "accounts.json")
	if err := os.WriteFile(projectFile, []byte(`{"version":2,"accounts":[]}`), 0o600); err != nil {
		t.Fatal(err)
	}

	scope, err := ResolveScope(ScopeOptions{
		WorkDir:    sub,
		PerProject: true,
		GlobalDir:  t.TempDir(),
		LegacyPath: filepath.Join(t.TempDir(), "none.json"),
	})
	if err != nil {
		t.Fatalf("ResolveScope() error = %v", err)
	}
	if scope.Kind != ScopeProject {
		t.Errorf("Kind = %s, want project", scope.Kind)
	}
	if scope.Path != projectFile {
		t.Errorf("Path = %s, want %s", scope.Path, projectFile)
	}
}

func TestResolveScopeProjectWithoutFileStaysEmpty(t *testing.T) {
	// A project root with no storage file must not silently read the global
	// credentials unless fallback is explicitly configured.
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	globalDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(globalDir, "accounts.json"),
		[]byte(`{"version":2,"accounts":[{"refreshToken":"rt-global"}]}`), 0o600); err != nil {
		t.Fatal(err)
	}

	scope, err := ResolveScope(ScopeOptions{
		WorkDir:    root,
		PerProject: true,
		GlobalDir:  globalDir,
		LegacyPath: filepath.Join(t.TempDir(), "none.json"),
	})
	if err != nil {
		t.Fatalf("ResolveScope() error = %v", err)
	}
	if scope.Kind != ScopeProject {
		t.Fatalf("Kind = %s, want project", scope.Kind)
	}

	st, err := New(scope).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(st.Accounts) != 0 {
		t.Errorf("empty project scope leaked %d global account(s)", len(st.Accounts))
	}
}

func TestResolveScopeProjectFallbackToGlobal(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	globalDir := t.TempDir()

	scope, err := ResolveScope(ScopeOptions{
		WorkDir:          root,
		PerProject:       true,
		FallbackToGlobal: true,
		GlobalDir:        globalDir,
		LegacyPath:       filepath.Join(t.TempDir(), "none.json"),
	})
	if err != nil {
		t.Fatalf("ResolveScope() error = %v", err)
	}
	if scope.Kind != ScopeGlobal {
		t.Errorf("Kind = %s, want global fallback", scope.Kind)
	}
}

func TestResolveScopeNoProjectRoot(t *testing.T) {
	scope, err := ResolveScope(ScopeOptions{
		WorkDir:    t.TempDir(),
		PerProject: true,
		GlobalDir:  t.TempDir(),
		LegacyPath: filepath.Join(t.TempDir(), "none.json"),
	})
	if err != nil {
		t.Fatalf("ResolveScope() error = %v", err)
	}
	if scope.Kind != ScopeGlobal {
		t.Errorf("Kind = %s, want global when no project marker found", scope.Kind)
	}
}

func TestMigrateLegacy(t *testing.T) {
	legacyDir := t.TempDir()
	legacyPath := filepath.Join(legacyDir, "accounts.json")
	content := `{"version":1,"accounts":[{"refreshToken":"rt-old"}],"activeIndex":0}`
	if err := os.WriteFile(legacyPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	globalDir := t.TempDir()

	scope, err := ResolveScope(ScopeOptions{GlobalDir: globalDir, LegacyPath: legacyPath})
	if err != nil {
		t.Fatalf("ResolveScope() error = %v", err)
	}

	data, err := os.ReadFile(scope.Path)
	if err != nil {
		t.Fatalf("migrated file unreadable: %v", err)
	}
	if string(data) != content {
		t.Errorf("migrated content = %q", data)
	}
	if _, err := os.Stat(legacyPath); !os.IsNotExist(err) {
		t.Errorf("legacy file still present: %v", err)
	}
}

func TestMigrateLegacyDestinationWins(t *testing.T) {
	legacyDir := t.TempDir()
	legacyPath := filepath.Join(legacyDir, "accounts.json")
	if err := os.WriteFile(legacyPath, []byte(`{"version":1}`), 0o600); err != nil {
		t.Fatal(err)
	}
	globalDir := t.TempDir()
	existing := `{"version":2,"accounts":[{"refreshToken":"rt-new"}]}`
	if err := os.WriteFile(filepath.Join(globalDir, "accounts.json"), []byte(existing), 0o600); err != nil {
		t.Fatal(err)
	}

	scope, err := ResolveScope(ScopeOptions{GlobalDir: globalDir, LegacyPath: legacyPath})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(scope.Path)
	if string(data) != existing {
		t.Error("existing global file was overwritten by legacy migration")
	}
	if _, err := os.Stat(legacyPath); err != nil {
		t.Error("legacy file should be left alone when destination exists")
	}
}
