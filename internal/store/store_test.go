package store

import (
	"os"
	"path/filepath"
	"testing"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	return NewAt(filepath.Join(t.TempDir(), "accounts.json"))
}

func TestLoadMissingFileYieldsEmpty(t *testing.T) {
	s := tempStore(t)

	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(st.Accounts) != 0 {
		t.Errorf("expected empty accounts, got %d", len(st.Accounts))
	}
	if st.Version != CurrentVersion {
		t.Errorf("Version = %d, want %d", st.Version, CurrentVersion)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := tempStore(t)

	err := s.Save(func(st *Storage) error {
		st.Accounts = append(st.Accounts, Account{
			RefreshToken: "rt-1",
			AccountID:    "acc-1",
			Email:        "a@example.com",
			Plan:         "plus",
			AddedAt:      1700000000000,
		})
		st.ActiveIndexByFamily = map[string]int{"default": 0}
		return nil
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(st.Accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(st.Accounts))
	}
	acc := st.Accounts[0]
	if acc.RefreshToken != "rt-1" || acc.Email != "a@example.com" {
		t.Errorf("unexpected account after round trip: %+v", acc)
	}
	if st.Version != CurrentVersion {
		t.Errorf("Version = %d, want %d", st.Version, CurrentVersion)
	}
}

func TestSaveIsReadModifyWrite(t *testing.T) {
	s := tempStore(t)

	if err := s.Save(func(st *Storage) error {
		st.Accounts = append(st.Accounts, Account{RefreshToken: "rt-1"})
		return nil
	}); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}

	// A second mutation must see the first one's result.
	if err := s.Save(func(st *Storage) error {
		if len(st.Accounts) != 1 {
			t.Errorf("mutate saw %d accounts, want 1", len(st.Accounts))
		}
		st.Accounts = append(st.Accounts, Account{RefreshToken: "rt-2"})
		return nil
	}); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(st.Accounts) != 2 {
		t.Errorf("expected 2 accounts, got %d", len(st.Accounts))
	}
}

func TestLoadCorruptFile(t *testing.T) {
	s := tempStore(t)
	if err := os.MkdirAll(filepath.Dir(s.Path()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := s.Load()
	if err == nil {
		t.Fatal("Load() expected error for corrupt file")
	}
	if !IsCorrupt(err) {
		t.Errorf("IsCorrupt(%v) = false, want true", err)
	}

	// Save must refuse to clobber the evidence.
	saveErr := s.Save(func(st *Storage) error { return nil })
	if !IsCorrupt(saveErr) {
		t.Errorf("Save() on corrupt file: got %v, want corrupt error", saveErr)
	}
	data, readErr := os.ReadFile(s.Path())
	if readErr != nil || string(data) != "{not json" {
		t.Errorf("corrupt file was modified: %q, %v", data, readErr)
	}
}

func TestLoadRejectsTokenlessRecord(t *testing.T) {
	// The file parses as JSON, but one record has no refresh token: that is
	// a corrupt record, and it must not load into rotation.
	content := `{
		"version": 2,
		"accounts": [
			{"refreshToken": "rt-good", "email": "a@x.com", "plan": "plus"},
			{"email": "corrupt@example.com", "plan": "plus"}
		]
	}`
	s := tempStore(t)
	if err := os.WriteFile(s.Path(), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := s.Load()
	if !IsCorrupt(err) {
		t.Fatalf("Load() = %v, want corrupt error for tokenless record", err)
	}
	if saveErr := s.Save(func(st *Storage) error { return nil }); !IsCorrupt(saveErr) {
		t.Errorf("Save() = %v, want refusal on corrupt content", saveErr)
	}

	// Inspect + Quarantine is the recovery path: afterwards the remaining
	// account loads normally.
	report, err := s.Inspect()
	if err != nil {
		t.Fatal(err)
	}
	if _, _, corrupt := report.Counts(); corrupt != 1 {
		t.Fatalf("corrupt count = %d, want 1", corrupt)
	}
	if _, err := s.Quarantine(report.Corrupt, "corrupt records detected at startup"); err != nil {
		t.Fatal(err)
	}
	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load() after quarantine: %v", err)
	}
	if len(st.Accounts) != 1 || st.Accounts[0].RefreshToken != "rt-good" {
		t.Errorf("accounts after quarantine: %+v", st.Accounts)
	}
}

func TestNormalizeClampsIndices(t *testing.T) {
	st := &Storage{
		Accounts:            []Account{{RefreshToken: "rt"}},
		ActiveIndex:         7,
		ActiveIndexByFamily: map[string]int{"default": -1, "work": 0},
	}
	st.normalize()

	if st.ActiveIndex != 0 {
		t.Errorf("ActiveIndex = %d, want 0", st.ActiveIndex)
	}
	if st.ActiveIndexByFamily["default"] != 0 {
		t.Errorf("family cursor = %d, want 0", st.ActiveIndexByFamily["default"])
	}
	if st.ActiveIndexByFamily["work"] != 0 {
		t.Errorf("in-bounds cursor changed: %d", st.ActiveIndexByFamily["work"])
	}
}

func TestAccountEnabled(t *testing.T) {
	var acc Account
	if !acc.IsEnabled() {
		t.Error("missing enabled field should mean enabled")
	}
	acc.SetEnabled(false)
	if acc.IsEnabled() {
		t.Error("expected disabled after SetEnabled(false)")
	}
	acc.SetEnabled(true)
	if !acc.IsEnabled() {
		t.Error("expected enabled after SetEnabled(true)")
	}
}

func TestAccountClone(t *testing.T) {
	enabled := false
	acc := Account{
		RefreshToken:        "rt",
		Enabled:             &enabled,
		RateLimitResetTimes: map[string]int64{WindowPrimary: 42},
	}
	clone := acc.Clone()

	clone.SetEnabled(true)
	clone.RateLimitResetTimes[WindowPrimary] = 99

	if *acc.Enabled != false {
		t.Error("clone mutation leaked into original enabled flag")
	}
	if acc.RateLimitResetTimes[WindowPrimary] != 42 {
		t.Error("clone mutation leaked into original reset times")
	}
}
