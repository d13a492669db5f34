// Package store provides durable, lock-protected persistence for the OAuth
// account pool: load/save with corruption detection, quarantine of
// unrecoverable records, and global vs project-local scope resolution.
package store

import "time"

// CurrentVersion is the schema version written by this build.
// Version 1 files lived at the legacy single-location path and are
// migrated lazily on first global-scope access.
const CurrentVersion = 2

// Window names used as keys in Account.RateLimitResetTimes.
const (
	WindowPrimary   = "primary"   // short window, a few hours
	WindowSecondary = "secondary" // long window, about a week
)

// Account is one authenticated identity. The refresh token is the only
// mandatory field; a record without one is corrupt, not legacy.
type Account struct {
	RefreshToken        string           `json:"refreshToken"`
	AccountID           string           `json:"accountId,omitempty"`
	Email               string           `json:"email,omitempty"`
	Plan                string           `json:"plan,omitempty"`
	Enabled             *bool            `json:"enabled,omitempty"`
	AddedAt             int64            `json:"addedAt"`
	LastUsed            int64            `json:"lastUsed"`
	RateLimitResetTimes map[string]int64 `json:"rateLimitResetTimes,omitempty"`
	CoolingDownUntil    int64            `json:"coolingDownUntil,omitempty"`
	CooldownReason      string           `json:"cooldownReason,omitempty"`
}

// Storage is the persisted container. Accounts order is the canonical
// display and rotation order.
type Storage struct {
	Version             int            `json:"version"`
	Accounts            []Account      `json:"accounts"`
	ActiveIndex         int            `json:"activeIndex"`
	ActiveIndexByFamily map[string]int `json:"activeIndexByFamily,omitempty"`
}

// IsEnabled reports whether the account participates in selection.
// A missing enabled field means enabled.
func (a *Account) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// SetEnabled sets the enabled flag explicitly.
func (a *Account) SetEnabled(v bool) {
	a.Enabled = &v
}

// IsCoolingDown reports whether the account is temporarily excluded from
// selection at the given instant. Cooldown lapses by itself; nothing needs
// to clear the field.
func (a *Account) IsCoolingDown(now time.Time) bool {
	return a.CoolingDownUntil > now.UnixMilli()
}

// MissingIdentity reports whether the account lacks identity metadata and
// should be repaired via refresh+hydrate.
func (a *Account) MissingIdentity() bool {
	return a.AccountID == "" || a.Email == "" || a.Plan == ""
}

// Clone returns a deep copy so callers can mutate freely.
func (a Account) Clone() Account {
	out := a
	if a.Enabled != nil {
		v := *a.Enabled
		out.Enabled = &v
	}
	if a.RateLimitResetTimes != nil {
		m := make(map[string]int64, len(a.RateLimitResetTimes))
		for k, v := range a.RateLimitResetTimes {
			m[k] = v
		}
		out.RateLimitResetTimes = m
	}
	return out
}

// Clone returns a deep copy of the whole container.
func (s *Storage) Clone() *Storage {
	out := &Storage{
		Version:     s.Version,
		ActiveIndex: s.ActiveIndex,
	}
	out.Accounts = make([]Account, len(s.Accounts))
	for i := range s.Accounts {
		out.Accounts[i] = s.Accounts[i].Clone()
	}
	if s.ActiveIndexByFamily != nil {
		out.ActiveIndexByFamily = make(map[string]int, len(s.ActiveIndexByFamily))
		for k, v := range s.ActiveIndexByFamily {
			out.ActiveIndexByFamily[k] = v
		}
	}
	return out
}

// emptyStorage returns the default state for a scope with no file yet.
func emptyStorage() *Storage {
	return &Storage{
		Version:             CurrentVersion,
		Accounts:            []Account{},
		ActiveIndexByFamily: map[string]int{},
	}
}

// normalize clamps indices and initializes maps after a load. An index
// outside current bounds is treated as 0, never as a fault.
func (s *Storage) normalize() {
	if s.Accounts == nil {
		s.Accounts = []Account{}
	}
	if s.ActiveIndexByFamily == nil {
		s.ActiveIndexByFamily = map[string]int{}
	}
	if s.ActiveIndex < 0 || s.ActiveIndex >= len(s.Accounts) {
		s.ActiveIndex = 0
	}
	for family, idx := range s.ActiveIndexByFamily {
		if idx < 0 || idx >= len(s.Accounts) {
			s.ActiveIndexByFamily[family] = 0
		}
	}
}
