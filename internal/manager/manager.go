// Package manager orchestrates the account pool: it owns the in-memory
// account list, implements per-family round-robin selection with cooldown
// awareness, applies refresh results, repairs legacy records, and is the
// sole mutation path back to the store.
package manager

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pysugar/oauth-rotor/internal/auth/exchange"
	"github.com/pysugar/oauth-rotor/internal/store"
)

// DefaultFamily carries the legacy single-cursor state for files written
// before per-family cursors existed.
const DefaultFamily = "default"

// IndexError is returned for out-of-range account indices. Caller error,
// never a fault.
type IndexError struct {
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("account index %d out of range (have %d accounts)", e.Index, e.Len)
}

// ErrUnknownAccount is returned when an accountId has no matching account.
var ErrUnknownAccount = fmt.Errorf("unknown account")

// WindowUsage is one rate-limit window's parsed usage signal.
type WindowUsage struct {
	UsedPercent   float64
	WindowMinutes int
}

// UsageUpdate maps window names (store.WindowPrimary, store.WindowSecondary)
// to their latest usage signal.
type UsageUpdate map[string]WindowUsage

// SelectOutcome classifies a selection attempt.
type SelectOutcome string

const (
	// OutcomeSelected means Account holds the next account to use.
	OutcomeSelected SelectOutcome = "selected"
	// OutcomeRateLimited means every enabled account for the family is
	// cooling down; Account is the soonest to recover and Wait says how long.
	OutcomeRateLimited SelectOutcome = "rate_limited"
	// OutcomeNoAccounts means no account is enabled at all.
	OutcomeNoAccounts SelectOutcome = "no_accounts"
)

// SelectResult is the typed outcome of SelectAccount. Selection failures
// are results, not errors, so callers can degrade gracefully.
type SelectResult struct {
	Outcome SelectOutcome
	Account *store.Account
	Index   int
	Wait    time.Duration
}

// Manager coordinates the pool. Safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	store *store.Store
	exch  exchange.Exchanger
	clock func() time.Time

	accounts []store.Account
	cursors  map[string]int
	removed  map[string]struct{}
	tokens   map[string]*exchange.TokenSet
}

// New creates a manager over the given store and token exchanger. Call
// LoadFromDisk before use; a missing storage file yields an empty, valid
// manager.
func New(st *store.Store, exch exchange.Exchanger) *Manager {
	return &Manager{
		store:    st,
		exch:     exch,
		clock:    time.Now,
		cursors:  map[string]int{},
		removed:  map[string]struct{}{},
		tokens:   map[string]*exchange.TokenSet{},
		accounts: []store.Account{},
	}
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// LoadFromDisk builds the in-memory state from the store. Corrupt storage
// propagates as *store.CorruptError for an explicit inspect/quarantine
// decision by the caller.
func (m *Manager) LoadFromDisk() error {
	st, err := m.store.Load()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts = make([]store.Account, len(st.Accounts))
	for i := range st.Accounts {
		m.accounts[i] = st.Accounts[i].Clone()
	}
	m.cursors = map[string]int{}
	for family, idx := range st.ActiveIndexByFamily {
		m.cursors[family] = idx
	}
	if _, ok := m.cursors[DefaultFamily]; !ok {
		m.cursors[DefaultFamily] = st.ActiveIndex
	}
	m.removed = map[string]struct{}{}
	return nil
}

// AccountsSnapshot returns an immutable copy of the account list. Mutating
// the returned slice never affects internal state.
func (m *Manager) AccountsSnapshot() []store.Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]store.Account, len(m.accounts))
	for i := range m.accounts {
		out[i] = m.accounts[i].Clone()
	}
	return out
}

// SelectAccount picks the next account for a family: round-robin over
// accounts that are enabled and not cooling down, with the family's cursor
// advancing to the returned index. Skipped accounts do not consume a cursor
// slot. When every enabled account is cooling down the soonest-to-recover
// one is reported with OutcomeRateLimited and the wait duration; with no
// enabled accounts at all the outcome is OutcomeNoAccounts.
func (m *Manager) SelectAccount(family string) SelectResult {
	if family == "" {
		family = DefaultFamily
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	n := len(m.accounts)
	if n == 0 {
		return SelectResult{Outcome: OutcomeNoAccounts}
	}

	cursor := m.cursors[family]
	if cursor < 0 || cursor >= n {
		cursor = 0
	}

	for i := 1; i <= n; i++ {
		idx := (cursor + i) % n
		acc := &m.accounts[idx]
		if !acc.IsEnabled() || acc.IsCoolingDown(now) {
			continue
		}
		acc.LastUsed = now.UnixMilli()
		m.cursors[family] = idx
		m.saveLocked()
		selected := acc.Clone()
		return SelectResult{Outcome: OutcomeSelected, Account: &selected, Index: idx}
	}

	// Everything enabled is cooling down: report the soonest recovery
	// instead of failing outright.
	best := -1
	for i := range m.accounts {
		if !m.accounts[i].IsEnabled() {
			continue
		}
		if best == -1 || m.accounts[i].CoolingDownUntil < m.accounts[best].CoolingDownUntil {
			best = i
		}
	}
	if best == -1 {
		return SelectResult{Outcome: OutcomeNoAccounts}
	}

	acc := m.accounts[best].Clone()
	wait := time.UnixMilli(acc.CoolingDownUntil).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return SelectResult{Outcome: OutcomeRateLimited, Account: &acc, Index: best, Wait: wait}
}

// RecordUsage ingests parsed rate-limit signals for an account: reset times
// are refreshed for each named window, and a saturated window puts the
// account into cooldown until that window resets. Cooldown lapses by itself
// once the clock passes it.
func (m *Manager) RecordUsage(accountID string, update UsageUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexByIDLocked(accountID)
	if idx == -1 {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}

	now := m.clock()
	acc := &m.accounts[idx]
	if acc.RateLimitResetTimes == nil {
		acc.RateLimitResetTimes = map[string]int64{}
	}

	for window, usage := range update {
		minutes := usage.WindowMinutes
		if minutes <= 0 && usage.UsedPercent >= 100 {
			minutes = fallbackWindowMinutes(window)
		}
		reset := now.Add(time.Duration(minutes) * time.Minute).UnixMilli()
		acc.RateLimitResetTimes[window] = reset
		if usage.UsedPercent >= 100 && reset > acc.CoolingDownUntil {
			acc.CoolingDownUntil = reset
			acc.CooldownReason = fmt.Sprintf("%s window saturated (%.0f%% used)", window, usage.UsedPercent)
			log.Printf("🧊 Account %s cooling down until %s: %s",
				displayName(acc), time.UnixMilli(reset).Format(time.RFC3339), acc.CooldownReason)
		}
	}

	m.saveLocked()
	return nil
}

// fallbackWindowMinutes is the nominal window span used when a saturated
// signal arrives without a window length: cooling down for the window's
// usual duration beats not cooling down at all.
func fallbackWindowMinutes(window string) int {
	if window == store.WindowSecondary {
		return 7 * 24 * 60
	}
	return 5 * 60
}

// AddAccount appends a new account to the rotation. The refresh token is
// mandatory; everything else can be hydrated later.
func (m *Manager) AddAccount(acc store.Account) error {
	if acc.RefreshToken == "" {
		return fmt.Errorf("account missing refresh token")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.accounts {
		if acc.AccountID != "" && m.accounts[i].AccountID == acc.AccountID {
			return fmt.Errorf("account %s already exists", acc.AccountID)
		}
	}

	if acc.AddedAt == 0 {
		acc.AddedAt = m.clock().UnixMilli()
	}
	m.accounts = append(m.accounts, acc)
	if acc.AccountID != "" {
		delete(m.removed, acc.AccountID)
	}
	m.saveLocked()
	log.Printf("✅ Added account: %s", displayName(&acc))
	return nil
}

// RemoveAccount deletes the account at index. The removal is remembered so
// a later merge save does not resurrect the record.
func (m *Manager) RemoveAccount(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.accounts) {
		return &IndexError{Index: index, Len: len(m.accounts)}
	}

	removed := m.accounts[index]
	m.accounts = append(m.accounts[:index], m.accounts[index+1:]...)
	if removed.AccountID != "" {
		m.removed[removed.AccountID] = struct{}{}
	}
	delete(m.tokens, credentialKey(&removed))
	m.shiftCursorsLocked(index)
	m.saveLocked()
	log.Printf("🗑️ Removed account: %s", displayName(&removed))
	return nil
}

// ToggleAccount flips the enabled flag of the account at index.
func (m *Manager) ToggleAccount(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.accounts) {
		return &IndexError{Index: index, Len: len(m.accounts)}
	}

	acc := &m.accounts[index]
	acc.SetEnabled(!acc.IsEnabled())
	m.saveLocked()
	log.Printf("🔀 Account %s enabled=%v", displayName(acc), acc.IsEnabled())
	return nil
}

// SaveToDisk persists the current state through the store's locked
// read-modify-write cycle.
func (m *Manager) SaveToDisk() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveToDiskLocked()
}

// saveLocked is the best-effort flush used on internal mutations: a failed
// write must not break selection or bookkeeping.
func (m *Manager) saveLocked() {
	if err := m.saveToDiskLocked(); err != nil {
		log.Printf("⚠️ Failed to persist account state: %v", err)
	}
}

// saveToDiskLocked merges this manager's view into whatever is currently
// persisted, reconciling by accountId rather than blindly overwriting:
// records added externally since our load are kept, records we explicitly
// removed stay removed, and our field changes win for matching ids.
func (m *Manager) saveToDiskLocked() error {
	accounts := make([]store.Account, len(m.accounts))
	for i := range m.accounts {
		accounts[i] = m.accounts[i].Clone()
	}
	cursors := make(map[string]int, len(m.cursors))
	for k, v := range m.cursors {
		cursors[k] = v
	}
	removed := make(map[string]struct{}, len(m.removed))
	for k := range m.removed {
		removed[k] = struct{}{}
	}

	return m.store.Save(func(cur *store.Storage) error {
		cur.Accounts = mergeAccounts(accounts, cur.Accounts, removed)
		cur.ActiveIndexByFamily = cursors
		cur.ActiveIndex = cursors[DefaultFamily]
		return nil
	})
}

// mergeAccounts reconciles the manager's accounts (ours) with the persisted
// ones (theirs). Ours keep their order and win field-by-record; external
// additions are appended in persisted order; our removals stay removed.
func mergeAccounts(ours, theirs []store.Account, removed map[string]struct{}) []store.Account {
	merged := make([]store.Account, 0, len(ours)+len(theirs))
	merged = append(merged, ours...)

	known := make(map[string]struct{}, len(ours))
	knownTokens := make(map[string]struct{}, len(ours))
	for i := range ours {
		if ours[i].AccountID != "" {
			known[ours[i].AccountID] = struct{}{}
		}
		knownTokens[ours[i].RefreshToken] = struct{}{}
	}

	for i := range theirs {
		t := &theirs[i]
		if t.AccountID != "" {
			if _, gone := removed[t.AccountID]; gone {
				continue
			}
			if _, ok := known[t.AccountID]; ok {
				continue
			}
		}
		if _, ok := knownTokens[t.RefreshToken]; ok {
			continue
		}
		merged = append(merged, t.Clone())
	}
	return merged
}

// TokenExpiry returns the cached access-token expiry for an account, if a
// refresh has been applied this process lifetime.
func (m *Manager) TokenExpiry(accountID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexByIDLocked(accountID)
	if idx == -1 {
		return time.Time{}, false
	}
	ts, ok := m.tokens[credentialKey(&m.accounts[idx])]
	if !ok || ts.Expiry.IsZero() {
		return time.Time{}, false
	}
	return ts.Expiry, true
}

func (m *Manager) indexByIDLocked(accountID string) int {
	for i := range m.accounts {
		if m.accounts[i].AccountID == accountID && accountID != "" {
			return i
		}
	}
	return -1
}

// shiftCursorsLocked fixes up family cursors after removing an index.
func (m *Manager) shiftCursorsLocked(removedIdx int) {
	for family, idx := range m.cursors {
		switch {
		case idx == removedIdx:
			m.cursors[family] = 0
		case idx > removedIdx:
			m.cursors[family] = idx - 1
		}
	}
}

// credentialKey is the refresh-queue/cache identity for an account: the
// accountId when hydrated, otherwise the refresh token stands in.
func credentialKey(acc *store.Account) string {
	if acc.AccountID != "" {
		return acc.AccountID
	}
	return acc.RefreshToken
}

// displayName never exposes the refresh token in logs.
func displayName(acc *store.Account) string {
	switch {
	case acc.Email != "":
		return acc.Email
	case acc.AccountID != "":
		return acc.AccountID
	default:
		return "(unhydrated account)"
	}
}
