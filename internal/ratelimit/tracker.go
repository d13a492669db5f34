// Package ratelimit ingests per-request rate-limit signals, keeps derived
// usage snapshots per account, and drives the manager's cooldown
// transitions. Snapshots are a display cache: the most recent response
// headers stay authoritative and losing a snapshot is harmless.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/oauth-rotor/internal/manager"
	"github.com/pysugar/oauth-rotor/internal/store"
)

// Signal names consumed from response headers, string-encoded numbers.
const (
	SignalPrimaryUsedPercent     = "primary-used-percent"
	SignalPrimaryWindowMinutes   = "primary-window-minutes"
	SignalSecondaryUsedPercent   = "secondary-used-percent"
	SignalSecondaryWindowMinutes = "secondary-window-minutes"

	headerPrefix = "X-Ratelimit-"
)

// WindowSnapshot is one window's cached usage state. Known is false when
// the upstream never reported this window.
type WindowSnapshot struct {
	Known         bool
	UsedPercent   float64
	WindowMinutes int
	ResetAt       time.Time
}

// Snapshot is the derived, non-authoritative usage cache for one account.
type Snapshot struct {
	AccountID   string
	Primary     WindowSnapshot
	Secondary   WindowSnapshot
	RetrievedAt time.Time
}

// CooldownSink receives parsed usage updates; the manager implements it.
type CooldownSink interface {
	RecordUsage(accountID string, update manager.UsageUpdate) error
}

// Auditor optionally persists each parsed signal. May be nil.
type Auditor interface {
	RecordUsage(accountID, window string, usedPercent float64, windowMinutes int)
}

// Tracker keeps per-account snapshots keyed by accountId.
type Tracker struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	sink      CooldownSink
	audit     Auditor
	now       func() time.Time
}

// NewTracker creates a tracker feeding cooldown transitions into sink.
// audit may be nil.
func NewTracker(sink CooldownSink, audit Auditor) *Tracker {
	return &Tracker{
		snapshots: map[string]Snapshot{},
		sink:      sink,
		audit:     audit,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (t *Tracker) SetClock(clock func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = clock
}

// UpdateFromHeaders parses the rate-limit signal headers of a response and
// ingests them for the account.
func (t *Tracker) UpdateFromHeaders(accountID string, h http.Header) error {
	signals := map[string]string{}
	for _, name := range []string{
		SignalPrimaryUsedPercent,
		SignalPrimaryWindowMinutes,
		SignalSecondaryUsedPercent,
		SignalSecondaryWindowMinutes,
	} {
		if v := h.Get(headerPrefix + name); v != "" {
			signals[name] = v
		}
	}
	return t.UpdateFromSignals(accountID, signals)
}

// UpdateFromSignals ingests string-encoded usage signals keyed by signal
// name, refreshes the account's snapshot, and forwards the parsed windows
// to the cooldown sink. Missing or unparseable signals are ignored rather
// than failing the request that carried them.
func (t *Tracker) UpdateFromSignals(accountID string, signals map[string]string) error {
	if accountID == "" {
		return fmt.Errorf("empty account id")
	}

	update := manager.UsageUpdate{}
	if w, ok := parseWindow(signals, SignalPrimaryUsedPercent, SignalPrimaryWindowMinutes); ok {
		update[store.WindowPrimary] = w
	}
	if w, ok := parseWindow(signals, SignalSecondaryUsedPercent, SignalSecondaryWindowMinutes); ok {
		update[store.WindowSecondary] = w
	}
	if len(update) == 0 {
		return nil
	}

	t.mu.Lock()
	now := t.now()
	snap := t.snapshots[accountID]
	snap.AccountID = accountID
	snap.RetrievedAt = now
	if w, ok := update[store.WindowPrimary]; ok {
		snap.Primary = windowSnapshot(w, now)
	}
	if w, ok := update[store.WindowSecondary]; ok {
		snap.Secondary = windowSnapshot(w, now)
	}
	t.snapshots[accountID] = snap
	t.mu.Unlock()

	if t.audit != nil {
		for window, w := range update {
			t.audit.RecordUsage(accountID, window, w.UsedPercent, w.WindowMinutes)
		}
	}

	if err := t.sink.RecordUsage(accountID, update); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// GetSnapshot returns the cached snapshot for an account. Strictly
// read-only: no network, no mutation.
func (t *Tracker) GetSnapshot(accountID string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.snapshots[accountID]
	return snap, ok
}

// Snapshots returns a copy of every cached snapshot.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Snapshot, 0, len(t.snapshots))
	for _, snap := range t.snapshots {
		out = append(out, snap)
	}
	return out
}

// RenderStatus formats an account's usage for display. Missing data renders
// as "unknown" rather than failing; this path never performs I/O and never
// mutates account or token state.
func (t *Tracker) RenderStatus(accountID string) string {
	snap, ok := t.GetSnapshot(accountID)
	if !ok {
		return "primary: unknown | secondary: unknown"
	}
	return fmt.Sprintf("primary: %s | secondary: %s",
		renderWindow(snap.Primary), renderWindow(snap.Secondary))
}

func renderWindow(w WindowSnapshot) string {
	if !w.Known {
		return "unknown"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%.1f%% used", w.UsedPercent)
	if w.WindowMinutes > 0 {
		fmt.Fprintf(&b, " of %s window", (time.Duration(w.WindowMinutes) * time.Minute).String())
	}
	if !w.ResetAt.IsZero() {
		fmt.Fprintf(&b, ", resets %s", w.ResetAt.Format(time.RFC3339))
	}
	return b.String()
}

func windowSnapshot(w manager.WindowUsage, now time.Time) WindowSnapshot {
	snap := WindowSnapshot{
		Known:         true,
		UsedPercent:   w.UsedPercent,
		WindowMinutes: w.WindowMinutes,
	}
	if w.WindowMinutes > 0 {
		snap.ResetAt = now.Add(time.Duration(w.WindowMinutes) * time.Minute)
	}
	return snap
}

// parseWindow pulls one window's pair of signals. The used-percent signal
// is required; a missing window-minutes signal leaves the window length
// unknown but still records usage.
func parseWindow(signals map[string]string, usedKey, windowKey string) (manager.WindowUsage, bool) {
	raw, ok := signals[usedKey]
	if !ok {
		return manager.WindowUsage{}, false
	}
	used, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return manager.WindowUsage{}, false
	}
	w := manager.WindowUsage{UsedPercent: used}
	if rawWin, ok := signals[windowKey]; ok {
		if minutes, err := strconv.Atoi(strings.TrimSpace(rawWin)); err == nil {
			w.WindowMinutes = minutes
		}
	}
	return w, true
}
