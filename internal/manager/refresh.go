package manager

import (
	"context"
	"fmt"
	"log"

	"github.com/pysugar/oauth-rotor/internal/auth/exchange"
	"github.com/pysugar/oauth-rotor/internal/store"
)

// RefreshStatus is the tri-state outcome of a refresh attempt.
type RefreshStatus string

const (
	RefreshSuccess RefreshStatus = "success"
	RefreshFailed  RefreshStatus = "failed"
	RefreshSkipped RefreshStatus = "skipped"
)

// RefreshResult carries the outcome of RefreshAccountWithFallback. Account
// is a copy with rotation and hydration applied; nothing is persisted until
// the caller applies it.
type RefreshResult struct {
	Status  RefreshStatus
	Account store.Account
	Tokens  *exchange.TokenSet
	Err     error
}

// RepairSummary reports what RepairLegacyAccounts did.
type RepairSummary struct {
	Repaired       int
	Quarantined    int
	QuarantinePath string
}

// CredentialKey is the identity used for refresh dedup and token caching:
// the accountId when hydrated, otherwise the refresh token stands in.
func CredentialKey(acc *store.Account) string {
	return credentialKey(acc)
}

// RefreshAccountWithFallback exchanges the account's refresh token for a
// fresh token set. On success the returned copy carries a rotated refresh
// token (identity never rotates) and identity fields hydrated from the new
// tokens' claims. On failure it still tries to hydrate missing identity
// fields from whatever claims are present in the cached access or ID token
// before giving up. Persisted storage is never touched here; the caller or
// the refresh queue decides what to persist.
func (m *Manager) RefreshAccountWithFallback(ctx context.Context, acc store.Account) RefreshResult {
	out := acc.Clone()
	if out.RefreshToken == "" {
		return RefreshResult{Status: RefreshSkipped, Account: out, Err: fmt.Errorf("account has no refresh token")}
	}

	tokens, err := m.exch.Refresh(ctx, out.RefreshToken)
	if err != nil {
		m.mu.Lock()
		cached := m.tokens[credentialKey(&out)]
		m.mu.Unlock()
		hydrateIdentity(&out, exchange.IdentityFromTokens(cached))
		return RefreshResult{Status: RefreshFailed, Account: out, Err: err}
	}

	if tokens.RefreshToken != "" {
		log.Printf("🔄 Rotating refresh token for: %s", displayName(&out))
		out.RefreshToken = tokens.RefreshToken
	}
	hydrateIdentity(&out, exchange.IdentityFromTokens(tokens))
	return RefreshResult{Status: RefreshSuccess, Account: out, Tokens: tokens}
}

// ApplyRefresh folds a refresh result back into the pool and flushes it.
// Success updates the matching account and the in-memory token cache; a
// permanent failure disables the account so it stops churning the token
// endpoint; a transient failure changes nothing and is retried later via
// the queue.
func (m *Manager) ApplyRefresh(prev store.Account, res RefreshResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexByAccountLocked(&prev)
	if idx == -1 {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, displayName(&prev))
	}

	switch res.Status {
	case RefreshSuccess:
		acc := &m.accounts[idx]
		acc.RefreshToken = res.Account.RefreshToken
		hydrateIdentity(acc, exchange.IdentityClaims{
			AccountID: res.Account.AccountID,
			Email:     res.Account.Email,
			Plan:      res.Account.Plan,
		})
		if res.Tokens != nil {
			m.tokens[credentialKey(acc)] = res.Tokens
		}
		m.saveLocked()
		log.Printf("✅ Refreshed token for: %s", displayName(acc))

	case RefreshFailed:
		if exchange.IsPermanentRefreshError(res.Err) {
			acc := &m.accounts[idx]
			acc.SetEnabled(false)
			m.saveLocked()
			log.Printf("🔒 Account %s disabled after permanent refresh failure: %v", displayName(acc), res.Err)
		} else {
			log.Printf("⏳ Transient refresh failure for %s, account remains active: %v",
				displayName(&m.accounts[idx]), res.Err)
		}

	case RefreshSkipped:
		// Nothing to apply.
	}
	return nil
}

// RepairLegacyAccounts attempts refresh+hydrate for every enabled account
// missing identity fields. Successes are updated in place; failures are
// quarantined through the store with an audit trail. Disabled accounts are
// never touched.
func (m *Manager) RepairLegacyAccounts(ctx context.Context) (RepairSummary, error) {
	m.mu.Lock()
	candidates := make([]store.Account, 0)
	for i := range m.accounts {
		acc := &m.accounts[i]
		if acc.IsEnabled() && acc.MissingIdentity() {
			candidates = append(candidates, acc.Clone())
		}
	}
	m.mu.Unlock()

	var summary RepairSummary
	if len(candidates) == 0 {
		return summary, nil
	}

	var failed []store.Account
	for _, cand := range candidates {
		res := m.RefreshAccountWithFallback(ctx, cand)
		if res.Status == RefreshSuccess {
			if err := m.ApplyRefresh(cand, res); err != nil {
				log.Printf("⚠️ Could not apply repaired account %s: %v", displayName(&cand), err)
				continue
			}
			summary.Repaired++
			continue
		}
		log.Printf("❌ Repair failed for %s: %v", displayName(&cand), res.Err)
		failed = append(failed, cand)
	}

	if len(failed) > 0 {
		// Quarantine and in-memory removal form one critical section: a
		// concurrent save between the two would merge the failed accounts
		// back into the live file the quarantine just rewrote.
		m.mu.Lock()
		path, err := m.store.Quarantine(store.RecordsFromAccounts(failed),
			"legacy account repair failed")
		if err != nil {
			m.mu.Unlock()
			return summary, fmt.Errorf("quarantine failed repairs: %w", err)
		}
		summary.QuarantinePath = path
		summary.Quarantined = len(failed)

		for _, gone := range failed {
			if idx := m.indexByAccountLocked(&gone); idx != -1 {
				m.accounts = append(m.accounts[:idx], m.accounts[idx+1:]...)
				m.shiftCursorsLocked(idx)
			}
			if gone.AccountID != "" {
				m.removed[gone.AccountID] = struct{}{}
			}
		}
		m.mu.Unlock()
		log.Printf("🧾 Quarantined %d unrepairable account(s): %s", len(failed), path)
	}
	return summary, nil
}

// indexByAccountLocked matches by accountId when hydrated, falling back to
// the refresh token for accounts that have no identity yet.
func (m *Manager) indexByAccountLocked(acc *store.Account) int {
	if acc.AccountID != "" {
		if idx := m.indexByIDLocked(acc.AccountID); idx != -1 {
			return idx
		}
	}
	for i := range m.accounts {
		if m.accounts[i].RefreshToken == acc.RefreshToken && acc.RefreshToken != "" {
			return i
		}
	}
	return -1
}

// hydrateIdentity fills identity fields from token claims. The accountId
// must stay stable across refreshes: it is only ever filled in, never
// replaced.
func hydrateIdentity(acc *store.Account, id exchange.IdentityClaims) {
	if acc.AccountID == "" && id.AccountID != "" {
		acc.AccountID = id.AccountID
	}
	if id.Email != "" {
		acc.Email = id.Email
	}
	if id.Plan != "" {
		acc.Plan = id.Plan
	}
}
