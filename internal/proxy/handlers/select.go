package handlers

import (
	"net/http"

	"github.com/pysugar/oauth-rotor/internal/manager"
)

// SelectHandler picks the next account for a model family. The outcome is
// always a typed result: rate-limited and empty pools are reported with
// actionable detail, not failures.
func SelectHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		family := r.URL.Query().Get("family")
		res := mgr.SelectAccount(family)

		body := map[string]any{"outcome": res.Outcome}
		switch res.Outcome {
		case manager.OutcomeSelected:
			body["index"] = res.Index
			body["accountId"] = res.Account.AccountID
			body["email"] = res.Account.Email
			writeJSON(w, http.StatusOK, body)
		case manager.OutcomeRateLimited:
			body["waitMs"] = res.Wait.Milliseconds()
			if res.Account != nil {
				body["accountId"] = res.Account.AccountID
				body["coolingDownUntil"] = res.Account.CoolingDownUntil
			}
			writeJSON(w, http.StatusTooManyRequests, body)
		default:
			writeJSON(w, http.StatusServiceUnavailable, body)
		}
	}
}
