package handlers

import (
	"net/http"

	"github.com/pysugar/oauth-rotor/internal/manager"
)

// RepairHandler runs refresh+hydrate over enabled accounts missing identity
// fields. Unrepairable accounts are quarantined, never silently dropped;
// the quarantine file path is returned so the caller can surface it.
func RepairHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := mgr.RepairLegacyAccounts(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"repaired":       summary.Repaired,
			"quarantined":    summary.Quarantined,
			"quarantineFile": summary.QuarantinePath,
		})
	}
}
