package handlers

import (
	"net/http"

	"github.com/pysugar/oauth-rotor/internal/db"
	"github.com/pysugar/oauth-rotor/internal/manager"
	"github.com/pysugar/oauth-rotor/internal/ratelimit"
	"github.com/pysugar/oauth-rotor/internal/version"
)

// StatusHandler is the read-only pool overview: counts, per-account usage
// rendering, and recent refresh history from the audit trail.
func StatusHandler(mgr *manager.Manager, tracker *ratelimit.Tracker, audit *db.Audit) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts := mgr.AccountsSnapshot()

		enabled, cooling := 0, 0
		usage := make(map[string]string, len(accounts))
		for _, acc := range accounts {
			if acc.IsEnabled() {
				enabled++
			}
			if acc.CoolingDownUntil > 0 {
				cooling++
			}
			key := acc.AccountID
			if key == "" {
				key = "(unhydrated)"
			}
			usage[key] = tracker.RenderStatus(acc.AccountID)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"version":         version.Version,
			"total":           len(accounts),
			"enabled":         enabled,
			"coolingDown":     cooling,
			"usage":           usage,
			"recentRefreshes": audit.RecentRefreshes(20),
		})
	}
}

// HealthHandler is the liveness probe.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
