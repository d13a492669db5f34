package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/oauth-rotor/internal/manager"
	"github.com/pysugar/oauth-rotor/internal/ratelimit"
)

// UsageHandler ingests rate-limit signals observed by the dispatch layer
// for {accountId}. Signals arrive either as X-Ratelimit-* headers or as a
// JSON body of signal name to string value.
func UsageHandler(tracker *ratelimit.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "accountId")

		var err error
		if r.Header.Get("Content-Type") == "application/json" && r.ContentLength > 0 {
			var signals map[string]string
			if err := decodeJSON(r, &signals); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			err = tracker.UpdateFromSignals(accountID, signals)
		} else {
			err = tracker.UpdateFromHeaders(accountID, r.Header)
		}

		if err != nil {
			if errors.Is(err, manager.ErrUnknownAccount) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
