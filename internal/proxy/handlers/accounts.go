package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/oauth-rotor/internal/manager"
	"github.com/pysugar/oauth-rotor/internal/ratelimit"
	"github.com/pysugar/oauth-rotor/internal/store"
)

// accountView is the API shape of an account. The refresh token never
// leaves the process.
type accountView struct {
	Index            int    `json:"index"`
	AccountID        string `json:"accountId,omitempty"`
	Email            string `json:"email,omitempty"`
	Plan             string `json:"plan,omitempty"`
	Enabled          bool   `json:"enabled"`
	AddedAt          int64  `json:"addedAt"`
	LastUsed         int64  `json:"lastUsed"`
	CoolingDownUntil int64  `json:"coolingDownUntil,omitempty"`
	CooldownReason   string `json:"cooldownReason,omitempty"`
	Usage            string `json:"usage"`
}

// AccountsHandler lists the pool with per-account usage rendering.
func AccountsHandler(mgr *manager.Manager, tracker *ratelimit.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts := mgr.AccountsSnapshot()
		views := make([]accountView, len(accounts))
		for i, acc := range accounts {
			views[i] = accountView{
				Index:            i,
				AccountID:        acc.AccountID,
				Email:            acc.Email,
				Plan:             acc.Plan,
				Enabled:          acc.IsEnabled(),
				AddedAt:          acc.AddedAt,
				LastUsed:         acc.LastUsed,
				CoolingDownUntil: acc.CoolingDownUntil,
				CooldownReason:   acc.CooldownReason,
				Usage:            tracker.RenderStatus(acc.AccountID),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
	}
}

// AddAccountHandler registers a new account from a credential exchange done
// elsewhere. Only the refresh token is required.
func AddAccountHandler(mgr *manager.Manager) http.HandlerFunc {
	type request struct {
		RefreshToken string `json:"refreshToken"`
		AccountID    string `json:"accountId"`
		Email        string `json:"email"`
		Plan         string `json:"plan"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		acc := store.Account{
			RefreshToken: req.RefreshToken,
			AccountID:    req.AccountID,
			Email:        req.Email,
			Plan:         req.Plan,
			AddedAt:      time.Now().UnixMilli(),
		}
		if err := mgr.AddAccount(acc); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
	}
}

// ToggleAccountHandler flips the enabled flag of the account at {index}.
func ToggleAccountHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := indexParam(w, r)
		if !ok {
			return
		}
		if err := mgr.ToggleAccount(index); err != nil {
			writeIndexError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// RemoveAccountHandler deletes the account at {index}.
func RemoveAccountHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := indexParam(w, r)
		if !ok {
			return
		}
		if err := mgr.RemoveAccount(index); err != nil {
			writeIndexError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func indexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "index must be an integer")
		return 0, false
	}
	return index, true
}

func writeIndexError(w http.ResponseWriter, err error) {
	var ie *manager.IndexError
	if errors.As(err, &ie) {
		writeError(w, http.StatusNotFound, ie.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
