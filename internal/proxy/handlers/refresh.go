package handlers

import (
	"context"
	"net/http"

	"github.com/pysugar/oauth-rotor/internal/db"
	"github.com/pysugar/oauth-rotor/internal/manager"
	"github.com/pysugar/oauth-rotor/internal/refreshqueue"
)

// RefreshHandler enqueues a proactive refresh for every account whose
// cached access token is near expiry. Dedup and throttling are the queue's
// job; the handler just reports what was enqueued vs skipped.
func RefreshHandler(mgr *manager.Manager, queue *refreshqueue.Queue, audit *db.Audit) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		enqueued, skipped := EnqueueNearExpiry(mgr, queue, audit)
		writeJSON(w, http.StatusOK, map[string]int{
			"enqueued": enqueued,
			"skipped":  skipped,
		})
	}
}

// EnqueueNearExpiry walks the pool and submits refresh tasks for enabled
// accounts with a known, near-expiry access token. Results are applied to
// the manager and audited as they settle.
func EnqueueNearExpiry(mgr *manager.Manager, queue *refreshqueue.Queue, audit *db.Audit) (enqueued, skipped int) {
	for _, acc := range mgr.AccountsSnapshot() {
		if !acc.IsEnabled() {
			skipped++
			continue
		}
		expiry, ok := mgr.TokenExpiry(acc.AccountID)
		if !ok {
			skipped++
			continue
		}

		acc := acc
		done := queue.Enqueue(refreshqueue.Task{
			Key:     manager.CredentialKey(&acc),
			Expires: expiry,
			Refresh: func(ctx context.Context) error {
				res := mgr.RefreshAccountWithFallback(ctx, acc)
				if err := mgr.ApplyRefresh(acc, res); err != nil {
					return err
				}
				return res.Err
			},
		})
		enqueued++

		go func() {
			res := <-done
			detail := res.Reason
			if res.Err != nil {
				detail = res.Err.Error()
			}
			audit.RecordRefresh(acc.AccountID, string(res.Status), detail)
		}()
	}
	return enqueued, skipped
}
