package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/pysugar/oauth-rotor/internal/auth/exchange"
	"github.com/pysugar/oauth-rotor/internal/config"
	"github.com/pysugar/oauth-rotor/internal/db"
	"github.com/pysugar/oauth-rotor/internal/logging"
	"github.com/pysugar/oauth-rotor/internal/manager"
	"github.com/pysugar/oauth-rotor/internal/proxy/handlers"
	"github.com/pysugar/oauth-rotor/internal/proxy/middleware"
	"github.com/pysugar/oauth-rotor/internal/ratelimit"
	"github.com/pysugar/oauth-rotor/internal/refreshqueue"
	"github.com/pysugar/oauth-rotor/internal/store"
	"github.com/pysugar/oauth-rotor/internal/version"
)

func main() {
	cfgPath := os.Getenv("ROTOR_CONFIG")
	if cfgPath == "" {
		cfgPath = "rotor.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var audit *db.Audit
	if cfg.Database != "" {
		database, err := db.InitDB(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to initialize audit database: %v", err)
		}
		audit = db.NewAudit(database)
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to resolve account storage: %v", err)
	}
	log.Printf("📦 Account storage: %s", st.Path())

	var exch exchange.Exchanger
	if cfg.OAuth.ClientID != "" || cfg.OAuth.TokenURL != "" {
		exch = exchange.NewOAuthExchangerWith(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.TokenURL)
	} else {
		exch = exchange.NewOAuthExchanger()
	}

	mgr := manager.New(st, exch)
	if err := loadAccounts(mgr, st); err != nil {
		log.Fatalf("Failed to load accounts: %v", err)
	}
	log.Printf("📦 Loaded %d account(s)", len(mgr.AccountsSnapshot()))

	queue := refreshqueue.New(cfg.RefreshBuffer(), cfg.RefreshThrottle())
	tracker := ratelimit.NewTracker(mgr, audit)

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(logging.RequestID)

	r.Get("/healthz", handlers.HealthHandler())

	adminAuth := middleware.AdminAuth(os.Getenv("ROTOR_ADMIN_PASSWORD"))
	r.Route("/api", func(r chi.Router) {
		r.Use(adminAuth)
		r.Get("/accounts", handlers.AccountsHandler(mgr, tracker))
		r.Post("/accounts", handlers.AddAccountHandler(mgr))
		r.Post("/accounts/{index}/toggle", handlers.ToggleAccountHandler(mgr))
		r.Delete("/accounts/{index}", handlers.RemoveAccountHandler(mgr))
		r.Post("/select", handlers.SelectHandler(mgr))
		r.Post("/usage/{accountId}", handlers.UsageHandler(tracker))
		r.Post("/repair", handlers.RepairHandler(mgr))
		r.Post("/refresh", handlers.RefreshHandler(mgr, queue, audit))
		r.Get("/status", handlers.StatusHandler(mgr, tracker, audit))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{Addr: cfg.Listen, Handler: r}
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Printf("🚀 oauth-rotor %s listening on http://%s", version.Version, cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				enqueued, _ := handlers.EnqueueNearExpiry(mgr, queue, audit)
				if enqueued > 0 {
					log.Printf("🔄 Refresh sweep enqueued %d account(s)", enqueued)
				}
			}
		}
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.StoragePath != "" {
		return store.NewAt(cfg.StoragePath), nil
	}
	scope, err := store.ResolveScope(store.ScopeOptions{
		PerProject:       cfg.PerProject,
		FallbackToGlobal: cfg.FallbackToGlobal,
	})
	if err != nil {
		return nil, err
	}
	return store.New(scope), nil
}

// loadAccounts loads the pool, routing corrupt storage through
// inspect/quarantine: corrupt records move to an audited sibling file and
// the remaining accounts keep working.
func loadAccounts(mgr *manager.Manager, st *store.Store) error {
	err := mgr.LoadFromDisk()
	if err == nil {
		return nil
	}
	if !store.IsCorrupt(err) {
		return err
	}

	log.Printf("⚠️ %v", err)
	report, ierr := st.Inspect()
	if ierr != nil {
		return ierr
	}
	valid, legacy, corrupt := report.Counts()
	log.Printf("🔍 Storage inspection: %d valid, %d legacy, %d corrupt", valid, legacy, corrupt)

	if corrupt > 0 {
		path, qerr := st.Quarantine(report.Corrupt, "corrupt records detected at startup")
		if qerr != nil {
			return qerr
		}
		log.Printf("🧾 Quarantined %d corrupt record(s) to %s", corrupt, path)
	}
	return mgr.LoadFromDisk()
}
