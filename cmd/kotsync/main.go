// Command kotsync runs the offline-first data layer of a restaurant POS
// terminal: the local store, the sync engine and its scheduler, backups, and
// the HTTP API the front end talks to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/restopos/kotsync/internal/auth"
	"github.com/restopos/kotsync/internal/cache"
	"github.com/restopos/kotsync/internal/config"
	"github.com/restopos/kotsync/internal/crypto"
	"github.com/restopos/kotsync/internal/dataaccess"
	"github.com/restopos/kotsync/internal/db"
	"github.com/restopos/kotsync/internal/export"
	bscheduler "github.com/restopos/kotsync/internal/export/scheduler"
	"github.com/restopos/kotsync/internal/httpapi"
	"github.com/restopos/kotsync/internal/logging"
	"github.com/restopos/kotsync/internal/models"
	"github.com/restopos/kotsync/internal/network"
	"github.com/restopos/kotsync/internal/notify"
	"github.com/restopos/kotsync/internal/remote"
	syncpkg "github.com/restopos/kotsync/internal/sync"
	"github.com/restopos/kotsync/internal/sync/conflict"
	"github.com/restopos/kotsync/internal/sync/policy"
	"github.com/restopos/kotsync/internal/sync/queue"
	"github.com/restopos/kotsync/internal/sync/scheduler"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	envFile := flag.String("env", "", "path to a .env file")
	issue := flag.String("issue-token", "", "print an API token for subject:role and exit")
	flag.Parse()

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *issue != "" {
		if err := printToken(cfg, *issue); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := logging.InitFile(logging.FileConfig{
		Output:   cfg.LogOutput,
		Path:     cfg.LogFile,
		Level:    logging.ParseLevel(cfg.LogLevel),
		Compress: true,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logging:", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logging.Error("kotsync stopped with an error", err)
		os.Exit(1)
	}
}

func printToken(cfg *config.Config, subjectRole string) error {
	sub, role, ok := strings.Cut(subjectRole, ":")
	if !ok || sub == "" || role == "" {
		return errors.New("-issue-token expects subject:role")
	}
	tok, err := auth.Issue(auth.JWTCfg{HS256Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, sub, role, 30*24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info("kotsync starting", map[string]interface{}{
		"version":    Version,
		"server_url": cfg.ServerURL,
		"data_dir":   cfg.DataDir,
	})

	center := notify.NewCenter()
	hub := notify.NewHub(cfg.AllowedOrigins...)
	defer hub.Close()
	center.Subscribe(hub.BroadcastNotification)

	store, closeStore := openStore(cfg, center)
	defer closeStore()

	client := remote.New(cfg.ServerURL,
		remote.WithTimeout(cfg.RequestTimeout),
		remote.WithRateLimit(cfg.RequestsPerSecond, int(cfg.RequestsPerSecond)),
		remote.WithBearerToken(serverToken(cfg)),
	)

	strategy, err := conflict.ParseStrategy(cfg.ConflictPolicy)
	if err != nil {
		return err
	}

	q := queue.New(store, queue.WithCapacity(cfg.QueueCapacity), queue.WithMaxRetries(cfg.MaxRetries))
	engine := syncpkg.NewEngine(store, q, client, conflict.NewResolver(strategy),
		syncpkg.WithNotifier(center),
		syncpkg.WithConflictLog(store),
		syncpkg.WithEventHandler(syncpkg.SyncEventHandlerFunc(func(ev syncpkg.SyncEvent) {
			hub.Broadcast(syncEventType(ev.Type), map[string]interface{}{
				"kind":    string(ev.Kind),
				"message": ev.Message,
				"item_id": ev.ItemID,
				"count":   ev.Count,
			})
		})),
	)

	// The gate triggers a sync after enabling; the scheduler is built after
	// the gate because it reads the policy.
	var sched *scheduler.Scheduler
	roles := auth.ContextResolver{Fallback: auth.StaticResolver(cfg.Roles)}
	gate := policy.NewGate(store, engine, roles, policy.WithSyncTrigger(func() {
		if sched != nil {
			sched.TriggerSync(ctx)
		}
	}))
	if err := gate.Load(ctx); err != nil {
		return err
	}
	gate.Subscribe(func(s models.SyncPolicyState) {
		hub.Broadcast(notify.EventPolicyChanged, map[string]interface{}{
			"enabled":        s.Enabled,
			"changed_by":     s.ChangedBy,
			"disable_reason": s.DisableReason,
		})
	})

	sched = scheduler.NewScheduler(engine, gate, &scheduler.Config{QuickInterval: cfg.QuickSyncInterval})

	monitor := network.NewMonitor(client)
	monitor.Subscribe(sched.OnNetworkChange)

	readCache := cache.New(store,
		cache.WithCapacity(cfg.CacheCapacity),
		cache.WithTTL(cache.KindMenu, cfg.MenuTTL),
		cache.WithTTL(cache.KindOrders, cfg.OrdersTTL),
		cache.WithTTL(cache.KindTables, cfg.TablesTTL),
		cache.WithTTL(cache.KindDashboard, cfg.DashboardTTL),
		cache.WithTTL(cache.KindSettings, cfg.SettingsTTL),
	)

	facade, err := dataaccess.New(dataaccess.Deps{
		Store:   store,
		Server:  client,
		Gate:    gate,
		Queue:   q,
		Cache:   readCache,
		Network: monitor,
	})
	if err != nil {
		return err
	}
	for _, coll := range models.DataCollections {
		facade.Subscribe(coll, func(c dataaccess.Change) {
			hub.Broadcast(notify.EventDataChanged, map[string]interface{}{
				"collection": string(c.Collection),
				"method":     c.Method,
				"id":         c.ID,
				"mode":       string(c.Mode),
			})
		})
	}

	backups := export.NewService(store)
	backupSched := bscheduler.New(announcer{Exporter: backups, hub: hub}, bscheduler.Config{
		Interval:       cfg.BackupInterval,
		RetentionCount: cfg.BackupRetention,
		Dir:            cfg.BackupDir,
	})

	api := &httpapi.Server{
		Sync:          sched,
		Engine:        engine,
		Policy:        gate,
		Notifications: center,
		Backups:       backups,
		Snapshots:     backupSched,
		Data:          facade,
		Events:        hub,
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.Routes(auth.JWTCfg{HS256Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go monitor.Run(ctx, cfg.ProbeInterval)
	sched.Start(ctx)
	if err := backupSched.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("starting HTTP server", map[string]interface{}{"addr": cfg.HTTPAddr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		return err
	}

	logging.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("HTTP server shutdown error", err)
	}
	sched.Stop()
	backupSched.Stop()
	readCache.Wait()

	logging.Info("kotsync stopped")
	return nil
}

type localStore interface {
	db.Store
	db.ConflictLogRepository
}

// openStore opens the SQLite store behind a memory fallback. When the
// database cannot be opened at all the session runs from memory.
func openStore(cfg *config.Config, center *notify.Center) (localStore, func()) {
	warn := func(err error) {
		center.Publish(notify.Notification{
			Level:      notify.LevelError,
			Title:      "Local storage unavailable",
			Message:    "Data is kept in memory only and will be lost on restart: " + err.Error(),
			Code:       "STORAGE_ERROR",
			Persistent: true,
		})
	}

	database, err := db.Open(cfg.DataDir)
	if err == nil {
		if err = database.Migrate(); err != nil {
			database.Close()
		}
	}
	if err != nil {
		logging.Error("failed to open local database, using memory", err)
		warn(err)
		return db.NewMemoryFallback(err), func() {}
	}

	store := db.NewFallbackStore(db.NewRepository(database.DB))
	store.OnDegrade(warn)
	return store, func() {
		if err := database.Close(); err != nil {
			logging.Error("failed to close database", err)
		}
	}
}

// serverToken returns the backend token. A configured token is saved
// encrypted in the data directory so later starts do not need it in the
// environment.
func serverToken(cfg *config.Config) string {
	creds := crypto.NewStore(cfg.DataDir, nil)
	if cfg.ServerToken != "" {
		if err := creds.Put(crypto.AccountServerToken, cfg.ServerToken); err != nil {
			logging.Error("failed to save server token", err)
		}
		return cfg.ServerToken
	}
	tok, err := creds.Get(crypto.AccountServerToken)
	if err != nil && !errors.Is(err, crypto.ErrNotFound) {
		logging.Error("failed to read saved server token", err)
	}
	return tok
}

func syncEventType(t syncpkg.SyncEventType) string {
	switch t {
	case syncpkg.SyncEventStarted:
		return notify.EventSyncStarted
	case syncpkg.SyncEventCompleted:
		return notify.EventSyncCompleted
	case syncpkg.SyncEventFailed:
		return notify.EventSyncFailed
	case syncpkg.SyncEventSkipped:
		return notify.EventSyncSkipped
	case syncpkg.SyncEventItemDropped:
		return notify.EventItemDropped
	default:
		return "sync." + string(t)
	}
}

// announcer tells connected clients about finished backups.
type announcer struct {
	export.Exporter
	hub *notify.Hub
}

func (a announcer) ExportToFile(ctx context.Context, dir string) (*export.ExportResult, error) {
	res, err := a.Exporter.ExportToFile(ctx, dir)
	if err == nil {
		a.hub.Broadcast(notify.EventBackupDone, map[string]interface{}{
			"file":       res.FilePath,
			"size_bytes": res.SizeBytes,
			"checksum":   res.Checksum,
		})
	}
	return res, err
}
