// Package app wires the FitSync sync core: local store, data services, sync
// queue, remote handlers and background workers.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/fitsync/backend/internal/config"
	"github.com/kimhsiao/fitsync/backend/internal/connectivity"
	"github.com/kimhsiao/fitsync/backend/internal/db"
	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
	"github.com/kimhsiao/fitsync/backend/internal/entity"
	"github.com/kimhsiao/fitsync/backend/internal/logging"
	"github.com/kimhsiao/fitsync/backend/internal/offline"
	"github.com/kimhsiao/fitsync/backend/internal/remote"
	"github.com/kimhsiao/fitsync/backend/internal/statushub"
	"github.com/kimhsiao/fitsync/backend/internal/sync/queue"
	"github.com/kimhsiao/fitsync/backend/internal/sync/scheduler"
	"github.com/kimhsiao/fitsync/backend/internal/telemetry"
)

// RemoteFactory returns the remote handler for a table.
type RemoteFactory func(table string) queue.SyncHandler

// Options customizes New.
type Options struct {
	// Monitor overrides the connectivity source. By default a probe is used
	// when connectivity.probe_url is set, otherwise a Manual monitor that
	// starts online and is driven by the host.
	Monitor connectivity.Monitor
	// Remote overrides the HTTP client built from the remote section.
	Remote RemoteFactory
	// Registry receives the queue metrics; nil creates a private registry.
	Registry *prometheus.Registry
	Now      func() time.Time
}

// TableService is what the app needs from every entity service.
type TableService interface {
	Table() string
	Init(ctx context.Context) error
	PruneSynced(ctx context.Context, userID string, olderThan time.Time) (int, error)
	queue.Local
}

// App owns every long-lived component. Construct it once per process.
type App struct {
	Config    *config.Config
	DB        *db.DB
	Queue     *queue.Manager
	Monitor   connectivity.Monitor
	Scheduler *scheduler.Scheduler
	Hub       *statushub.Hub
	Registry  *prometheus.Registry

	Goals     *entity.GoalService
	Exercises *entity.ExerciseService
	Meals     *entity.MealService
	Profiles  *entity.ProfileService

	probe *connectivity.Probe

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
}

// New opens the local store, creates the entity tables and registers a sync
// handler per table. Background work starts with Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, DB: database, Registry: opts.Registry}
	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
	}

	a.Monitor = opts.Monitor
	if a.Monitor == nil {
		if cfg.Connectivity.ProbeURL != "" {
			a.probe = connectivity.NewProbe(cfg.ProbeConfig())
			a.Monitor = a.probe
		} else {
			a.Monitor = connectivity.NewManual(true)
		}
	}

	a.Queue = queue.NewManager(queue.NewStore(database), a.Monitor, cfg.QueueTunables(), queue.Options{
		Recorder: telemetry.NewQueueMetrics(a.Registry),
		Now:      opts.Now,
	})

	svcOpts := offline.Options{Now: opts.Now}
	a.Goals = entity.NewGoalService(database, a.Queue, svcOpts)
	a.Exercises = entity.NewExerciseService(database, a.Queue, svcOpts)
	a.Meals = entity.NewMealService(database, a.Queue, svcOpts)
	a.Profiles = entity.NewProfileService(database, a.Queue, svcOpts)

	for _, svc := range a.Services() {
		if err := svc.Init(ctx); err != nil {
			database.Close()
			return nil, err
		}
	}

	remoteFor := opts.Remote
	if remoteFor == nil && cfg.Remote.BaseURL != "" {
		client, err := remote.NewClient(cfg.RemoteConfig())
		if err != nil {
			database.Close()
			return nil, err
		}
		remoteFor = func(table string) queue.SyncHandler { return client.Endpoint(table) }
	}
	if remoteFor == nil {
		logging.Warn("No remote configured, local changes stay queued")
	} else {
		for _, svc := range a.Services() {
			a.Queue.RegisterSyncHandler(svc.Table(), queue.Bind(remoteFor(svc.Table()), svc))
		}
	}

	pruners := make([]scheduler.Pruner, 0, 4)
	for _, svc := range a.Services() {
		pruners = append(pruners, svc)
	}
	a.Scheduler = scheduler.NewScheduler(a.Queue, pruners, cfg.SchedulerConfig())

	a.Hub = statushub.NewHub(nil)
	a.Queue.OnStatusChange(a.Hub.BroadcastStatus)

	logging.Info("Sync core initialized", map[string]interface{}{
		"db_path": database.Path(),
		"tables":  entity.Tables(),
		"remote":  remoteFor != nil,
	})
	return a, nil
}

// Services returns the entity services in queue priority order.
func (a *App) Services() []TableService {
	return []TableService{a.Profiles, a.Goals, a.Exercises, a.Meals}
}

// Service returns the entity service owning table.
func (a *App) Service(table string) (TableService, error) {
	for _, svc := range a.Services() {
		if svc.Table() == table {
			return svc, nil
		}
	}
	return nil, apperrors.Newf(apperrors.ErrNotFound, "unknown table %q", table)
}

// Start launches the queue dispatcher, the scheduler, the status hub and the
// connectivity probe, then re-enqueues unsynced rows of the configured user.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return a.Hub.Run(gctx) })
	if a.probe != nil {
		a.probe.Check(gctx)
		g.Go(func() error { return a.probe.Run(gctx) })
	}
	if err := a.Queue.Start(gctx); err != nil {
		cancel()
		g.Wait()
		return err
	}
	a.Scheduler.Start(gctx)

	a.started = true
	a.cancel = cancel
	a.group = g

	if a.Config.UserID != "" {
		if _, err := a.Queue.RecoverPending(ctx, a.Config.UserID); err != nil {
			logging.Error("Failed to recover pending records", err, map[string]interface{}{"user_id": a.Config.UserID})
		}
	}
	return nil
}

// CheckConnectivity runs one probe check when the probe is in use and reports
// whether the monitor is online.
func (a *App) CheckConnectivity(ctx context.Context) bool {
	if a.probe != nil {
		return a.probe.Check(ctx)
	}
	return a.Monitor.IsOnline()
}

// SetConnectivity reports the host's network state. It fails when the
// monitor is not host driven.
func (a *App) SetConnectivity(online, expensive bool) error {
	m, ok := a.Monitor.(*connectivity.Manual)
	if !ok {
		return apperrors.New(apperrors.ErrInvalid, "connectivity is not host driven")
	}
	m.Set(online, expensive)
	return nil
}

// ApplyConfig hot-reloads the tunables that can change at runtime.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.Queue.SetConfig(cfg.QueueTunables())
	logging.Get().SetLevel(logging.ParseLevel(cfg.Log.Level))
}

// Close stops background work and closes the store.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.Scheduler.Stop()
		a.Queue.Close()

		a.mu.Lock()
		if a.cancel != nil {
			a.cancel()
		}
		g := a.group
		a.mu.Unlock()
		if g != nil {
			g.Wait()
		}

		err = a.DB.Close()
	})
	return err
}
