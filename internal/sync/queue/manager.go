package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/fitsync/backend/internal/connectivity"
	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
	"github.com/kimhsiao/fitsync/backend/internal/logging"
	"github.com/kimhsiao/fitsync/backend/internal/models"
	"github.com/kimhsiao/fitsync/backend/internal/uuid"
)

// Options configures a Manager.
type Options struct {
	Recorder Recorder
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Manager owns the durable sync queue. One Manager serves the whole process;
// it is constructed once and injected into the data services.
//
// Drains are single-flight. Triggers arriving while a drain runs coalesce into
// one follow-up drain executed by the dispatcher goroutine started by Start.
type Manager struct {
	store   *Store
	monitor connectivity.Monitor
	metrics Recorder
	now     func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	handlersMu sync.RWMutex
	handlers   map[string]SyncHandler

	processing atomic.Bool
	wake       chan struct{}

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	closed   bool

	subsMu  sync.Mutex
	subs    map[int]func(models.QueueStatus)
	nextSub int

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	group       *errgroup.Group
	unsubscribe func()
	closeOnce   sync.Once
}

// NewManager creates a queue manager over store.
func NewManager(store *Store, monitor connectivity.Monitor, cfg Config, opts Options) *Manager {
	m := &Manager{
		store:    store,
		monitor:  monitor,
		metrics:  opts.Recorder,
		now:      opts.Now,
		cfg:      cfg.normalized(),
		handlers: make(map[string]SyncHandler),
		wake:     make(chan struct{}, 1),
		timers:   make(map[string]*time.Timer),
		subs:     make(map[int]func(models.QueueStatus)),
	}
	if m.metrics == nil {
		m.metrics = nopRecorder{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Config returns the current tunables.
func (m *Manager) Config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// SetConfig replaces the tunables. Scheduled retries keep their delays.
func (m *Manager) SetConfig(cfg Config) {
	m.cfgMu.Lock()
	m.cfg = cfg.normalized()
	m.cfgMu.Unlock()
}

// RegisterSyncHandler associates table with h, replacing any previous handler,
// and requests a drain so entries waiting for the handler go out.
func (m *Manager) RegisterSyncHandler(table string, h SyncHandler) {
	m.handlersMu.Lock()
	m.handlers[table] = h
	m.handlersMu.Unlock()
	m.Trigger()
}

func (m *Manager) handler(table string) SyncHandler {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	return m.handlers[table]
}

// =====================================================
// Lifecycle
// =====================================================

// Start launches the dispatcher, subscribes to reconnect events and requests
// an initial drain. Calling Start twice is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.started {
		return nil
	}
	m.timersMu.Lock()
	closed := m.closed
	m.timersMu.Unlock()
	if closed {
		return apperrors.New(apperrors.ErrInternal, "sync queue manager is closed")
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		m.dispatch(gctx)
		return nil
	})

	m.unsubscribe = m.monitor.OnReconnect(func() {
		logging.Info("Connectivity restored, draining sync queue")
		m.Trigger()
	})
	m.started = true
	m.cancel = cancel
	m.group = g

	m.Trigger()
	return nil
}

// dispatch runs drains requested through Trigger. A drain that has started
// runs to completion even if ctx is cancelled meanwhile.
func (m *Manager) dispatch(ctx context.Context) {
	drainCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			if _, err := m.ProcessQueue(drainCtx); err != nil {
				logging.ErrorWithCode("Sync queue drain failed", string(apperrors.CodeOf(err)), err)
			}
		}
	}
}

// Trigger requests a drain without waiting for it.
func (m *Manager) Trigger() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Close stops retry timers, unsubscribes from connectivity events and waits
// for the dispatcher to exit. An in-flight drain finishes first.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.lifecycleMu.Lock()
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		if m.cancel != nil {
			m.cancel()
		}
		g := m.group
		m.lifecycleMu.Unlock()

		m.timersMu.Lock()
		m.closed = true
		for id, t := range m.timers {
			t.Stop()
			delete(m.timers, id)
		}
		m.timersMu.Unlock()

		if g != nil {
			g.Wait()
		}
	})
	return nil
}

// =====================================================
// Enqueue
// =====================================================

// QueueOperation persists a new entry, publishes the status and requests a
// drain. data is copied; later changes by the caller do not affect the entry.
func (m *Manager) QueueOperation(ctx context.Context, table string, op models.Operation, recordID string, data json.RawMessage, priority int) (*models.SyncQueueEntry, error) {
	localID := recordID
	if op == models.OperationDelete {
		localID = ""
	}
	return m.QueueLocalOperation(ctx, table, op, localID, recordID, data, priority)
}

// QueueLocalOperation is QueueOperation for an entry whose RecordID is not the
// local id of the row it came from, such as a DELETE addressed by natural key.
// The entry then waits behind earlier entries for localID.
func (m *Manager) QueueLocalOperation(ctx context.Context, table string, op models.Operation, localID, recordID string, data json.RawMessage, priority int) (*models.SyncQueueEntry, error) {
	entry, err := m.insert(ctx, table, op, localID, recordID, data, priority)
	if err != nil {
		return nil, err
	}
	m.publish(ctx)
	m.Trigger()
	return entry, nil
}

func (m *Manager) insert(ctx context.Context, table string, op models.Operation, localID, recordID string, data json.RawMessage, priority int) (*models.SyncQueueEntry, error) {
	if table == "" || recordID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "queue entry needs a table and a record id")
	}
	parsed, err := models.ParseOperation(string(op))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "queue entry operation", err)
	}

	entry := &models.SyncQueueEntry{
		ID:        uuid.New(),
		TableName: table,
		Operation: parsed,
		RecordID:  recordID,
		LocalID:   localID,
		Data:      append(json.RawMessage(nil), data...),
		Priority:  priority,
		CreatedAt: m.now(),
	}
	if err := m.store.Insert(ctx, entry); err != nil {
		return nil, err
	}

	m.metrics.Enqueued(table, parsed)
	logging.Debug("Queued sync operation", map[string]interface{}{
		"entry_id":  entry.ID,
		"table":     table,
		"operation": string(parsed),
		"priority":  priority,
	})
	return entry, nil
}

// =====================================================
// Drain
// =====================================================

// ProcessQueue drains the queue once. It returns nil immediately when a drain
// is already running, when offline, or when the connection is metered and
// metered links are respected. Entries still inside their backoff window are
// left for their retry timer.
//
// Cancelling ctx stops the drain before the next entry. Bookkeeping for an
// entry already sent, and the drain timestamps, are still written.
func (m *Manager) ProcessQueue(ctx context.Context) ([]models.SyncResult, error) {
	return m.drain(ctx, false)
}

// ForceSyncAll drains immediately, including entries waiting on backoff.
func (m *Manager) ForceSyncAll(ctx context.Context) ([]models.SyncResult, error) {
	if !m.monitor.IsOnline() {
		return nil, apperrors.New(apperrors.ErrSyncOffline, "cannot sync while offline")
	}
	return m.drain(ctx, true)
}

func (m *Manager) drain(ctx context.Context, force bool) (results []models.SyncResult, err error) {
	if !m.monitor.IsOnline() {
		return nil, nil
	}
	cfg := m.Config()
	if cfg.RespectMetered && m.monitor.IsExpensiveConnection() {
		logging.Debug("Skipping sync drain on metered connection")
		return nil, nil
	}
	if !m.processing.CompareAndSwap(false, true) {
		return nil, nil
	}

	// A remote that accepted a mutation must see its entry removed even when
	// the caller has gone away, or the entry is sent again.
	work := context.WithoutCancel(ctx)

	started := m.now()
	defer func() {
		m.finishDrain(work, results, started)
	}()

	m.publish(work)
	return m.runDrain(ctx, work, cfg, force)
}

func (m *Manager) runDrain(ctx, work context.Context, cfg Config, force bool) ([]models.SyncResult, error) {
	entries, err := m.store.List(work)
	if err != nil {
		return nil, err
	}

	// Entries for one local row drain in order: once an entry is held back or
	// fails, later entries for the same row wait too. A DELETE is addressed by
	// natural key but keyed here by its local row.
	blocked := make(map[string]bool)
	key := func(e *models.SyncQueueEntry) string { return e.TableName + "\x00" + e.RowKey() }

	now := m.now()
	ready := make([]*models.SyncQueueEntry, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		if blocked[key(e)] {
			continue
		}
		if !force && e.LastAttempt != nil {
			if wait := cfg.Backoff(e.RetryCount) - now.Sub(*e.LastAttempt); wait > 0 {
				m.scheduleRetry(e.ID, wait, false)
				blocked[key(e)] = true
				continue
			}
		}
		ready = append(ready, e)
	}

	var results []models.SyncResult
	for i := 0; i < len(ready); i += cfg.BatchSize {
		if i > 0 && cfg.BatchPause > 0 {
			pause := time.NewTimer(cfg.BatchPause)
			select {
			case <-ctx.Done():
				pause.Stop()
				return results, ctx.Err()
			case <-pause.C:
			}
		}

		end := min(i+cfg.BatchSize, len(ready))
		for _, e := range ready[i:end] {
			if blocked[key(e)] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return results, err
			}
			res := m.processEntry(ctx, work, e)
			if !res.Success {
				blocked[key(e)] = true
			}
			results = append(results, res)
			m.publish(work)
		}
	}
	return results, nil
}

func (m *Manager) finishDrain(ctx context.Context, results []models.SyncResult, started time.Time) {
	attempted := m.now()
	for _, r := range results {
		if r.Success {
			if err := m.store.SetTime(ctx, models.MetaLastSuccessfulSync, attempted); err != nil {
				logging.Error("Failed to record last successful sync", err)
			}
			break
		}
	}
	if err := m.store.SetTime(ctx, models.MetaLastSyncAttempt, attempted); err != nil {
		logging.Error("Failed to record last sync attempt", err)
	}

	m.processing.Store(false)
	m.metrics.DrainDuration(attempted.Sub(started))
	if len(results) > 0 {
		succeeded := 0
		for _, r := range results {
			if r.Success {
				succeeded++
			}
		}
		logging.Info("Sync queue drained", map[string]interface{}{
			"processed": len(results),
			"succeeded": succeeded,
			"duration":  attempted.Sub(started).String(),
		})
	}
	m.publish(ctx)
}

// processEntry sends e on ctx and records the outcome on work.
func (m *Manager) processEntry(ctx, work context.Context, e *models.SyncQueueEntry) models.SyncResult {
	res := models.SyncResult{
		EntryID:   e.ID,
		TableName: e.TableName,
		Operation: e.Operation,
		RecordID:  e.RecordID,
	}

	h := m.handler(e.TableName)
	attempted := m.now()
	if h == nil {
		// Configuration error: no retry is consumed and the entry stays queued
		// until a handler is registered.
		msg := fmt.Sprintf("no sync handler registered for table %q", e.TableName)
		if err := m.store.RecordAttempt(work, e.ID, e.RetryCount, msg, attempted); err != nil {
			logging.Error("Failed to record queue attempt", err, map[string]interface{}{"entry_id": e.ID})
		}
		logging.Warn("Sync entry has no handler", map[string]interface{}{
			"entry_id": e.ID,
			"table":    e.TableName,
		})
		res.Error = msg
		res.Code = string(apperrors.ErrSyncNoHandler)
		m.metrics.Processed(e.TableName, e.Operation, false)
		return res
	}

	serverData, err := h.SyncToServer(ctx, e.Operation, e.RecordID, e.Data)
	if err != nil {
		dropped, ferr := m.HandleSyncFailure(work, e, err)
		if ferr != nil {
			logging.Error("Failed to record sync failure", ferr, map[string]interface{}{"entry_id": e.ID})
		}
		res.Error = err.Error()
		res.Code = string(failureCode(err))
		res.Dropped = dropped
		m.metrics.Processed(e.TableName, e.Operation, false)
		return res
	}

	if err := m.store.Delete(work, e.ID); err != nil {
		// The remote accepted the mutation; a leftover entry is replayed later.
		logging.Error("Failed to remove synced queue entry", err, map[string]interface{}{"entry_id": e.ID})
	}
	m.cancelRetry(e.ID)

	if updater, ok := h.(StatusUpdater); ok && e.Operation != models.OperationDelete {
		err := updater.UpdateLocalSyncStatus(work, e.RecordID, models.SyncStatusSynced, models.StatusOptions{
			QueuedAt:    e.CreatedAt,
			AttemptedAt: attempted,
			ServerData:  serverData,
		})
		if err != nil {
			logging.Error("Failed to mark record synced", err, map[string]interface{}{
				"table":     e.TableName,
				"record_id": e.RecordID,
			})
		}
	}

	res.Success = true
	res.ServerData = serverData
	m.metrics.Processed(e.TableName, e.Operation, true)
	return res
}

// HandleSyncFailure records a failed attempt on entry. Once the retry count
// reaches MaxRetries the entry is removed and its record marked failed;
// otherwise a retry is scheduled after Backoff(retryCount). It reports whether
// the entry was dropped.
func (m *Manager) HandleSyncFailure(ctx context.Context, entry *models.SyncQueueEntry, cause error) (bool, error) {
	cfg := m.Config()
	retry := entry.RetryCount + 1
	msg := cause.Error()
	attempted := m.now()

	entry.RetryCount = retry
	entry.ErrorMessage = msg
	entry.LastAttempt = &attempted

	updater, _ := m.handler(entry.TableName).(StatusUpdater)
	tracked := updater != nil && entry.Operation != models.OperationDelete
	fields := map[string]interface{}{
		"entry_id":    entry.ID,
		"table":       entry.TableName,
		"operation":   string(entry.Operation),
		"retry_count": retry,
	}

	if retry >= cfg.MaxRetries {
		m.cancelRetry(entry.ID)
		if err := m.store.Delete(ctx, entry.ID); err != nil {
			return false, err
		}
		m.metrics.Dropped(entry.TableName)
		logging.ErrorWithCode("Sync entry dropped after max retries", string(failureCode(cause)), cause, fields)

		if tracked {
			if err := updater.UpdateLocalSyncStatus(ctx, entry.RecordID, models.SyncStatusFailed, models.StatusOptions{
				RetryCount:   retry,
				ErrorMessage: msg,
				QueuedAt:     entry.CreatedAt,
				AttemptedAt:  attempted,
			}); err != nil {
				return true, err
			}
		}
		return true, nil
	}

	if err := m.store.RecordAttempt(ctx, entry.ID, retry, msg, attempted); err != nil {
		return false, err
	}

	status := models.SyncStatusLocalOnly
	if apperrors.Is(cause, apperrors.ErrSyncConflict) {
		status = models.SyncStatusConflict
	}
	if tracked {
		if err := updater.UpdateLocalSyncStatus(ctx, entry.RecordID, status, models.StatusOptions{
			RetryCount:   retry,
			ErrorMessage: msg,
			QueuedAt:     entry.CreatedAt,
			AttemptedAt:  attempted,
		}); err != nil {
			return false, err
		}
	}

	delay := cfg.Backoff(retry)
	m.scheduleRetry(entry.ID, delay, true)
	fields["retry_in"] = delay.String()
	logging.Warn("Sync attempt failed, retry scheduled", fields)
	return false, nil
}

func failureCode(err error) apperrors.ErrorCode {
	code := apperrors.CodeOf(err)
	if code == apperrors.ErrInternal && !apperrors.Is(err, apperrors.ErrInternal) {
		return apperrors.ErrSyncFailed
	}
	return code
}

// =====================================================
// Retry timers
// =====================================================

// scheduleRetry arms a timer that triggers a drain after delay. An existing
// timer for the entry is kept unless replace is set.
func (m *Manager) scheduleRetry(entryID string, delay time.Duration, replace bool) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()

	if m.closed {
		return
	}
	if existing, ok := m.timers[entryID]; ok {
		if !replace {
			return
		}
		existing.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.timersMu.Lock()
		if m.timers[entryID] == t {
			delete(m.timers, entryID)
		}
		m.timersMu.Unlock()
		m.Trigger()
	})
	m.timers[entryID] = t
}

func (m *Manager) cancelRetry(entryID string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t, ok := m.timers[entryID]; ok {
		t.Stop()
		delete(m.timers, entryID)
	}
}

// ScheduledRetries returns the number of armed retry timers.
func (m *Manager) ScheduledRetries() int {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	return len(m.timers)
}

// =====================================================
// Status
// =====================================================

// GetSyncStatus computes the current snapshot from the queue and metadata tables.
func (m *Manager) GetSyncStatus(ctx context.Context) (models.QueueStatus, error) {
	pending, failed, err := m.store.Counts(ctx)
	if err != nil {
		return models.QueueStatus{}, err
	}
	lastAttempt, err := m.store.GetTime(ctx, models.MetaLastSyncAttempt)
	if err != nil {
		return models.QueueStatus{}, err
	}
	lastSuccess, err := m.store.GetTime(ctx, models.MetaLastSuccessfulSync)
	if err != nil {
		return models.QueueStatus{}, err
	}
	return models.QueueStatus{
		IsProcessing:       m.processing.Load(),
		PendingCount:       pending,
		FailedCount:        failed,
		LastSyncAttempt:    lastAttempt,
		LastSuccessfulSync: lastSuccess,
	}, nil
}

// OnStatusChange registers fn to receive a snapshot after every queue state
// change. fn runs on the goroutine that changed the state and must not block.
func (m *Manager) OnStatusChange(fn func(models.QueueStatus)) (unsubscribe func()) {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
		})
	}
}

func (m *Manager) publish(ctx context.Context) {
	status, err := m.GetSyncStatus(ctx)
	if err != nil {
		logging.Error("Failed to compute sync status", err)
		return
	}
	m.metrics.QueueDepth(status.PendingCount, status.FailedCount)

	m.subsMu.Lock()
	fns := make([]func(models.QueueStatus), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subsMu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

// =====================================================
// Administration
// =====================================================

// Entries returns the queued entries in drain order.
func (m *Manager) Entries(ctx context.Context) ([]models.SyncQueueEntry, error) {
	return m.store.List(ctx)
}

// ClearFailedItems removes entries whose retry count reached MaxRetries and
// returns how many were removed.
func (m *Manager) ClearFailedItems(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExhausted(ctx, m.Config().MaxRetries)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Cleared exhausted sync entries", map[string]interface{}{"count": n})
	}
	m.publish(ctx)
	return n, nil
}

// RecoverPending re-enqueues the user's unsynced rows that have no queue entry,
// for example rows written just before a crash. It returns the number of
// entries created.
func (m *Manager) RecoverPending(ctx context.Context, userID string) (int, error) {
	m.handlersMu.RLock()
	tables := make([]string, 0, len(m.handlers))
	for table := range m.handlers {
		tables = append(tables, table)
	}
	m.handlersMu.RUnlock()
	sort.Strings(tables)

	recovered := 0
	for _, table := range tables {
		src, ok := m.handler(table).(PendingSource)
		if !ok {
			continue
		}
		snapshots, err := src.PendingSnapshots(ctx, userID)
		if err != nil {
			return recovered, err
		}
		for _, snap := range snapshots {
			exists, err := m.store.Exists(ctx, table, snap.RecordID)
			if err != nil {
				return recovered, err
			}
			if exists {
				continue
			}
			if _, err := m.insert(ctx, table, snap.Operation, snap.RecordID, snap.RecordID, snap.Data, snap.Priority); err != nil {
				return recovered, err
			}
			recovered++
		}
	}

	if recovered > 0 {
		logging.Info("Recovered pending records into sync queue", map[string]interface{}{
			"count":   recovered,
			"user_id": userID,
		})
		m.publish(ctx)
		m.Trigger()
	}
	return recovered, nil
}
